// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ast is the shape the workflow evaluator assumes its input
// arrives in: a JSON-like AST of statements, already parsed, validated,
// and emitted by the AFL compiler (explicitly out of scope for this
// module, per the engine's own contract). Expression leaves carry raw
// source text, evaluated by pkg/agentflow/expression.
package ast

// ObjectKind mirrors backend.ObjectType without importing the backend
// package, keeping ast a leaf with no dependency on persistence types.
type ObjectKind string

const (
	KindVariableAssignment  ObjectKind = "VariableAssignment"
	KindYieldAssignment     ObjectKind = "YieldAssignment"
	KindSchemaInstantiation ObjectKind = "SchemaInstantiation"
	KindAndThen             ObjectKind = "AndThen"
	KindAndMap              ObjectKind = "AndMap"
	KindAndMatch            ObjectKind = "AndMatch"
	KindWorkflow            ObjectKind = "Workflow"
)

// Expr is a raw expression source string, compiled and cached by
// pkg/agentflow/expression.
type Expr = string

// Statement is one entry in a block body.
type Statement struct {
	// ID is the statement id within its containing block, e.g. "s1".
	ID string

	Kind      ObjectKind
	FacetName string // called facet's qualified name; empty for blocks

	// Args are the statement's attribute expressions in declaration order.
	Args     map[string]Expr
	ArgOrder []string

	// ForeachVar/ForeachSource are non-empty only for a foreach statement;
	// ForeachSource is the iterable expression, evaluated once per
	// containing-block iteration.
	ForeachVar    string
	ForeachSource Expr

	// YieldTarget names the mixin this yield targets; empty means the
	// yield targets the containing step itself.
	YieldTarget string

	// Bodies holds zero or more inline `andThen` bodies attached directly
	// to this statement (a statement-inline body). Multiple bodies model
	// sibling `andThen` blocks hung off one statement, named block-1,
	// block-2, and so on.
	Bodies [][]Statement

	// Schema-instantiation-only: field source expressions, stored as
	// returns rather than params by the schema handler.
	SchemaFields map[string]Expr
}

// FacetDecl is a called facet's declaration: default parameters, whether
// it is an event facet (serviced by an external agent), and its own
// `andThen` body used when the calling statement has none.
type FacetDecl struct {
	Name    string
	IsEvent bool

	// Defaults are default parameter expressions for omitted arguments.
	Defaults map[string]Expr

	// Implicit supplies program-level implicit declarations for this
	// facet: applied when the caller omits an argument and Defaults does
	// not cover it either. Precedence is explicit > Implicit > Defaults.
	Implicit ImplicitArgs

	// Bodies is the facet declaration's own andThen body/bodies, used by
	// statement.blocks.Begin when the statement has no inline body of its
	// own.
	Bodies [][]Statement

	// Script is an embedded program snippet source; this engine core does
	// not execute script blocks, so a non-empty Script causes
	// facet.scripts.Begin to fail the step with a clear, explicit error
	// rather than attempt subprocess execution.
	Script string
}

// Program is the parsed workflow: its root body (the call site's
// top-level statement list) and the facet declarations it may reference.
type Program struct {
	// RootBodies holds the workflow's top-level block body/bodies, by the
	// same "list of bodies" rule as a statement's inline Bodies.
	RootBodies [][]Statement

	Facets map[string]FacetDecl
}

// ImplicitArgs, when non-nil for a given FacetDecl, supplies AST-level
// implicit declarations: values applied when the caller omits an argument
// and the facet default does not cover it. In precedence order,
// implicit < explicit but implicit > facet default.
type ImplicitArgs map[string]Expr
