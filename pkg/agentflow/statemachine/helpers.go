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

package statemachine

import (
	"context"
	"sort"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/depgraph"
	"github.com/agentflow-run/agentflow/pkg/agentflow/expression"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// buildEvalContext assembles the expression.Context for evaluating one of
// step's own cached expressions: a private copy of the workflow inputs
// (BuildStepEnv must not mutate hctx.Inputs, which is shared by every
// step in the iteration), the containing block's foreach binding if it
// has one, and every sibling return this step's expressions reference,
// pre-resolved via BuildStepEnv. An error here — an unresolved or
// incomplete sibling reference, or a failed lookup of the enclosing block
// or its owner — is treated as a step-level failure, not an infra one;
// callers fold it into step.Transition.Error.
//
// Inside an andThen continuation attached to a statement, `$` rebinds to
// that statement's own params rather than the workflow's inputs: the
// block is a continuation of that one call, not a fresh top-level scope.
// A block owned directly by the workflow root (no real owning statement,
// e.g. several sibling top-level andThen bodies) keeps the workflow's
// own inputs, since there is no per-call scope to rebind into.
func buildEvalContext(ctx context.Context, hctx *Context, step *backend.StepDefinition) (*expression.Context, error) {
	inputs := make(map[string]any, len(hctx.Inputs))
	for k, v := range hctx.Inputs {
		inputs[k] = v
	}
	ec := &expression.Context{Inputs: inputs}

	var foreachVar string
	if step.BlockID != "" {
		block, err := hctx.Reader.GetStep(ctx, step.BlockID)
		if err != nil {
			return nil, err
		}
		if block.ContainerID != "" {
			owner, err := hctx.Reader.GetStep(ctx, block.ContainerID)
			if err != nil {
				return nil, err
			}
			if !owner.ObjectType.IsBlock() && owner.ObjectType != backend.ObjectWorkflow {
				ec.Inputs = owner.Attributes.Params.Native()
			}
		}
		if block.ForeachVar != "" {
			ec.ForeachVar = block.ForeachVar
			ec.ForeachValue = block.ForeachValue.Native()
			foreachVar = block.ForeachVar
		}
	}
	ec.Steps = buildStepReader(ctx, hctx, step.BlockID)

	if err := expression.BuildStepEnv(ec, referencedStepNames(step, foreachVar)); err != nil {
		return nil, err
	}
	return ec, nil
}

// buildStepReader resolves a sibling reference by statement id against the
// other steps directly inside blockID: by id lookup against persistence
// (here, the iteration's staged view of it), not an in-memory pointer
// graph.
func buildStepReader(ctx context.Context, hctx *Context, blockID ids.StepID) expression.StepReader {
	return func(name string) (map[string]any, bool) {
		if blockID == "" {
			return nil, false
		}
		siblings, err := hctx.Reader.GetStepsByBlock(ctx, blockID)
		if err != nil {
			return nil, false
		}
		for _, s := range siblings {
			if s.StatementID == name && s.State == backend.StateStatementComplete {
				return s.Attributes.Returns.Native(), true
			}
		}
		return nil, false
	}
}

// referencedStepNames scans every expression step carries (attribute
// arguments, schema fields, and its own foreach source) for sibling
// statement references, excluding the step's own id and the enclosing
// block's foreach variable (which resolves through the foreach binding,
// not a step lookup).
func referencedStepNames(step *backend.StepDefinition, foreachVar string) []string {
	seen := map[string]struct{}{foreachVar: {}, step.StatementID: {}}
	var names []string
	add := func(source string) {
		if source == "" {
			return
		}
		for _, name := range depgraph.ScanReferences(source) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for _, name := range step.StatementArgOrder {
		add(step.StatementArgs[name])
	}
	for _, key := range orderedKeys(step.SchemaFields) {
		add(step.SchemaFields[key])
	}
	add(string(step.ForeachSourceExpr))
	return names
}

// orderedKeys returns m's keys sorted lexically, so iteration order over a
// map of expressions is deterministic across repeated drives of the same
// step.
func orderedKeys(m map[string]ast.Expr) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// newBlockChild creates a block continuation step owned by owner (the
// statement step whose facet call this block follows). ContainerID links
// it back to owner so GetBlocksByStep(owner.ID) finds it.
func newBlockChild(owner *backend.StepDefinition, bodies [][]ast.Statement, statementID string) *backend.StepDefinition {
	return &backend.StepDefinition{
		ID:          ids.NewStepID(),
		ObjectType:  backend.ObjectAndThen,
		StatementID: statementID,
		WorkflowID:  owner.WorkflowID,
		ContainerID: owner.ID,
		RootID:      owner.RootID,
		State:       backend.StateCreated,
		Attributes:  ids.NewFacetAttributes(),
		Bodies:      bodies,
	}
}

// newStatementChild creates the step record for one statement inside
// parentBlock's body, carrying its raw AST-cache fields forward so later
// handlers (facet.init.Begin, statement.blocks.Begin, block.execution.Begin
// for a nested block-kind statement) never need a separate program/AST
// lookup.
func newStatementChild(parentBlock *backend.StepDefinition, stmt ast.Statement) *backend.StepDefinition {
	return &backend.StepDefinition{
		ID:                ids.NewStepID(),
		ObjectType:        backend.ObjectType(stmt.Kind),
		FacetName:         stmt.FacetName,
		StatementID:       stmt.ID,
		WorkflowID:        parentBlock.WorkflowID,
		BlockID:           parentBlock.ID,
		RootID:            parentBlock.RootID,
		State:             backend.StateCreated,
		Attributes:        ids.NewFacetAttributes(),
		StatementArgs:     stmt.Args,
		StatementArgOrder: stmt.ArgOrder,
		ForeachVar:        stmt.ForeachVar,
		ForeachSourceExpr: stmt.ForeachSource,
		SchemaFields:      stmt.SchemaFields,
		YieldTarget:       stmt.YieldTarget,
		Bodies:            stmt.Bodies,
	}
}

// blockStatements returns the statement list a block step executes: its
// first body. A block step carrying more than one body (the workflow
// root, or a foreach sub-block of a multi-body statement) is split into
// single-body block children by handleBlockExecutionBegin/Continue before
// this is called, so there is never an ambiguous "which body" choice left
// to make here.
func blockStatements(step *backend.StepDefinition) []ast.Statement {
	if len(step.Bodies) == 0 {
		return nil
	}
	return step.Bodies[0]
}

// paramsAsValueMap copies s's params into a plain map[string]ids.Value,
// for nesting a mixin-targeted yield's params under its target name.
func paramsAsValueMap(s *backend.StepDefinition) map[string]ids.Value {
	out := make(map[string]ids.Value, len(s.Attributes.Params.Keys()))
	for _, k := range s.Attributes.Params.Keys() {
		v, _ := s.Attributes.Params.Get(k)
		out[k] = v
	}
	return out
}

// captureFrom scans parentID's direct children for terminal yields and
// terminal nested blocks, merging each into returns. A yield with no
// YieldTarget flattens its params directly in; a targeted yield nests its
// params under the target name (the mixin-pass-through case). A completed
// block child has already resolved its own naming through this same
// function (block.execution.End, handleBlockExecutionEnd), so its returns flatten straight
// in with no further renaming — a block introduces no naming of its own,
// it only ever forwards what its children already named. This is what
// lets a yield nested arbitrarily deep inside sibling andThen blocks
// eventually reach the owning statement's (or the workflow root's) own
// returns, one block-completion at a time.
func captureFrom(ctx context.Context, reader StepReader, parentID ids.StepID, returns *ids.OrderedAttributes) error {
	children, err := reader.GetStepsByBlock(ctx, parentID)
	if err != nil {
		return err
	}
	// A block with several sibling top-level bodies (handleBlockExecutionBegin's
	// multi-body branch) owns its per-body children by ContainerID, the same
	// relation a statement uses for its own andThen continuation, rather than
	// BlockID: those children are direct statements of none of parentID's own
	// single body, they are each a body of their own.
	owned, err := reader.GetBlocksByStep(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range append(children, owned...) {
		switch {
		case child.ObjectType == backend.ObjectYieldAssignment && child.State == backend.StateStatementComplete:
			if child.YieldTarget == "" {
				for _, k := range child.Attributes.Params.Keys() {
					v, _ := child.Attributes.Params.Get(k)
					returns.Set(k, v)
				}
			} else {
				returns.Set(child.YieldTarget, ids.Mapping(paramsAsValueMap(child)))
			}
		case child.ObjectType.IsBlock() && child.State == backend.StateStatementComplete:
			for _, k := range child.Attributes.Returns.Keys() {
				v, _ := child.Attributes.Returns.Get(k)
				returns.Set(k, v)
			}
		}
	}
	return nil
}
