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

// Package depgraph derives, from a block's AST, the set of statements
// ready to run given a set of already-completed statement IDs.
package depgraph

import (
	"regexp"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
)

// Graph answers "which statements are ready" given a completion set. It is
// built once per block evaluation (block.execution.Begin) and reused
// across that block's block.execution.Continue polls.
type Graph struct {
	statements []ast.Statement
	ids        map[string]struct{}
}

// New builds a Graph over statements, preserving their AST appearance
// order for deterministic tie-breaking.
func New(statements []ast.Statement) *Graph {
	ids := make(map[string]struct{}, len(statements))
	for _, s := range statements {
		ids[s.ID] = struct{}{}
	}
	return &Graph{statements: statements, ids: ids}
}

// Ready returns the statements whose dependencies are all present in
// completed, in AST appearance order, excluding statements already in
// completed. For identical inputs and identical completion sets this
// always returns the same set in the same order.
func (g *Graph) Ready(completed map[string]bool) []ast.Statement {
	var ready []ast.Statement
	for _, s := range g.statements {
		if completed[s.ID] {
			continue
		}
		if g.satisfied(s, completed) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (g *Graph) satisfied(s ast.Statement, completed map[string]bool) bool {
	for dep := range g.dependenciesOf(s) {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Dependencies returns the set of sibling statement IDs that s references,
// scanned recursively through every expression the statement carries
// (facet arguments and, for foreach, the iterable expression).
func (g *Graph) Dependencies(s ast.Statement) map[string]struct{} {
	return g.dependenciesOf(s)
}

func (g *Graph) dependenciesOf(s ast.Statement) map[string]struct{} {
	deps := make(map[string]struct{})
	for _, src := range s.Args {
		g.scanInto(src, s.ID, deps)
	}
	for _, src := range s.SchemaFields {
		g.scanInto(src, s.ID, deps)
	}
	if s.ForeachSource != "" {
		g.scanInto(s.ForeachSource, s.ID, deps)
	}
	return deps
}

// stepRefPattern matches `name.` at the start of a selector chain, e.g.
// "s1.input" or "a.input" inside a larger expression like "a.input + 1".
// `$.foo` (workflow input references) are deliberately excluded: they are
// not sibling statement dependencies.
var stepRefPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-zA-Z0-9_]*)\s*\.`)

func (g *Graph) scanInto(source, selfID string, deps map[string]struct{}) {
	for _, name := range ScanReferences(source) {
		if name == selfID {
			continue
		}
		if _, known := g.ids[name]; known {
			deps[name] = struct{}{}
		}
	}
}

// ScanReferences returns every selector-chain root name referenced in
// source (e.g. "s1" and "a" for "s1.input + a.value"), in first-occurrence
// order with duplicates removed. It does no filtering against any known
// statement id set; callers that need that (e.g. Graph.scanInto) intersect
// the result with their own id set.
func ScanReferences(source string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range stepRefPattern.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
