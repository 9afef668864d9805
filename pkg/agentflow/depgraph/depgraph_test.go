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

package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
)

func idsOf(statements []ast.Statement) []string {
	out := make([]string, len(statements))
	for i, s := range statements {
		out[i] = s.ID
	}
	return out
}

func TestReadySetForLinearChain(t *testing.T) {
	// s1 = Value(input = $.input + 1); s2 = Value(input = s1.input + 1)
	g := New([]ast.Statement{
		{ID: "s1", Args: map[string]ast.Expr{"input": "$.input + 1"}},
		{ID: "s2", Args: map[string]ast.Expr{"input": "s1.input + 1"}},
	})

	ready := g.Ready(map[string]bool{})
	assert.Equal(t, []string{"s1"}, idsOf(ready))

	ready = g.Ready(map[string]bool{"s1": true})
	assert.Equal(t, []string{"s2"}, idsOf(ready))
}

func TestReadySetForParallelFanIn(t *testing.T) {
	// a, b have no mutual dependency; c depends on both.
	g := New([]ast.Statement{
		{ID: "a", Args: map[string]ast.Expr{"input": "$.input + 1"}},
		{ID: "b", Args: map[string]ast.Expr{"input": "$.input + 10"}},
		{ID: "c", Args: map[string]ast.Expr{"input": "a.input + b.input"}},
	})

	ready := g.Ready(map[string]bool{})
	assert.Equal(t, []string{"a", "b"}, idsOf(ready), "a and b are both ready with no completions yet")

	ready = g.Ready(map[string]bool{"a": true})
	assert.Equal(t, []string{"b"}, idsOf(ready), "c still waits on b")

	ready = g.Ready(map[string]bool{"a": true, "b": true})
	assert.Equal(t, []string{"c"}, idsOf(ready))
}

func TestReadySetIsDeterministicUnderTieBreak(t *testing.T) {
	g := New([]ast.Statement{
		{ID: "z", Args: map[string]ast.Expr{"input": "$.input"}},
		{ID: "a", Args: map[string]ast.Expr{"input": "$.input"}},
	})

	ready := g.Ready(map[string]bool{})
	assert.Equal(t, []string{"z", "a"}, idsOf(ready), "tie-break follows AST appearance order, not name order")
}

func TestDollarInputReferenceIsNotASiblingDependency(t *testing.T) {
	g := New([]ast.Statement{
		{ID: "s1", Args: map[string]ast.Expr{"input": "$.input + 1"}},
	})
	deps := g.Dependencies(g.statements[0])
	assert.Empty(t, deps)
}

func TestForeachIterableContributesDependency(t *testing.T) {
	g := New([]ast.Statement{
		{ID: "s1", Args: map[string]ast.Expr{"input": "$.input"}},
		{ID: "s2", ForeachSource: "s1.items"},
	})
	ready := g.Ready(map[string]bool{})
	assert.Equal(t, []string{"s1"}, idsOf(ready))
	ready = g.Ready(map[string]bool{"s1": true})
	assert.Equal(t, []string{"s2"}, idsOf(ready))
}
