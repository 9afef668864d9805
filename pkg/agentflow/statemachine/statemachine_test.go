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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/expression"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// fakeReader is an in-memory StepReader over a flat step list, standing in
// for the engine's iteration-local overlay (see DESIGN.md).
type fakeReader struct {
	steps map[ids.StepID]*backend.StepDefinition
}

func newFakeReader(steps ...*backend.StepDefinition) *fakeReader {
	r := &fakeReader{steps: make(map[ids.StepID]*backend.StepDefinition)}
	for _, s := range steps {
		r.steps[s.ID] = s
	}
	return r
}

func (r *fakeReader) add(steps ...*backend.StepDefinition) {
	for _, s := range steps {
		r.steps[s.ID] = s
	}
}

func (r *fakeReader) GetStep(_ context.Context, id ids.StepID) (*backend.StepDefinition, error) {
	if s, ok := r.steps[id]; ok {
		return s, nil
	}
	return nil, assert.AnError
}

func (r *fakeReader) GetStepsByBlock(_ context.Context, blockID ids.StepID) ([]*backend.StepDefinition, error) {
	var out []*backend.StepDefinition
	for _, s := range r.steps {
		if s.BlockID == blockID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeReader) GetBlocksByStep(_ context.Context, stepID ids.StepID) ([]*backend.StepDefinition, error) {
	var out []*backend.StepDefinition
	for _, s := range r.steps {
		if s.ContainerID == stepID && s.ObjectType.IsBlock() {
			out = append(out, s)
		}
	}
	return out, nil
}

func newTestContext(reader StepReader, program *ast.Program) *Context {
	return &Context{
		Reader:     reader,
		Evaluator:  expression.New(),
		Dispatcher: dispatch.Null{},
		Program:    program,
		Inputs:     map[string]any{},
		Changes:    &backend.IterationChanges{},
	}
}

func TestTableNextFollowsDeclaredOrder(t *testing.T) {
	next, ok := FullTable.Next(backend.StateCreated)
	require.True(t, ok)
	assert.Equal(t, backend.StateFacetInitBegin, next)

	next, ok = FullTable.Next(backend.StateStatementEnd)
	require.True(t, ok)
	assert.Equal(t, backend.StateStatementComplete, next)

	_, ok = FullTable.Next(backend.StateStatementComplete)
	assert.False(t, ok, "terminal state has no successor")
}

func TestTableForSelectsByObjectType(t *testing.T) {
	tbl, ok := TableFor(backend.ObjectVariableAssignment)
	require.True(t, ok)
	assert.Equal(t, FullTable.order, tbl.order)

	tbl, ok = TableFor(backend.ObjectYieldAssignment)
	require.True(t, ok)
	assert.Equal(t, YieldTable.order, tbl.order)

	tbl, ok = TableFor(backend.ObjectSchemaInstantiation)
	require.True(t, ok)
	assert.Equal(t, SchemaTable.order, tbl.order)

	tbl, ok = TableFor(backend.ObjectAndThen)
	require.True(t, ok)
	assert.Equal(t, BlockTable.order, tbl.order)

	tbl, ok = TableFor(backend.ObjectWorkflow)
	require.True(t, ok)
	assert.Equal(t, BlockTable.order, tbl.order, "the workflow root drives over BlockTable")

	_, ok = TableFor(backend.ObjectType("nonsense"))
	assert.False(t, ok)
}

func TestHandleFacetInitBeginExplicitBeatsImplicitBeatsDefault(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Greet": {
				Name:     "ns.Greet",
				Implicit: ast.ImplicitArgs{"greeting": `"implicit-hello"`, "volume": `"loud"`},
				Defaults: map[string]ast.Expr{"greeting": `"default-hello"`, "name": `"world"`},
			},
		},
	}
	step := &backend.StepDefinition{
		ID:                ids.NewStepID(),
		ObjectType:        backend.ObjectVariableAssignment,
		FacetName:         "ns.Greet",
		StatementID:       "s1",
		State:             backend.StateFacetInitBegin,
		Attributes:        ids.NewFacetAttributes(),
		StatementArgs:     map[string]ast.Expr{"greeting": `"explicit-hello"`},
		StatementArgOrder: []string{"greeting"},
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleFacetInitBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	assert.True(t, step.Transition.Changed)
	assert.True(t, step.Transition.RequestTransition)

	greeting, ok := step.Attributes.Params.Get("greeting")
	require.True(t, ok)
	s, _ := greeting.AsString()
	assert.Equal(t, "explicit-hello", s, "explicit argument wins over implicit and default")

	volume, ok := step.Attributes.Params.Get("volume")
	require.True(t, ok)
	s, _ = volume.AsString()
	assert.Equal(t, "loud", s, "implicit fills an argument the caller omitted")

	name, ok := step.Attributes.Params.Get("name")
	require.True(t, ok)
	s, _ = name.AsString()
	assert.Equal(t, "world", s, "default fills what neither explicit nor implicit covers")
}

func TestHandleFacetInitBeginSchemaInstantiationStoresReturns(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:           ids.NewStepID(),
		ObjectType:   backend.ObjectSchemaInstantiation,
		StatementID:  "s1",
		State:        backend.StateFacetInitBegin,
		Attributes:   ids.NewFacetAttributes(),
		SchemaFields: map[string]ast.Expr{"x": "1 + 1", "y": `"two"`},
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleFacetInitBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)

	assert.Empty(t, step.Attributes.Params.Keys(), "schema fields never populate params")

	x, ok := step.Attributes.Returns.Get("x")
	require.True(t, ok)
	xi, _ := x.AsInt()
	assert.Equal(t, int64(2), xi)

	y, ok := step.Attributes.Returns.Get("y")
	require.True(t, ok)
	ys, _ := y.AsString()
	assert.Equal(t, "two", ys)
}

func TestHandleFacetInitBeginBadExpressionIsStepLevelError(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:                ids.NewStepID(),
		ObjectType:        backend.ObjectVariableAssignment,
		StatementID:       "s1",
		State:             backend.StateFacetInitBegin,
		Attributes:        ids.NewFacetAttributes(),
		StatementArgs:     map[string]ast.Expr{"input": "missingSibling.value"},
		StatementArgOrder: []string{"input"},
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleFacetInitBegin(context.Background(), hctx, step)
	require.NoError(t, err, "an unresolved reference is a step failure, not a Go error")
	assert.NotEmpty(t, step.Transition.Error)
}

func TestHandleFacetScriptsBeginRejectsScriptFacets(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Scripted": {Name: "ns.Scripted", Script: "echo hello"},
		},
	}
	step := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		FacetName:  "ns.Scripted",
		State:      backend.StateFacetScriptsBegin,
		Attributes: ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleFacetScriptsBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.NotEmpty(t, step.Transition.Error)
	assert.False(t, step.Transition.RequestTransition)
}

func TestHandleFacetScriptsBeginPassesThroughNonScriptFacets(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Plain": {Name: "ns.Plain"},
		},
	}
	step := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		FacetName:  "ns.Plain",
		State:      backend.StateFacetScriptsBegin,
		Attributes: ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleFacetScriptsBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	assert.True(t, step.Transition.RequestTransition)
}

func TestHandleEventTransmitDispatchesInlineWhenPossible(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Ping": {Name: "ns.Ping", IsEvent: true},
		},
	}
	step := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		FacetName:  "ns.Ping",
		State:      backend.StateEventTransmit,
		Attributes: ids.NewFacetAttributes(),
	}
	d := dispatch.NewInMemory()
	d.Register("ns.Ping", func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})
	hctx := newTestContext(newFakeReader(), program)
	hctx.Dispatcher = d

	err := handleEventTransmit(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	assert.True(t, step.Transition.RequestTransition)

	pong, ok := step.Attributes.Returns.Get("pong")
	require.True(t, ok)
	b, _ := pong.AsBool()
	assert.True(t, b)
}

func TestHandleEventTransmitParksAsTaskWhenUndispatchable(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Ping": {Name: "ns.Ping", IsEvent: true},
		},
	}
	step := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		WorkflowID: ids.NewWorkflowID(),
		FacetName:  "ns.Ping",
		State:      backend.StateEventTransmit,
		Attributes: ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)
	hctx.Dispatcher = dispatch.Null{}

	err := handleEventTransmit(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	assert.False(t, step.Transition.RequestTransition, "step stays parked at EventTransmit")
	assert.False(t, step.Transition.PushMe)
	require.Len(t, hctx.Changes.Tasks, 1)
	assert.Equal(t, "ns.Ping", hctx.Changes.Tasks[0].Name)
}

func TestHandleEventTransmitNonEventFacetPassesThrough(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Plain": {Name: "ns.Plain"},
		},
	}
	step := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		FacetName:  "ns.Plain",
		State:      backend.StateEventTransmit,
		Attributes: ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleEventTransmit(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.True(t, step.Transition.RequestTransition)
	assert.Empty(t, hctx.Changes.Tasks)
}

func TestHandleStatementBlocksBeginForeachCreatesOneChildPerElement(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:                ids.NewStepID(),
		RootID:            ids.NewStepID(),
		StatementID:       "s1",
		ForeachVar:        "item",
		ForeachSourceExpr: "$.items",
		State:             backend.StateStatementBlocksBegin,
		Attributes:        ids.NewFacetAttributes(),
		Bodies:            [][]ast.Statement{{{ID: "inner1"}}},
	}
	hctx := newTestContext(newFakeReader(), program)
	hctx.Inputs = map[string]any{"items": []any{"a", "b", "c"}}

	err := handleStatementBlocksBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	require.Len(t, hctx.Changes.Steps, 3)
	for _, child := range hctx.Changes.Steps {
		assert.Equal(t, backend.ObjectAndThen, child.ObjectType)
		assert.Equal(t, step.ID, child.ContainerID)
		assert.Equal(t, "item", child.ForeachVar)
	}
}

func TestHandleStatementBlocksBeginEmptyForeachCreatesNoChildren(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:                ids.NewStepID(),
		StatementID:       "s1",
		ForeachVar:        "item",
		ForeachSourceExpr: "$.items",
		State:             backend.StateStatementBlocksBegin,
		Attributes:        ids.NewFacetAttributes(),
		Bodies:            [][]ast.Statement{{{ID: "inner1"}}},
	}
	hctx := newTestContext(newFakeReader(), program)
	hctx.Inputs = map[string]any{"items": []any{}}

	err := handleStatementBlocksBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Empty(t, step.Transition.Error)
	assert.Empty(t, hctx.Changes.Steps)
}

func TestHandleStatementBlocksBeginInlineBodyPrecedesFacetBody(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Foo": {Name: "ns.Foo", Bodies: [][]ast.Statement{{{ID: "facet-body"}}}},
		},
	}
	step := &backend.StepDefinition{
		ID:          ids.NewStepID(),
		FacetName:   "ns.Foo",
		StatementID: "s1",
		State:       backend.StateStatementBlocksBegin,
		Attributes:  ids.NewFacetAttributes(),
		Bodies:      [][]ast.Statement{{{ID: "inline-body"}}},
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleStatementBlocksBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	require.Len(t, hctx.Changes.Steps, 1)
	assert.Equal(t, "inline-body", hctx.Changes.Steps[0].Bodies[0][0].ID)
}

func TestHandleStatementBlocksBeginMultipleBodiesCreateNamedBlocks(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:          ids.NewStepID(),
		StatementID: "s1",
		State:       backend.StateStatementBlocksBegin,
		Attributes:  ids.NewFacetAttributes(),
		Bodies: [][]ast.Statement{
			{{ID: "a1"}},
			{{ID: "a2"}},
		},
	}
	hctx := newTestContext(newFakeReader(), program)

	err := handleStatementBlocksBegin(context.Background(), hctx, step)
	require.NoError(t, err)
	require.Len(t, hctx.Changes.Steps, 2)
	assert.Equal(t, "block-1", hctx.Changes.Steps[0].StatementID)
	assert.Equal(t, "block-2", hctx.Changes.Steps[1].StatementID)
}

func TestHandleStatementBlocksContinueAdvancesOnlyWhenAllTerminal(t *testing.T) {
	parent := &backend.StepDefinition{ID: ids.NewStepID(), State: backend.StateStatementBlocksContinue}
	running := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen,
		ContainerID: parent.ID, State: backend.StateBlockExecutionContinue,
	}
	reader := newFakeReader(running)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleStatementBlocksContinue(context.Background(), hctx, parent)
	require.NoError(t, err)
	assert.True(t, parent.Transition.PushMe)
	assert.False(t, parent.Transition.RequestTransition)

	running.State = backend.StateStatementComplete
	parent.Transition = backend.Transition{}
	err = handleStatementBlocksContinue(context.Background(), hctx, parent)
	require.NoError(t, err)
	assert.True(t, parent.Transition.RequestTransition)
	assert.False(t, parent.Transition.PushMe)
}

func TestHandleBlockExecutionEndFlattensUntargetedYields(t *testing.T) {
	block := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ids.NewFacetAttributes()}
	yieldAttrs := ids.NewFacetAttributes()
	yieldAttrs.Params.Set("result", ids.Int(42))
	yield := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectYieldAssignment,
		BlockID: block.ID, State: backend.StateStatementComplete, Attributes: yieldAttrs,
	}
	reader := newFakeReader(yield)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionEnd(context.Background(), hctx, block)
	require.NoError(t, err)
	assert.True(t, block.Transition.RequestTransition)

	result, ok := block.Attributes.Returns.Get("result")
	require.True(t, ok)
	i, _ := result.AsInt()
	assert.Equal(t, int64(42), i)
}

func TestHandleBlockExecutionEndNestsTargetedYields(t *testing.T) {
	block := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ids.NewFacetAttributes()}
	yieldAttrs := ids.NewFacetAttributes()
	yieldAttrs.Params.Set("field", ids.String("value"))
	yield := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectYieldAssignment,
		BlockID: block.ID, State: backend.StateStatementComplete,
		YieldTarget: "summary", Attributes: yieldAttrs,
	}
	reader := newFakeReader(yield)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionEnd(context.Background(), hctx, block)
	require.NoError(t, err)

	summary, ok := block.Attributes.Returns.Get("summary")
	require.True(t, ok)
	m, ok := summary.AsMapping()
	require.True(t, ok)
	field, ok := m["field"]
	require.True(t, ok)
	s, _ := field.AsString()
	assert.Equal(t, "value", s)
}

func TestHandleBlockExecutionEndFlattensNestedBlockReturnsThrough(t *testing.T) {
	// Mirrors S3: a root-level block whose direct children are themselves
	// completed sibling blocks, each already self-captured under a
	// distinct key by an earlier block.execution.End pass.
	root := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ids.NewFacetAttributes()}
	childA := ids.NewFacetAttributes()
	childA.Returns.Set("a", ids.Int(1))
	blockA := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, BlockID: root.ID,
		State: backend.StateStatementComplete, Attributes: childA,
	}
	childB := ids.NewFacetAttributes()
	childB.Returns.Set("b", ids.Int(2))
	blockB := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, BlockID: root.ID,
		State: backend.StateStatementComplete, Attributes: childB,
	}
	reader := newFakeReader(blockA, blockB)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionEnd(context.Background(), hctx, root)
	require.NoError(t, err)

	a, ok := root.Attributes.Returns.Get("a")
	require.True(t, ok)
	ai, _ := a.AsInt()
	assert.Equal(t, int64(1), ai)

	b, ok := root.Attributes.Returns.Get("b")
	require.True(t, ok)
	bi, _ := b.AsInt()
	assert.Equal(t, int64(2), bi)
}

func TestHandleStatementCaptureBeginFlattensOwnedBlocksReturns(t *testing.T) {
	parent := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ids.NewFacetAttributes()}
	blockAttrs := ids.NewFacetAttributes()
	blockAttrs.Returns.Set("result", ids.Int(42))
	block := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: parent.ID,
		State: backend.StateStatementComplete, Attributes: blockAttrs,
	}
	reader := newFakeReader(block)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleStatementCaptureBegin(context.Background(), hctx, parent)
	require.NoError(t, err)
	assert.Empty(t, parent.Transition.Error)

	result, ok := parent.Attributes.Returns.Get("result")
	require.True(t, ok)
	i, _ := result.AsInt()
	assert.Equal(t, int64(42), i)
}

func TestHandleBlockExecutionBeginCreatesOnlyInitiallyReadyStatements(t *testing.T) {
	block := &backend.StepDefinition{
		ID:     ids.NewStepID(),
		RootID: ids.NewStepID(),
		State:  backend.StateBlockExecutionBegin,
		Bodies: [][]ast.Statement{{
			{ID: "s1", Args: map[string]ast.Expr{"x": "$.input"}},
			{ID: "s2", Args: map[string]ast.Expr{"x": "s1.x"}},
		}},
	}
	hctx := newTestContext(newFakeReader(), &ast.Program{})

	err := handleBlockExecutionBegin(context.Background(), hctx, block)
	require.NoError(t, err)
	require.Len(t, hctx.Changes.Steps, 1)
	assert.Equal(t, "s1", hctx.Changes.Steps[0].StatementID)
}

func TestHandleBlockExecutionContinueCreatesNewlyReadyAndRequeues(t *testing.T) {
	block := &backend.StepDefinition{
		ID: ids.NewStepID(),
		Bodies: [][]ast.Statement{{
			{ID: "s1", Args: map[string]ast.Expr{"x": "$.input"}},
			{ID: "s2", Args: map[string]ast.Expr{"x": "s1.x"}},
		}},
	}
	s1 := &backend.StepDefinition{
		ID: ids.NewStepID(), BlockID: block.ID, StatementID: "s1",
		State: backend.StateStatementComplete,
	}
	reader := newFakeReader(s1)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionContinue(context.Background(), hctx, block)
	require.NoError(t, err)
	assert.True(t, block.Transition.PushMe)
	require.Len(t, hctx.Changes.Steps, 1)
	assert.Equal(t, "s2", hctx.Changes.Steps[0].StatementID)
}

func TestHandleBlockExecutionContinueAdvancesOnceAllStatementsAreTerminal(t *testing.T) {
	block := &backend.StepDefinition{
		ID: ids.NewStepID(),
		Bodies: [][]ast.Statement{{
			{ID: "s1", Args: map[string]ast.Expr{"x": "$.input"}},
		}},
	}
	s1 := &backend.StepDefinition{
		ID: ids.NewStepID(), BlockID: block.ID, StatementID: "s1",
		State: backend.StateStatementComplete,
	}
	reader := newFakeReader(s1)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionContinue(context.Background(), hctx, block)
	require.NoError(t, err)
	assert.True(t, block.Transition.RequestTransition)
	assert.False(t, block.Transition.PushMe)
	assert.Empty(t, hctx.Changes.Steps)
}

func TestHandleBlockExecutionContinueStaysPushedBehindAnUnsatisfiedDependency(t *testing.T) {
	block := &backend.StepDefinition{
		ID: ids.NewStepID(),
		Bodies: [][]ast.Statement{{
			{ID: "s1", Args: map[string]ast.Expr{"x": "$.input"}},
			{ID: "s2", Args: map[string]ast.Expr{"x": "s1.x"}},
		}},
	}
	s1 := &backend.StepDefinition{
		ID: ids.NewStepID(), BlockID: block.ID, StatementID: "s1",
		State: backend.StateStatementError, Transition: backend.Transition{Error: "boom"},
	}
	reader := newFakeReader(s1)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionContinue(context.Background(), hctx, block)
	require.NoError(t, err)
	assert.True(t, block.Transition.PushMe, "s2 never becomes ready behind a failed, non-completed s1")
	assert.False(t, block.Transition.RequestTransition)
}

func TestDriveRunsYieldTableStepToCompletion(t *testing.T) {
	program := &ast.Program{Facets: map[string]ast.FacetDecl{}}
	step := &backend.StepDefinition{
		ID:          ids.NewStepID(),
		ObjectType:  backend.ObjectYieldAssignment,
		StatementID: "y1",
		State:       backend.StateCreated,
		Attributes:  ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)

	err := Drive(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Equal(t, backend.StateStatementComplete, step.State)
	assert.True(t, step.IsTerminal())
}

func TestDriveStopsAtStatementErrorWithoutPanickingOnUnmappedState(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Scripted": {Name: "ns.Scripted", Script: "echo hi"},
		},
	}
	step := &backend.StepDefinition{
		ID:          ids.NewStepID(),
		ObjectType:  backend.ObjectVariableAssignment,
		FacetName:   "ns.Scripted",
		StatementID: "s1",
		State:       backend.StateCreated,
		Attributes:  ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)

	err := Drive(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Equal(t, backend.StateStatementError, step.State)
	assert.NotEmpty(t, step.Transition.Error)
	// Recorded once when facet.init.Begin changes it and again on the error.
	require.Len(t, hctx.Changes.Steps, 2)
}

func TestDriveStopsWithoutAdvancingWhenEventTransmitParks(t *testing.T) {
	program := &ast.Program{
		Facets: map[string]ast.FacetDecl{
			"ns.Ping": {Name: "ns.Ping", IsEvent: true},
		},
	}
	step := &backend.StepDefinition{
		ID:          ids.NewStepID(),
		ObjectType:  backend.ObjectVariableAssignment,
		FacetName:   "ns.Ping",
		StatementID: "s1",
		State:       backend.StateCreated,
		Attributes:  ids.NewFacetAttributes(),
	}
	hctx := newTestContext(newFakeReader(), program)
	hctx.Dispatcher = dispatch.Null{}

	err := Drive(context.Background(), hctx, step)
	require.NoError(t, err)
	assert.Equal(t, backend.StateEventTransmit, step.State, "parked, not advanced past EventTransmit")
	require.Len(t, hctx.Changes.Tasks, 1)
}

func TestHandleStatementCaptureBeginSeedsReturnsFromOwnParams(t *testing.T) {
	// A bodyless statement (e.g. `s1 = Value(input = 2)`) is its own value:
	// a later sibling reading `s1.input` must see what s1 was called with.
	attrs := ids.NewFacetAttributes()
	attrs.Params.Set("input", ids.Int(2))
	step := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: attrs}
	hctx := newTestContext(newFakeReader(), &ast.Program{})

	err := handleStatementCaptureBegin(context.Background(), hctx, step)
	require.NoError(t, err)

	input, ok := step.Attributes.Returns.Get("input")
	require.True(t, ok)
	i, _ := input.AsInt()
	assert.Equal(t, int64(2), i)
}

func TestHandleStatementCaptureBeginOwnedBlockReturnsWinOverOwnParams(t *testing.T) {
	attrs := ids.NewFacetAttributes()
	attrs.Params.Set("input", ids.Int(2))
	step := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: attrs}

	blockAttrs := ids.NewFacetAttributes()
	blockAttrs.Returns.Set("input", ids.Int(99))
	block := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: step.ID,
		State: backend.StateStatementComplete, Attributes: blockAttrs,
	}
	reader := newFakeReader(block)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleStatementCaptureBegin(context.Background(), hctx, step)
	require.NoError(t, err)

	input, ok := step.Attributes.Returns.Get("input")
	require.True(t, ok)
	i, _ := input.AsInt()
	assert.Equal(t, int64(99), i, "a value produced by a completed child is never clobbered by this step's own phase")
}

func TestBuildEvalContextRebindsDollarToOwnerParamsInsideAndThen(t *testing.T) {
	ownerAttrs := ids.NewFacetAttributes()
	ownerAttrs.Params.Set("input", ids.Int(1))
	owner := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ownerAttrs}

	block := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: owner.ID,
		Attributes: ids.NewFacetAttributes(),
	}

	child := &backend.StepDefinition{
		ID: ids.NewStepID(), BlockID: block.ID, StatementID: "subStep1",
		StatementArgs:     map[string]ast.Expr{"input": "$.input"},
		StatementArgOrder: []string{"input"},
		Attributes:        ids.NewFacetAttributes(),
	}

	reader := newFakeReader(owner, block, child)
	hctx := newTestContext(reader, &ast.Program{})
	hctx.Inputs = map[string]any{"a": 1, "b": 2}

	ec, err := buildEvalContext(context.Background(), hctx, child)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ec.Inputs["input"], "$ inside an andThen continuation rebinds to the owning statement's own params")
	assert.NotContains(t, ec.Inputs, "a", "the workflow's own top-level inputs are not in scope inside the continuation")
}

func TestBuildEvalContextKeepsWorkflowInputsForRootOwnedSiblingBlocks(t *testing.T) {
	root := &backend.StepDefinition{ID: ids.NewStepID(), ObjectType: backend.ObjectWorkflow, Attributes: ids.NewFacetAttributes()}

	block := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: root.ID,
		Attributes: ids.NewFacetAttributes(),
	}

	child := &backend.StepDefinition{
		ID: ids.NewStepID(), BlockID: block.ID, StatementID: "s1",
		Attributes: ids.NewFacetAttributes(),
	}

	reader := newFakeReader(root, block, child)
	hctx := newTestContext(reader, &ast.Program{})
	hctx.Inputs = map[string]any{"a": 1}

	ec, err := buildEvalContext(context.Background(), hctx, child)
	require.NoError(t, err)
	assert.Equal(t, 1, ec.Inputs["a"], "a block owned directly by the workflow root has no per-call scope to rebind into")
}

func TestHandleBlockExecutionBeginSplitsMultipleBodiesIntoNamedSiblingBlocks(t *testing.T) {
	root := &backend.StepDefinition{
		ID: ids.NewStepID(),
		Bodies: [][]ast.Statement{
			{{ID: "y1", Kind: ast.KindYieldAssignment}},
			{{ID: "y2", Kind: ast.KindYieldAssignment}},
			{{ID: "y3", Kind: ast.KindYieldAssignment}},
		},
	}
	hctx := newTestContext(newFakeReader(), &ast.Program{})

	err := handleBlockExecutionBegin(context.Background(), hctx, root)
	require.NoError(t, err)
	require.Len(t, hctx.Changes.Steps, 3)
	for i, child := range hctx.Changes.Steps {
		assert.Equal(t, backend.ObjectAndThen, child.ObjectType)
		assert.Equal(t, root.ID, child.ContainerID)
		assert.Equal(t, fmt.Sprintf("block-%d", i+1), child.StatementID)
	}
}

func TestHandleBlockExecutionContinueMultiBodyAdvancesOnceAllSiblingBlocksComplete(t *testing.T) {
	root := &backend.StepDefinition{
		ID:     ids.NewStepID(),
		Bodies: [][]ast.Statement{{{ID: "y1"}}, {{ID: "y2"}}},
	}
	blockA := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: root.ID,
		State: backend.StateStatementComplete,
	}
	blockB := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: root.ID,
		State: backend.StateBlockExecutionBegin,
	}
	reader := newFakeReader(blockA, blockB)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionContinue(context.Background(), hctx, root)
	require.NoError(t, err)
	assert.True(t, root.Transition.PushMe, "blockB has not reached a terminal state yet")

	blockB.State = backend.StateStatementComplete
	root.Transition = backend.Transition{}
	err = handleBlockExecutionContinue(context.Background(), hctx, root)
	require.NoError(t, err)
	assert.True(t, root.Transition.RequestTransition)
}

func TestCaptureFromFlattensMultiBodySiblingBlocksOwnedByContainerID(t *testing.T) {
	root := &backend.StepDefinition{ID: ids.NewStepID(), Attributes: ids.NewFacetAttributes()}
	blockAttrs := ids.NewFacetAttributes()
	blockAttrs.Returns.Set("field1", ids.Int(11))
	block := &backend.StepDefinition{
		ID: ids.NewStepID(), ObjectType: backend.ObjectAndThen, ContainerID: root.ID,
		State: backend.StateStatementComplete, Attributes: blockAttrs,
	}
	reader := newFakeReader(block)
	hctx := newTestContext(reader, &ast.Program{})

	err := handleBlockExecutionEnd(context.Background(), hctx, root)
	require.NoError(t, err)

	field1, ok := root.Attributes.Returns.Get("field1")
	require.True(t, ok)
	i, _ := field1.AsInt()
	assert.Equal(t, int64(11), i)
}
