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

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/depgraph"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
	agenterrors "github.com/agentflow-run/agentflow/pkg/errors"
)

// exprFail renders cause as an errors.ExpressionError naming the offending
// expression, for assignment to step.Transition.Error. expr is the
// expression source text where known; handlers that fail before isolating
// a single expression (e.g. a context-building step) pass the facet or
// statement name instead.
func exprFail(expr string, cause error) string {
	return (&agenterrors.ExpressionError{Expression: expr, Message: cause.Error(), Cause: cause}).Error()
}

// handlePassThrough implements every state that is a documented no-op in
// the minimum viable core (mixin.* states, and the *.End states that
// exist only to give the table a named slot before the final advance):
// it always requests the next transition without touching the step.
func handlePassThrough(_ context.Context, _ *Context, step *backend.StepDefinition) error {
	step.Transition.RequestTransition = true
	return nil
}

// handleCreated is the entry state for every table: advance unconditionally.
func handleCreated(_ context.Context, _ *Context, step *backend.StepDefinition) error {
	step.Transition.RequestTransition = true
	return nil
}

// handleFacetInitBegin evaluates every attribute expression the step's
// originating statement carries, resolves the called facet's defaults and
// implicit declarations for omitted arguments, and stores the result as
// params — except for SchemaInstantiation, which stores it as returns so
// callers can read fields via `stepname.field`.
func handleFacetInitBegin(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	evalCtx, err := buildEvalContext(ctx, hctx, step)
	if err != nil {
		step.Transition.Error = exprFail(step.FacetName, err)
		return nil
	}

	decl, hasDecl := hctx.Program.Facets[step.FacetName]

	resolved := ids.NewOrderedAttributes()
	explicit := make(map[string]bool, len(step.StatementArgOrder))

	for _, name := range step.StatementArgOrder {
		src, ok := step.StatementArgs[name]
		if !ok {
			continue
		}
		v, err := hctx.Evaluator.Eval(src, *evalCtx)
		if err != nil {
			step.Transition.Error = exprFail(src, err)
			return nil
		}
		resolved.Set(name, v)
		explicit[name] = true
	}

	if hasDecl {
		for name, src := range decl.Implicit {
			if explicit[name] {
				continue
			}
			v, err := hctx.Evaluator.Eval(src, *evalCtx)
			if err != nil {
				step.Transition.Error = exprFail(src, err)
				return nil
			}
			resolved.Set(name, v)
		}
		for name, src := range decl.Defaults {
			if _, already := resolved.Get(name); already {
				continue
			}
			v, err := hctx.Evaluator.Eval(src, *evalCtx)
			if err != nil {
				step.Transition.Error = exprFail(src, err)
				return nil
			}
			resolved.Set(name, v)
		}
	}

	if step.ObjectType == backend.ObjectSchemaInstantiation {
		for _, name := range orderedKeys(step.SchemaFields) {
			src := step.SchemaFields[name]
			v, err := hctx.Evaluator.Eval(src, *evalCtx)
			if err != nil {
				step.Transition.Error = exprFail(src, err)
				return nil
			}
			resolved.Set(name, v)
		}
		step.Attributes.Returns = resolved
	} else {
		step.Attributes.Params = resolved
	}

	step.Transition.Changed = true
	step.Transition.RequestTransition = true
	return nil
}

// handleFacetScriptsBegin fails the step with an explicit error when the
// called facet carries an embedded script body: this engine core does not
// execute script blocks. A facet whose body is itself a list of andThen
// blocks is not a script and passes through untouched.
func handleFacetScriptsBegin(_ context.Context, hctx *Context, step *backend.StepDefinition) error {
	if decl, ok := hctx.Program.Facets[step.FacetName]; ok && decl.Script != "" {
		step.Transition.Error = fmt.Sprintf(
			"facet %q declares a script body; script-block execution is not supported by this engine core",
			step.FacetName,
		)
		return nil
	}
	step.Transition.RequestTransition = true
	return nil
}

// handleEventTransmit implements the EventTransmit state: an event facet
// is either serviced inline by the dispatcher or parked as a task; a
// non-event facet passes straight through.
func handleEventTransmit(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	decl, ok := hctx.Program.Facets[step.FacetName]
	if !ok || !decl.IsEvent {
		step.Transition.RequestTransition = true
		return nil
	}

	if hctx.Dispatcher != nil && hctx.Dispatcher.CanDispatch(step.FacetName) {
		result, err := hctx.Dispatcher.Dispatch(ctx, step.FacetName, step.Attributes.Params.Native())
		if err != nil {
			step.Transition.Error = fmt.Sprintf("dispatching facet %q: %s", step.FacetName, err)
			return nil
		}
		for k, v := range result {
			val, convErr := ids.FromNative(v)
			if convErr != nil {
				step.Transition.Error = fmt.Sprintf("converting dispatch result field %q for facet %q: %s", k, step.FacetName, convErr)
				return nil
			}
			step.Attributes.Returns.Set(k, val)
		}
		step.Transition.Changed = true
		step.Transition.RequestTransition = true
		return nil
	}

	task := &backend.TaskDefinition{
		ID:         ids.NewTaskID(),
		Name:       step.FacetName,
		StepID:     step.ID,
		WorkflowID: step.WorkflowID,
		State:      backend.TaskPending,
		Data:       step.Attributes.Params.Native(),
	}
	hctx.Changes.AddTask(task)

	// Stays at EventTransmit: no RequestTransition, no PushMe. The
	// iteration engine recognizes this as a parked step and reports
	// PAUSED once no step in the iteration can make further progress.
	return nil
}

// handleStatementBlocksBegin resolves the block source for this
// statement in precedence order: (a) an inline andThen body on the
// statement's own AST, (b) an andThen body on the called facet's
// declaration. A foreach statement evaluates its iterable once and
// creates one sub-block child per element; a non-foreach statement
// creates one block child per body in the resolved list. Either path may
// create zero children, which statement.blocks.Continue treats as
// immediately complete.
func handleStatementBlocksBegin(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	bodies := step.Bodies
	if len(bodies) == 0 {
		if decl, ok := hctx.Program.Facets[step.FacetName]; ok {
			bodies = decl.Bodies
		}
	}

	if step.ForeachSourceExpr != "" {
		evalCtx, err := buildEvalContext(ctx, hctx, step)
		if err != nil {
			step.Transition.Error = exprFail(string(step.ForeachSourceExpr), err)
			return nil
		}
		v, err := hctx.Evaluator.Eval(step.ForeachSourceExpr, *evalCtx)
		if err != nil {
			step.Transition.Error = exprFail(string(step.ForeachSourceExpr), err)
			return nil
		}
		elements, ok := v.AsSequence()
		if !ok {
			step.Transition.Error = exprFail(string(step.ForeachSourceExpr), fmt.Errorf("foreach source for statement %q did not evaluate to a sequence", step.StatementID))
			return nil
		}
		for _, elem := range elements {
			child := newBlockChild(step, bodies, "")
			child.ForeachVar = step.ForeachVar
			child.ForeachValue = elem
			hctx.Changes.AddStep(child)
		}
	} else {
		if len(bodies) == 1 {
			hctx.Changes.AddStep(newBlockChild(step, bodies[:1], ""))
		} else {
			for i, body := range bodies {
				hctx.Changes.AddStep(newBlockChild(step, [][]ast.Statement{body}, fmt.Sprintf("block-%d", i+1)))
			}
		}
	}

	step.Transition.Changed = true
	step.Transition.RequestTransition = true
	return nil
}

// handleStatementBlocksContinue polls the step's block children; it
// advances once every one of them is terminal and re-queues otherwise.
func handleStatementBlocksContinue(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	children, err := hctx.Reader.GetBlocksByStep(ctx, step.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !child.IsTerminal() {
			step.Transition.PushMe = true
			return nil
		}
	}
	step.Transition.RequestTransition = true
	return nil
}

// handleStatementCaptureBegin seeds this step's returns with its own
// evaluated params — a statement with no andThen body at all is its own
// value, so a later sibling reading `stepname.field` sees exactly what
// this step was called with — attributes are written once per phase, but
// the evaluator may overwrite an attribute that it just wrote in the same
// phase — then locates this step's completed andThen-continuation
// block children (each already self-captured its own yields into its own
// returns at block.execution.End) and layers those blocks' returns on
// top, since a value produced by a completed child must never be
// clobbered by this step's own phase.
func handleStatementCaptureBegin(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	for _, k := range step.Attributes.Params.Keys() {
		v, _ := step.Attributes.Params.Get(k)
		step.Attributes.Returns.Set(k, v)
	}

	blocks, err := hctx.Reader.GetBlocksByStep(ctx, step.ID)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		for _, k := range block.Attributes.Returns.Keys() {
			v, _ := block.Attributes.Returns.Get(k)
			step.Attributes.Returns.Set(k, v)
		}
	}
	step.Transition.Changed = true
	step.Transition.RequestTransition = true
	return nil
}

// handleBlockExecutionBegin resolves the block's AST, builds its
// dependency graph, and creates a persistent child step for every
// statement whose dependencies are already satisfied (trivially, on this
// first pass, the statements with no dependencies at all). A block step
// carrying more than one body — the workflow root, or a foreach sub-block
// of a statement with several bodies (handleStatementBlocksBegin hands
// each foreach element the full body list) — splits into one named
// sibling block child per body instead, the same way a multi-body
// statement does.
func handleBlockExecutionBegin(_ context.Context, hctx *Context, step *backend.StepDefinition) error {
	if len(step.Bodies) > 1 {
		for i, body := range step.Bodies {
			hctx.Changes.AddStep(newBlockChild(step, [][]ast.Statement{body}, fmt.Sprintf("block-%d", i+1)))
		}
		step.Transition.Changed = true
		step.Transition.RequestTransition = true
		return nil
	}

	statements := blockStatements(step)
	graph := depgraph.New(statements)
	for _, stmt := range graph.Ready(map[string]bool{}) {
		hctx.Changes.AddStep(newStatementChild(step, stmt))
	}
	step.Transition.Changed = true
	step.Transition.RequestTransition = true
	return nil
}

// handleBlockExecutionContinue loads the block's current child steps,
// creates records for any newly-ready statements, and advances once every
// statement in the block's AST has a corresponding terminal child and no
// further statement can ever become ready. A statement stuck behind a
// failed dependency never becomes ready, so this condition is never met
// for that branch; the block re-queues forever until the iteration
// engine's liveness backstop declares the workflow ERROR.
func handleBlockExecutionContinue(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	if len(step.Bodies) > 1 {
		children, err := hctx.Reader.GetBlocksByStep(ctx, step.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if !child.IsTerminal() {
				step.Transition.PushMe = true
				return nil
			}
		}
		step.Transition.RequestTransition = true
		return nil
	}

	statements := blockStatements(step)
	graph := depgraph.New(statements)

	children, err := hctx.Reader.GetStepsByBlock(ctx, step.ID)
	if err != nil {
		return err
	}

	byStatementID := make(map[string]*backend.StepDefinition, len(children))
	completed := make(map[string]bool, len(children))
	for _, child := range children {
		byStatementID[child.StatementID] = child
		if child.State == backend.StateStatementComplete {
			completed[child.StatementID] = true
		}
	}

	created := false
	for _, stmt := range graph.Ready(completed) {
		if _, exists := byStatementID[stmt.ID]; exists {
			continue
		}
		hctx.Changes.AddStep(newStatementChild(step, stmt))
		created = true
	}
	if created {
		step.Transition.Changed = true
		step.Transition.PushMe = true
		return nil
	}

	if len(byStatementID) < len(statements) {
		step.Transition.PushMe = true
		return nil
	}
	for _, child := range children {
		if !child.IsTerminal() {
			step.Transition.PushMe = true
			return nil
		}
	}

	step.Transition.RequestTransition = true
	return nil
}

// handleBlockExecutionEnd folds this block's own direct yield and
// nested-block children into its own returns before the block completes,
// via captureFrom. This is what lets S3-style sibling andThen blocks (no
// owning statement, no statement.capture.Begin) still bubble their yields
// up to the workflow root: the root step is itself driven through this
// same BlockTable, so the same fold runs for it too.
func handleBlockExecutionEnd(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	if err := captureFrom(ctx, hctx.Reader, step.ID, step.Attributes.Returns); err != nil {
		return err
	}
	step.Transition.Changed = true
	step.Transition.RequestTransition = true
	return nil
}
