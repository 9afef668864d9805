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

// Package engine implements the workflow iteration loop and the
// caller-facing lifecycle API: execute, resume, continue_step,
// fail_step, retry_step. It drives pkg/agentflow/statemachine over the
// non-terminal steps of a workflow, commits the resulting changes
// atomically, and classifies the outcome as COMPLETED, PAUSED, or ERROR.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/expression"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
	"github.com/agentflow-run/agentflow/pkg/agentflow/statemachine"
	agenterrors "github.com/agentflow-run/agentflow/pkg/errors"
)

// Status enumerates the outcomes a lifecycle call may return.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusPaused    Status = "PAUSED"
	StatusError     Status = "ERROR"
)

// ExecutionResult is the lifecycle API's return value.
type ExecutionResult struct {
	Status     Status
	WorkflowID ids.WorkflowID

	// Outputs is the root step's returns, present only on COMPLETED.
	Outputs map[string]any

	// Error carries a message and, where known, the step id that failed.
	Error      string
	FailedStep ids.StepID
}

// nonTerminalStates lists every StepState other than the two terminal
// ones; the engine has no single "non-terminal" query on the persistence
// contract, so it unions GetStepsByState across this fixed list instead
// to load every persistent step for the workflow that still has a
// non-terminal state.
var nonTerminalStates = []backend.StepState{
	backend.StateCreated,
	backend.StateFacetInitBegin,
	backend.StateFacetInitEnd,
	backend.StateFacetScriptsBegin,
	backend.StateFacetScriptsEnd,
	backend.StateMixinBlocksBegin,
	backend.StateMixinBlocksContinue,
	backend.StateMixinBlocksEnd,
	backend.StateMixinCaptureBegin,
	backend.StateMixinCaptureEnd,
	backend.StateEventTransmit,
	backend.StateStatementBlocksBegin,
	backend.StateStatementBlocksContinue,
	backend.StateStatementBlocksEnd,
	backend.StateStatementCaptureBegin,
	backend.StateStatementCaptureEnd,
	backend.StateStatementEnd,
	backend.StateBlockExecutionBegin,
	backend.StateBlockExecutionContinue,
	backend.StateBlockExecutionEnd,
}

// defaultIterationsPerStep is the liveness backstop multiplier, a
// conservative default of 10x the step count. It bounds the engine
// against a malformed graph that never reaches a fixed point without
// tripping the two-consecutive-no-change detector first.
const defaultIterationsPerStep = 10

// defaultMinIterations guards workflows with very few steps, where
// defaultIterationsPerStep alone would allow only a handful of passes.
const defaultMinIterations = 50

// MetricsRecorder receives optional outcome metrics from the engine.
// Metrics are additive observability only; they never affect execution
// semantics. A nil MetricsRecorder (the default) disables metrics
// entirely; engine never imports a concrete metrics implementation, so a
// caller wires in whatever collector it likes by satisfying this
// interface.
type MetricsRecorder interface {
	// RecordWorkflowResult is called once per Execute/Resume call with
	// the terminal Status string it returned.
	RecordWorkflowResult(status string)
	// ObserveIterationCount is called once per Execute/Resume call with
	// the number of iterations runIterations performed.
	ObserveIterationCount(n int)
}

// Engine drives workflow execution over a persistence backend. It caches
// parsed ASTs by workflow id in process; a cached entry is immutable
// after first load, and duplicate loads of the same workflow id are
// tolerated.
type Engine struct {
	backend   backend.Backend
	evaluator *expression.Evaluator
	logger    *slog.Logger
	metrics   MetricsRecorder

	astMu    sync.Mutex
	astCache map[ids.WorkflowID]*ast.Program
}

// Option configures an Engine at construction time.
type Option func(*Engine) error

// WithLogger overrides the engine's structured logger. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("engine: logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithMetrics attaches a MetricsRecorder. Omit it to run without metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// New constructs an Engine over be.
func New(be backend.Backend, opts ...Option) (*Engine, error) {
	if be == nil {
		return nil, fmt.Errorf("engine: backend cannot be nil")
	}
	e := &Engine{
		backend:   be,
		evaluator: expression.New(),
		logger:    slog.Default(),
		astCache:  make(map[ids.WorkflowID]*ast.Program),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ExecuteOption configures one Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	dispatcher dispatch.Dispatcher
	runnerID   ids.RunnerID
}

// WithDispatcher supplies the inline dispatcher consulted at
// EventTransmit. Defaults to dispatch.Null{}, under which every
// event facet spawns a task.
func WithDispatcher(d dispatch.Dispatcher) ExecuteOption {
	return func(c *executeConfig) { c.dispatcher = d }
}

// WithRunnerID tags tasks created during this call with the originating
// runner, for observability only.
func WithRunnerID(id ids.RunnerID) ExecuteOption {
	return func(c *executeConfig) { c.runnerID = id }
}

// Execute creates the root step over program's root body, caches the
// AST by the freshly minted workflow id, and runs iterations until
// COMPLETED, ERROR, or PAUSED.
func (e *Engine) Execute(ctx context.Context, program *ast.Program, inputs map[string]any, opts ...ExecuteOption) (*ExecutionResult, error) {
	if program == nil {
		return nil, fmt.Errorf("engine: program cannot be nil")
	}
	cfg := executeConfig{dispatcher: dispatch.Null{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	workflowID := ids.NewWorkflowID()
	root := &backend.StepDefinition{
		ID:         ids.NewStepID(),
		ObjectType: backend.ObjectWorkflow,
		WorkflowID: workflowID,
		State:      backend.StateCreated,
		Attributes: ids.NewFacetAttributes(),
		Bodies:     program.RootBodies,
	}
	root.RootID = root.ID

	if err := e.backend.SaveStep(ctx, root); err != nil {
		return nil, fmt.Errorf("engine: saving root step: %w", err)
	}

	wf := &backend.WorkflowDefinition{
		ID:         workflowID,
		Inputs:     inputs,
		RootStepID: root.ID,
		Status:     string(StatusPaused),
	}
	if err := e.backend.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("engine: saving workflow record: %w", err)
	}

	e.cachePut(workflowID, program)

	e.logger.Info("workflow execute started", "workflow_id", workflowID, "root_step_id", root.ID)

	return e.runIterations(ctx, workflowID, program, inputs, cfg.dispatcher, root.ID)
}

// ResumeOption configures one Resume call.
type ResumeOption func(*resumeConfig)

type resumeConfig struct {
	program    *ast.Program
	inputs     map[string]any
	haveInputs bool
	dispatcher dispatch.Dispatcher
	runnerID   ids.RunnerID
}

// WithProgram supplies the parsed AST explicitly, overriding (and
// refreshing) the in-process cache entry for this workflow. Required on
// resume only when the engine process was restarted and the cache is
// cold.
func WithProgram(program *ast.Program) ResumeOption {
	return func(c *resumeConfig) { c.program = program }
}

// WithInputs overrides the workflow's cached input parameters for this
// resume call.
func WithInputs(inputs map[string]any) ResumeOption {
	return func(c *resumeConfig) { c.inputs = inputs; c.haveInputs = true }
}

// WithResumeDispatcher supplies the inline dispatcher for this resume
// call; defaults to dispatch.Null{}.
func WithResumeDispatcher(d dispatch.Dispatcher) ResumeOption {
	return func(c *resumeConfig) { c.dispatcher = d }
}

// WithResumeRunnerID tags tasks created during this call with the
// originating runner.
func WithResumeRunnerID(id ids.RunnerID) ResumeOption {
	return func(c *resumeConfig) { c.runnerID = id }
}

// Resume re-enters the iteration loop for an existing workflow; it is
// idempotent with respect to steps that have already advanced.
func (e *Engine) Resume(ctx context.Context, workflowID ids.WorkflowID, opts ...ResumeOption) (*ExecutionResult, error) {
	cfg := resumeConfig{dispatcher: dispatch.Null{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	wf, err := e.backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading workflow record %s: %w", workflowID, err)
	}

	program := cfg.program
	if program == nil {
		cached, ok := e.cacheGet(workflowID)
		if !ok {
			return nil, fmt.Errorf("engine: no cached AST for workflow %s; supply one via WithProgram", workflowID)
		}
		program = cached
	} else {
		e.cachePut(workflowID, program)
	}

	inputs := wf.Inputs
	if cfg.haveInputs {
		inputs = cfg.inputs
	}

	e.logger.Info("workflow resume started", "workflow_id", workflowID, "root_step_id", wf.RootStepID)

	return e.runIterations(ctx, workflowID, program, inputs, cfg.dispatcher, wf.RootStepID)
}

// ContinueStep merges result into the step's returns and advances it
// past EventTransmit. No-op if the step has already advanced past
// EventTransmit.
func (e *Engine) ContinueStep(ctx context.Context, stepID ids.StepID, result map[string]any) error {
	step, err := e.backend.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("engine: continue_step: %w", err)
	}
	if step.State != backend.StateEventTransmit {
		return nil
	}

	for k, v := range result {
		val, err := ids.FromNative(v)
		if err != nil {
			return fmt.Errorf("engine: continue_step: converting result field %q: %w", k, err)
		}
		step.Attributes.Returns.Set(k, val)
	}

	next, ok := advanceTable(step)
	if !ok {
		return fmt.Errorf("engine: continue_step: no successor state for %s", step.State)
	}
	step.State = next
	step.Transition = backend.Transition{Changed: true}

	return e.backend.SaveStep(ctx, step)
}

// FailStep marks a step parked at EventTransmit as terminally errored.
// It does not touch the associated task: resetting a task for a
// retry is retry_step's explicit job, never implicit in failure.
func (e *Engine) FailStep(ctx context.Context, stepID ids.StepID, message string) error {
	step, err := e.backend.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("engine: fail_step: %w", err)
	}
	if step.State != backend.StateEventTransmit {
		return nil
	}

	step.State = backend.StateStatementError
	step.Transition = backend.Transition{Changed: true, Error: message}

	return e.backend.SaveStep(ctx, step)
}

// RetryStep resets a step at statement.Error back to EventTransmit,
// clears its recorded error, and resets its associated task (if any) to
// pending so an agent may re-claim it. This is the only path by
// which a failed task is ever reset; nothing else in the engine retries
// automatically.
func (e *Engine) RetryStep(ctx context.Context, stepID ids.StepID) error {
	step, err := e.backend.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("engine: retry_step: %w", err)
	}
	if step.State != backend.StateStatementError {
		return nil
	}

	step.State = backend.StateEventTransmit
	step.Transition = backend.Transition{Changed: true}
	if err := e.backend.SaveStep(ctx, step); err != nil {
		return fmt.Errorf("engine: retry_step: saving step: %w", err)
	}

	task, err := e.backend.GetTaskForStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("engine: retry_step: loading task: %w", err)
	}
	if task == nil {
		return nil
	}
	task.State = backend.TaskPending
	task.Error = ""
	return e.backend.SaveTask(ctx, task)
}

// advanceTable returns the state that follows step's current state in
// its table, if any.
func advanceTable(step *backend.StepDefinition) (backend.StepState, bool) {
	table, ok := statemachine.TableFor(step.ObjectType)
	if !ok {
		return "", false
	}
	return table.Next(step.State)
}

func (e *Engine) cachePut(id ids.WorkflowID, program *ast.Program) {
	e.astMu.Lock()
	defer e.astMu.Unlock()
	e.astCache[id] = program
}

func (e *Engine) cacheGet(id ids.WorkflowID) (*ast.Program, bool) {
	e.astMu.Lock()
	defer e.astMu.Unlock()
	p, ok := e.astCache[id]
	return p, ok
}

// loadNonTerminalSteps gathers every step for workflowID whose state is
// not one of the two terminal states.
func (e *Engine) loadNonTerminalSteps(ctx context.Context, workflowID ids.WorkflowID) ([]*backend.StepDefinition, error) {
	byID := make(map[ids.StepID]*backend.StepDefinition)
	for _, st := range nonTerminalStates {
		batch, err := e.backend.GetStepsByState(ctx, workflowID, st)
		if err != nil {
			return nil, err
		}
		for _, s := range batch {
			byID[s.ID] = s
		}
	}
	out := make([]*backend.StepDefinition, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	// Go map iteration order is randomized; a fixed per-iteration drive
	// order is required for deterministic replay, so the batch is sorted
	// by id rather than handed to callers in whatever order the map
	// produced.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// runIterations is the evaluator proper: drive every non-terminal
// step's state machine in memory, commit the resulting changes
// atomically, then classify the outcome. It repeats until COMPLETED,
// ERROR, PAUSED, or the liveness backstop trips.
func (e *Engine) runIterations(
	ctx context.Context,
	workflowID ids.WorkflowID,
	program *ast.Program,
	inputs map[string]any,
	dispatcher dispatch.Dispatcher,
	rootID ids.StepID,
) (*ExecutionResult, error) {
	steps, err := e.loadNonTerminalSteps(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading steps: %w", err)
	}
	maxIterations := defaultMinIterations
	if n := len(steps) * defaultIterationsPerStep; n > maxIterations {
		maxIterations = n
	}

	noChangeStreak := 0

	for iteration := 0; ; iteration++ {
		if iteration > 0 {
			steps, err = e.loadNonTerminalSteps(ctx, workflowID)
			if err != nil {
				return nil, fmt.Errorf("engine: loading steps: %w", err)
			}
		}
		if iteration >= maxIterations {
			return nil, fmt.Errorf("engine: workflow %s exceeded %d iterations without reaching a fixed point", workflowID, maxIterations)
		}

		changes := &backend.IterationChanges{}
		reader := newOverlay(e.backend, changes)
		hctx := &statemachine.Context{
			Reader:     reader,
			Evaluator:  e.evaluator,
			Dispatcher: dispatcher,
			Program:    program,
			Inputs:     inputs,
			Changes:    changes,
		}

		for _, step := range steps {
			clone := step.Clone()
			if err := statemachine.Drive(ctx, hctx, clone); err != nil {
				return nil, fmt.Errorf("engine: driving step %s: %w", step.ID, err)
			}
		}

		if err := e.backend.Commit(ctx, changes); err != nil {
			return nil, fmt.Errorf("engine: committing iteration: %w", err)
		}

		root, err := e.backend.GetStep(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("engine: loading root step: %w", err)
		}

		if root.IsTerminal() {
			result, err := e.finalize(ctx, workflowID, root)
			if err == nil && e.metrics != nil {
				e.metrics.ObserveIterationCount(iteration + 1)
			}
			return result, err
		}

		parked, err := e.hasParkedStep(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if parked {
			e.setWorkflowStatus(ctx, workflowID, StatusPaused)
			if e.metrics != nil {
				e.metrics.RecordWorkflowResult(string(StatusPaused))
				e.metrics.ObserveIterationCount(iteration + 1)
			}
			return &ExecutionResult{Status: StatusPaused, WorkflowID: workflowID}, nil
		}

		if changes.Empty() {
			noChangeStreak++
		} else {
			noChangeStreak = 0
		}
		if noChangeStreak >= 2 {
			stall := &agenterrors.DependencyStallError{
				BlockID: string(rootID),
				Reason:  "two consecutive iterations produced no state change and no step is parked at EventTransmit",
			}
			e.setWorkflowStatus(ctx, workflowID, StatusError)
			if e.metrics != nil {
				e.metrics.RecordWorkflowResult(string(StatusError))
				e.metrics.ObserveIterationCount(iteration + 1)
			}
			return &ExecutionResult{Status: StatusError, WorkflowID: workflowID, Error: stall.Error()}, nil
		}
	}
}

// hasParkedStep reports whether any step in workflowID is currently
// sitting at EventTransmit awaiting an external result.
func (e *Engine) hasParkedStep(ctx context.Context, workflowID ids.WorkflowID) (bool, error) {
	parked, err := e.backend.GetStepsByState(ctx, workflowID, backend.StateEventTransmit)
	if err != nil {
		return false, fmt.Errorf("engine: checking for parked steps: %w", err)
	}
	return len(parked) > 0, nil
}

// finalize classifies a terminal root step into the lifecycle call's
// user-visible result.
func (e *Engine) finalize(ctx context.Context, workflowID ids.WorkflowID, root *backend.StepDefinition) (*ExecutionResult, error) {
	if root.State == backend.StateStatementComplete {
		e.setWorkflowStatus(ctx, workflowID, StatusCompleted)
		if e.metrics != nil {
			e.metrics.RecordWorkflowResult(string(StatusCompleted))
		}
		return &ExecutionResult{
			Status:     StatusCompleted,
			WorkflowID: workflowID,
			Outputs:    root.Attributes.Returns.Native(),
		}, nil
	}

	e.setWorkflowStatus(ctx, workflowID, StatusError)
	if e.metrics != nil {
		e.metrics.RecordWorkflowResult(string(StatusError))
	}
	return &ExecutionResult{
		Status:     StatusError,
		WorkflowID: workflowID,
		Error:      root.Transition.Error,
		FailedStep: root.ID,
	}, nil
}

// setWorkflowStatus best-effort updates the workflow record's status for
// observability; a failure here never changes the lifecycle call's own
// result (the status field is a convenience mirror, not the source of
// truth — the step graph is).
func (e *Engine) setWorkflowStatus(ctx context.Context, workflowID ids.WorkflowID, status Status) {
	wf, err := e.backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Warn("engine: could not load workflow record to update status", "workflow_id", workflowID, "error", err)
		return
	}
	wf.Status = string(status)
	if err := e.backend.SaveWorkflow(ctx, wf); err != nil {
		e.logger.Warn("engine: could not persist workflow status", "workflow_id", workflowID, "error", err)
	}
}
