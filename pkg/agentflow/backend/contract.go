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

// Package backend provides the persistence contract for the workflow
// execution engine.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal
// implementations:
//
//   - StepStore (core, required): save/get steps, query by block/state.
//   - TaskStore (core, required): save/get tasks, atomic claim.
//   - LockStore (optional): acquire/extend/release advisory locks.
//   - HandlerRegistry (optional): CRUD for HandlerRegistration records.
//   - StepLogStore (optional): append-only observability records.
//   - ServerRegistry (optional): server records and heartbeats.
//
// Backend composes all of these for full-featured implementations.
// Components can accept the minimal interfaces they need and use runtime
// type assertions to detect optional capabilities. The engine itself
// takes a full Backend.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// StepState enumerates the full state-machine vocabulary across all step
// kinds. Not every state applies to every ObjectType; see
// pkg/agentflow/statemachine for the per-kind tables.
type StepState string

const (
	StateCreated               StepState = "Created"
	StateFacetInitBegin        StepState = "facet.init.Begin"
	StateFacetInitEnd          StepState = "facet.init.End"
	StateFacetScriptsBegin     StepState = "facet.scripts.Begin"
	StateFacetScriptsEnd       StepState = "facet.scripts.End"
	StateMixinBlocksBegin      StepState = "mixin.blocks.Begin"
	StateMixinBlocksContinue   StepState = "mixin.blocks.Continue"
	StateMixinBlocksEnd        StepState = "mixin.blocks.End"
	StateMixinCaptureBegin     StepState = "mixin.capture.Begin"
	StateMixinCaptureEnd       StepState = "mixin.capture.End"
	StateEventTransmit         StepState = "EventTransmit"
	StateStatementBlocksBegin  StepState = "statement.blocks.Begin"
	StateStatementBlocksContinue StepState = "statement.blocks.Continue"
	StateStatementBlocksEnd    StepState = "statement.blocks.End"
	StateStatementCaptureBegin StepState = "statement.capture.Begin"
	StateStatementCaptureEnd   StepState = "statement.capture.End"
	StateStatementEnd          StepState = "statement.End"
	StateStatementComplete     StepState = "statement.Complete"

	StateBlockExecutionBegin    StepState = "block.execution.Begin"
	StateBlockExecutionContinue StepState = "block.execution.Continue"
	StateBlockExecutionEnd      StepState = "block.execution.End"

	StateStatementError StepState = "statement.Error"
)

// IsTerminal reports whether s is one of the two terminal states.
func (s StepState) IsTerminal() bool {
	return s == StateStatementComplete || s == StateStatementError
}

// ObjectType enumerates the step kinds a workflow program can declare.
type ObjectType string

const (
	ObjectVariableAssignment ObjectType = "VariableAssignment"
	ObjectYieldAssignment    ObjectType = "YieldAssignment"
	ObjectSchemaInstantiation ObjectType = "SchemaInstantiation"
	ObjectAndThen            ObjectType = "AndThen"
	ObjectAndMap             ObjectType = "AndMap"
	ObjectAndMatch           ObjectType = "AndMatch"
	ObjectWorkflow           ObjectType = "Workflow"
)

// IsBlock reports whether t is one of the block kinds.
func (t ObjectType) IsBlock() bool {
	return t == ObjectAndThen || t == ObjectAndMap || t == ObjectAndMatch
}

// Transition is the small control-intent record threaded through the
// state machine: changed/request_transition/push_me/error.
type Transition struct {
	// Changed reports whether any mutation happened this pass; persistence
	// uses it to decide whether a step needs writing.
	Changed bool

	// RequestTransition asks the StateChanger to advance to the next state
	// in the table on this loop tick.
	RequestTransition bool

	// PushMe re-queues the step for the next iteration; used only by
	// *.Continue polling states that cannot complete within this iteration.
	PushMe bool

	// Error carries a terminal failure message, if any.
	Error string

	// ErrorDetails carries optional structured detail alongside Error.
	ErrorDetails map[string]any
}

// StepDefinition is one runtime step instance.
type StepDefinition struct {
	ID ids.StepID

	ObjectType ObjectType
	FacetName  string
	StatementID string

	WorkflowID  ids.WorkflowID
	ContainerID ids.StepID
	BlockID     ids.StepID
	RootID      ids.StepID

	State      StepState
	Transition Transition

	Attributes ids.FacetAttributes

	ForeachVar   string
	ForeachValue ids.Value

	// StatementArgs/StatementArgOrder are the raw, unevaluated facet-call
	// argument expressions from the originating ast.Statement, cached onto
	// the step at creation time so facet.init.Begin need not thread a
	// separate program/AST lookup per step. Weak-link resolution by id,
	// not by pointer, applies to sibling references — not to a step's own
	// AST, which is copied in once and never mutated.
	StatementArgs     map[string]ast.Expr
	StatementArgOrder []string

	// ForeachSourceExpr is the raw iterable expression for a foreach
	// statement; ForeachValue above holds this element's already-evaluated
	// value once a foreach sub-block has been created for it.
	ForeachSourceExpr ast.Expr

	// SchemaFields are schema-instantiation field source expressions,
	// evaluated by facet.init.Begin and stored as returns rather than
	// params.
	SchemaFields map[string]ast.Expr

	// YieldTarget names the mixin a yield statement targets; empty means
	// the yield targets the containing step itself.
	YieldTarget string

	// Bodies caches the block body (or bodies, for multiple andThen) this
	// step's AST carries, resolved once at creation time per the
	// precedence in statement.blocks.Begin. The AST is immutable after
	// parse, so Clone shares this slice rather than deep-copying it.
	Bodies [][]ast.Statement

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the step has reached a terminal state.
func (s *StepDefinition) IsTerminal() bool {
	return s.State.IsTerminal()
}

// Clone returns a deep, independent copy of the step. Bodies is shared
// rather than deep-copied: it is the step's cached pointer into the
// parsed, immutable program AST, never mutated after a step is created.
func (s *StepDefinition) Clone() *StepDefinition {
	if s == nil {
		return nil
	}
	out := *s
	out.Attributes = s.Attributes.Clone()
	if s.Transition.ErrorDetails != nil {
		out.Transition.ErrorDetails = make(map[string]any, len(s.Transition.ErrorDetails))
		for k, v := range s.Transition.ErrorDetails {
			out.Transition.ErrorDetails[k] = v
		}
	}
	out.StatementArgs = cloneExprMap(s.StatementArgs)
	out.StatementArgOrder = append([]string(nil), s.StatementArgOrder...)
	out.SchemaFields = cloneExprMap(s.SchemaFields)
	return &out
}

func cloneExprMap(m map[string]ast.Expr) map[string]ast.Expr {
	if m == nil {
		return nil
	}
	out := make(map[string]ast.Expr, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TaskState enumerates task lifecycle states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskIgnored   TaskState = "ignored"
	TaskCanceled  TaskState = "canceled"
)

// TaskDefinition is a claimable work item.
type TaskDefinition struct {
	ID ids.TaskID

	Name       string
	StepID     ids.StepID
	WorkflowID ids.WorkflowID
	FlowID     ids.FlowID
	RunnerID   ids.RunnerID

	State        TaskState
	TaskListName string
	Data         map[string]any
	Error        string

	CreatedMs int64
	UpdatedMs int64
}

// Clone returns a deep, independent copy of the task.
func (t *TaskDefinition) Clone() *TaskDefinition {
	if t == nil {
		return nil
	}
	out := *t
	if t.Data != nil {
		out.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// LogSource identifies who wrote a StepLogEntry.
type LogSource string

const (
	LogSourceFramework LogSource = "framework"
	LogSourceHandler   LogSource = "handler"
)

// LogLevel enumerates step-log severities.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// StepLogEntry is an append-only observability record. Writing one
// never affects execution.
type StepLogEntry struct {
	ID         ids.EventID
	StepID     ids.StepID
	WorkflowID ids.WorkflowID
	RunnerID   ids.RunnerID
	FacetName  string
	Source     LogSource
	Level      LogLevel
	Message    string
	Details    map[string]any
	Time       time.Time
}

// ServerState enumerates the lifecycle of a process's registration.
type ServerState string

const (
	ServerStartup  ServerState = "startup"
	ServerRunning  ServerState = "running"
	ServerShutdown ServerState = "shutdown"
	ServerError    ServerState = "error"
)

// ServerDefinition is a per-process registration record.
type ServerDefinition struct {
	ID ids.ServerID

	ServerGroup string
	ServiceName string
	ServerName  string
	IPs         []string

	StartTime time.Time
	PingTime  time.Time

	Topics   []string
	Handlers []string
	Handled  map[string]int64

	State ServerState
	Error string
}

// HandlerRegistration maps a facet name to an addressable handler
// implementation.
type HandlerRegistration struct {
	FacetName string // primary key

	ModuleURI    string
	Entrypoint   string
	Version      string
	Checksum     string
	TimeoutMs    int64
	Requirements []string
	Metadata     map[string]any
}

// Clone returns a deep, independent copy.
func (h *HandlerRegistration) Clone() *HandlerRegistration {
	if h == nil {
		return nil
	}
	out := *h
	out.Requirements = append([]string(nil), h.Requirements...)
	if h.Metadata != nil {
		out.Metadata = make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Lock is an advisory, time-bounded, renewable lease.
type Lock struct {
	Key        ids.LockKey
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Metadata   map[string]any
}

// FlowDefinition, WorkflowDefinition and RunnerDefinition are aggregate
// records used for observability and resumption by persistent handle;
// they carry the workflow AST, input parameters, and summary counters but
// encode no semantics beyond what the step graph already encodes.
type FlowDefinition struct {
	ID       ids.FlowID
	Name     string
	AST      map[string]any
	Metadata map[string]any
}

type WorkflowDefinition struct {
	ID         ids.WorkflowID
	FlowID     ids.FlowID
	AST        map[string]any
	ProgramAST map[string]any
	Inputs     map[string]any

	RootStepID ids.StepID
	Status     string

	StepCount      int
	CompletedCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

type RunnerDefinition struct {
	ID       ids.RunnerID
	ServerID ids.ServerID
	Topics   []string
	Handlers []string
}

// IterationChanges accumulates every mutation an iteration produces in
// memory before the atomic commit at iteration end.
type IterationChanges struct {
	Steps []*StepDefinition
	Tasks []*TaskDefinition
	Logs  []*StepLogEntry
}

// AddStep records a created-or-updated step for this iteration.
func (c *IterationChanges) AddStep(s *StepDefinition) {
	c.Steps = append(c.Steps, s)
}

// AddTask records a created task for this iteration.
func (c *IterationChanges) AddTask(t *TaskDefinition) {
	c.Tasks = append(c.Tasks, t)
}

// AddLog records a step log entry for this iteration.
func (c *IterationChanges) AddLog(l *StepLogEntry) {
	c.Logs = append(c.Logs, l)
}

// Empty reports whether the change set carries no mutations.
func (c *IterationChanges) Empty() bool {
	return len(c.Steps) == 0 && len(c.Tasks) == 0 && len(c.Logs) == 0
}

// StepStore is the core interface for step storage operations.
type StepStore interface {
	SaveStep(ctx context.Context, step *StepDefinition) error
	GetStep(ctx context.Context, id ids.StepID) (*StepDefinition, error)
	GetStepsByBlock(ctx context.Context, blockID ids.StepID) ([]*StepDefinition, error)
	GetStepsByState(ctx context.Context, workflowID ids.WorkflowID, state StepState) ([]*StepDefinition, error)
	GetBlocksByStep(ctx context.Context, stepID ids.StepID) ([]*StepDefinition, error)
}

// TaskStore is the core interface for task storage and atomic claiming.
// ClaimTask MUST be atomic: it transitions exactly one matching
// pending task to running and returns it; two concurrent callers MUST NOT
// both receive the same task.
type TaskStore interface {
	SaveTask(ctx context.Context, task *TaskDefinition) error
	GetTask(ctx context.Context, id ids.TaskID) (*TaskDefinition, error)
	GetTaskForStep(ctx context.Context, stepID ids.StepID) (*TaskDefinition, error)
	ClaimTask(ctx context.Context, candidateNames []string, taskListName string) (*TaskDefinition, error)
}

// CommitStore applies a full IterationChanges set atomically: all-or-
// nothing, and every write is safe to repeat.
type CommitStore interface {
	Commit(ctx context.Context, changes *IterationChanges) error
}

// LockStore is an optional interface for advisory, time-bounded locks.
// An expired lock MAY be taken by another caller.
type LockStore interface {
	AcquireLock(ctx context.Context, key ids.LockKey, duration time.Duration, meta map[string]any) (bool, error)
	ExtendLock(ctx context.Context, key ids.LockKey, duration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key ids.LockKey) (bool, error)
}

// HandlerRegistry is an optional interface for CRUD over
// HandlerRegistration records, used by the registry dispatcher and
// RegistryRunner.
type HandlerRegistry interface {
	SaveHandlerRegistration(ctx context.Context, reg *HandlerRegistration) error
	GetHandlerRegistration(ctx context.Context, facetName string) (*HandlerRegistration, error)
	ListHandlerRegistrations(ctx context.Context) ([]*HandlerRegistration, error)
	DeleteHandlerRegistration(ctx context.Context, facetName string) error
}

// StepLogStore is an optional interface for append-only observability
// records.
type StepLogStore interface {
	SaveStepLog(ctx context.Context, entry *StepLogEntry) error
	GetStepLogsByStep(ctx context.Context, stepID ids.StepID) ([]*StepLogEntry, error)
	GetStepLogsByWorkflow(ctx context.Context, workflowID ids.WorkflowID) ([]*StepLogEntry, error)
}

// ServerRegistry is an optional interface for server records and
// heartbeats.
type ServerRegistry interface {
	SaveServer(ctx context.Context, server *ServerDefinition) error
	GetServer(ctx context.Context, id ids.ServerID) (*ServerDefinition, error)
	ListServers(ctx context.Context) ([]*ServerDefinition, error)
	Heartbeat(ctx context.Context, id ids.ServerID, pingTime time.Time) error
	DeleteServer(ctx context.Context, id ids.ServerID) error
}

// WorkflowStore is an optional interface for the aggregate workflow/flow
// records used for observability and resume-by-handle.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id ids.WorkflowID) (*WorkflowDefinition, error)
	SaveFlow(ctx context.Context, flow *FlowDefinition) error
	GetFlow(ctx context.Context, id ids.FlowID) (*FlowDefinition, error)
}

// Backend composes every segregated interface into the full persistence
// contract, plus io.Closer for lifecycle management. A minimal
// implementation can satisfy only StepStore+TaskStore+CommitStore and be
// used anywhere those narrower interfaces are accepted.
type Backend interface {
	StepStore
	TaskStore
	CommitStore
	LockStore
	HandlerRegistry
	StepLogStore
	ServerRegistry
	WorkflowStore
	io.Closer
}
