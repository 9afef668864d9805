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

package log

import (
	"log/slog"
	"time"
)

// TaskInvocation identifies one handler dispatch for logging purposes.
type TaskInvocation struct {
	// FacetName is the event facet being dispatched (e.g. "http.request").
	FacetName string

	// WorkflowID is the owning workflow run.
	WorkflowID string

	// StepID is the step whose task is being dispatched.
	StepID string

	// TaskID is the claimed task record's id.
	TaskID string
}

// TaskOutcome is the result of running a dispatched task's handler.
type TaskOutcome struct {
	// Success indicates whether the handler returned without error.
	Success bool

	// Error is the handler's error message, if it failed.
	Error string

	// DurationMs is how long the handler ran, in milliseconds.
	DurationMs int64
}

// LogTaskDispatch logs a task about to be handed to its handler.
func LogTaskDispatch(logger *slog.Logger, inv *TaskInvocation) {
	attrs := []any{
		"event", "task_dispatch",
		"facet", inv.FacetName,
		"workflow_id", inv.WorkflowID,
		"step_id", inv.StepID,
	}
	if inv.TaskID != "" {
		attrs = append(attrs, "task_id", inv.TaskID)
	}
	logger.Info("dispatching task", attrs...)
}

// LogTaskOutcome logs a dispatched task's handler outcome.
func LogTaskOutcome(logger *slog.Logger, inv *TaskInvocation, out *TaskOutcome) {
	attrs := []any{
		"event", "task_outcome",
		"facet", inv.FacetName,
		"workflow_id", inv.WorkflowID,
		"step_id", inv.StepID,
		"success", out.Success,
		"duration_ms", out.DurationMs,
	}
	if inv.TaskID != "" {
		attrs = append(attrs, "task_id", inv.TaskID)
	}
	if out.Error != "" {
		attrs = append(attrs, "error", out.Error)
	}

	level := slog.LevelInfo
	message := "task handler completed"
	if !out.Success {
		level = slog.LevelError
		message = "task handler failed"
	}
	logger.Log(nil, level, message, attrs...)
}

// TaskMiddleware wraps a runner's handler dispatch with request/outcome
// logging, so every handler invocation produces a matched pair of log
// lines regardless of which runner or handler is involved.
type TaskMiddleware struct {
	logger *slog.Logger
}

// NewTaskMiddleware creates a task dispatch logging middleware.
func NewTaskMiddleware(logger *slog.Logger) *TaskMiddleware {
	return &TaskMiddleware{logger: logger}
}

// Wrap runs fn, logging inv before the call and the resulting TaskOutcome
// after, and returns fn's result unchanged.
func (m *TaskMiddleware) Wrap(inv *TaskInvocation, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogTaskDispatch(m.logger, inv)

	result, err := fn()

	out := &TaskOutcome{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		out.Error = err.Error()
	}

	LogTaskOutcome(m.logger, inv, out)

	return result, err
}
