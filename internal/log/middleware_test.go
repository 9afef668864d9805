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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogTaskDispatch(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
		TaskID:     "task-789",
	}

	LogTaskDispatch(logger, inv)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["event"] != "task_dispatch" {
		t.Errorf("expected event to be 'task_dispatch', got: %v", logEntry["event"])
	}
	if logEntry["facet"] != "http.request" {
		t.Errorf("expected facet to be 'http.request', got: %v", logEntry["facet"])
	}
	if logEntry["workflow_id"] != "wf-123" {
		t.Errorf("expected workflow_id to be 'wf-123', got: %v", logEntry["workflow_id"])
	}
	if logEntry["step_id"] != "step-456" {
		t.Errorf("expected step_id to be 'step-456', got: %v", logEntry["step_id"])
	}
	if logEntry["task_id"] != "task-789" {
		t.Errorf("expected task_id to be 'task-789', got: %v", logEntry["task_id"])
	}
}

func TestLogTaskDispatch_NoTaskID(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
	}

	LogTaskDispatch(logger, inv)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if _, ok := logEntry["task_id"]; ok {
		t.Errorf("expected no task_id field when TaskID is empty")
	}
}

func TestLogTaskOutcome_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
	}

	out := &TaskOutcome{
		Success:    true,
		DurationMs: 150,
	}

	LogTaskOutcome(logger, inv, out)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["event"] != "task_outcome" {
		t.Errorf("expected event to be 'task_outcome', got: %v", logEntry["event"])
	}
	if logEntry["success"] != true {
		t.Errorf("expected success to be true, got: %v", logEntry["success"])
	}
	if logEntry["duration_ms"] != float64(150) {
		t.Errorf("expected duration_ms to be 150, got: %v", logEntry["duration_ms"])
	}
	if logEntry["level"] != "INFO" {
		t.Errorf("expected level to be 'INFO', got: %v", logEntry["level"])
	}
	if logEntry["msg"] != "task handler completed" {
		t.Errorf("expected msg to be 'task handler completed', got: %v", logEntry["msg"])
	}
	if _, ok := logEntry["error"]; ok {
		t.Errorf("expected no error field for successful outcome")
	}
}

func TestLogTaskOutcome_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
	}

	out := &TaskOutcome{
		Success:    false,
		Error:      "handler failed",
		DurationMs: 50,
	}

	LogTaskOutcome(logger, inv, out)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["success"] != false {
		t.Errorf("expected success to be false, got: %v", logEntry["success"])
	}
	if logEntry["error"] != "handler failed" {
		t.Errorf("expected error to be 'handler failed', got: %v", logEntry["error"])
	}
	if logEntry["level"] != "ERROR" {
		t.Errorf("expected level to be 'ERROR', got: %v", logEntry["level"])
	}
	if logEntry["msg"] != "task handler failed" {
		t.Errorf("expected msg to be 'task handler failed', got: %v", logEntry["msg"])
	}
}

func TestTaskMiddleware_Wrap_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewTaskMiddleware(logger)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
	}

	fnCalled := false
	result, err := middleware.Wrap(inv, func() (map[string]interface{}, error) {
		fnCalled = true
		return map[string]interface{}{"status": 200}, nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if !fnCalled {
		t.Errorf("expected wrapped function to be called")
	}
	if result["status"] != 200 {
		t.Errorf("expected status 200, got: %v", result["status"])
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), output)
	}

	var dispatchLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &dispatchLog); err != nil {
		t.Fatalf("expected valid JSON for dispatch log: %v", err)
	}
	if dispatchLog["event"] != "task_dispatch" {
		t.Errorf("expected first log to be task_dispatch, got: %v", dispatchLog["event"])
	}

	var outcomeLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &outcomeLog); err != nil {
		t.Fatalf("expected valid JSON for outcome log: %v", err)
	}
	if outcomeLog["event"] != "task_outcome" {
		t.Errorf("expected second log to be task_outcome, got: %v", outcomeLog["event"])
	}
	if outcomeLog["success"] != true {
		t.Errorf("expected success to be true, got: %v", outcomeLog["success"])
	}
	if _, ok := outcomeLog["duration_ms"]; !ok {
		t.Errorf("expected duration_ms to be present")
	}
}

func TestTaskMiddleware_Wrap_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewTaskMiddleware(logger)

	inv := &TaskInvocation{
		FacetName:  "http.request",
		WorkflowID: "wf-123",
		StepID:     "step-456",
	}

	testErr := errors.New("handler error")
	_, err := middleware.Wrap(inv, func() (map[string]interface{}, error) {
		return nil, testErr
	})

	if err != testErr {
		t.Errorf("expected error to be returned, got: %v", err)
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var outcomeLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &outcomeLog); err != nil {
		t.Fatalf("expected valid JSON for outcome log: %v", err)
	}

	if outcomeLog["success"] != false {
		t.Errorf("expected success to be false, got: %v", outcomeLog["success"])
	}
	if outcomeLog["error"] != "handler error" {
		t.Errorf("expected error to be 'handler error', got: %v", outcomeLog["error"])
	}
	if outcomeLog["level"] != "ERROR" {
		t.Errorf("expected level to be ERROR, got: %v", outcomeLog["level"])
	}
}

func TestNewTaskMiddleware(t *testing.T) {
	logger := New(nil)
	middleware := NewTaskMiddleware(logger)

	if middleware == nil {
		t.Fatalf("expected non-nil middleware")
	}
	if middleware.logger != logger {
		t.Errorf("expected middleware to use provided logger")
	}
}
