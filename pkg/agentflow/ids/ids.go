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

// Package ids defines the opaque identifier types and value model shared
// across the workflow execution engine.
package ids

import "github.com/google/uuid"

// StepID, BlockID, TaskID, WorkflowID, FlowID, RunnerID, ServerID, EventID
// and LockKey are opaque strings. Equality is byte-equal; they never carry
// semantic structure beyond being unique tokens.
type (
	StepID     string
	BlockID    string
	TaskID     string
	WorkflowID string
	FlowID     string
	RunnerID   string
	ServerID   string
	EventID    string
	LockKey    string
)

// New generates a fresh URL-safe opaque identifier.
func New() string {
	return uuid.NewString()
}

// NewStepID, NewTaskID, NewWorkflowID, NewRunnerID, NewServerID and
// NewEventID mint fresh identifiers of their respective kind.
func NewStepID() StepID         { return StepID(New()) }
func NewTaskID() TaskID         { return TaskID(New()) }
func NewWorkflowID() WorkflowID { return WorkflowID(New()) }
func NewRunnerID() RunnerID     { return RunnerID(New()) }
func NewServerID() ServerID     { return ServerID(New()) }
func NewEventID() EventID       { return EventID(New()) }
