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

// Package statemachine implements the per-step state tables and handlers:
// a StateChanger orchestrator drives each step forward, state by
// state, until it is terminal, blocked, or asks to be re-queued.
package statemachine

import (
	"context"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/expression"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// StepReader is the read surface handlers need against the current
// iteration's view of the world: persisted state plus every step created
// or updated earlier in the same iteration. The engine supplies an
// implementation that overlays IterationChanges on top of the backend so
// a step created two handlers ago is visible without an extra commit
// round trip.
type StepReader interface {
	GetStep(ctx context.Context, id ids.StepID) (*backend.StepDefinition, error)
	GetStepsByBlock(ctx context.Context, blockID ids.StepID) ([]*backend.StepDefinition, error)
	GetBlocksByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepDefinition, error)
}

// Context carries everything a handler needs beyond the step it is
// driving: a read view of sibling/ancestor steps, the expression
// evaluator, the inline dispatcher, the parsed program, the workflow's
// input parameters, and the buffer every mutation must be recorded into.
type Context struct {
	Reader     StepReader
	Evaluator  *expression.Evaluator
	Dispatcher dispatch.Dispatcher
	Program    *ast.Program
	Inputs     map[string]any
	Changes    *backend.IterationChanges
}

// Handler advances one step by exactly the work of its current state. It
// mutates step in place (Attributes, Transition, and may append new child
// steps/tasks to hctx.Changes) and returns a Go error only for
// infrastructure failures — a reader that cannot be reached, a malformed
// program. Step-level failures (a bad expression, an unreachable
// dependency) are reported via step.Transition.Error, not the return
// value; the two are deliberately distinct so the caller can tell a real
// bug (infra error, surfaced immediately) from an ordinary workflow
// failure (step.Transition.Error, which only ever terminates that one
// step).
type Handler func(ctx context.Context, hctx *Context, step *backend.StepDefinition) error
