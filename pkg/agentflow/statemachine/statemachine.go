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

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
)

// Drive is the StateChanger: it advances step through its table as many
// states as the step itself requests, in memory, recording every mutation
// into hctx.Changes. It stops when the step becomes terminal, when a
// handler does not request a further transition (a parked step, e.g.
// EventTransmit awaiting a task result), or when a handler asks to be
// re-queued for the next iteration (push_me).
func Drive(ctx context.Context, hctx *Context, step *backend.StepDefinition) error {
	table, ok := TableFor(step.ObjectType)
	if !ok {
		return fmt.Errorf("statemachine: no state table for object type %q", step.ObjectType)
	}

	for {
		if step.IsTerminal() {
			return nil
		}

		handler, ok := table.Handler(step.State)
		if !ok {
			return fmt.Errorf("statemachine: no handler bound to state %q", step.State)
		}

		step.Transition.Changed = false
		step.Transition.RequestTransition = false
		step.Transition.PushMe = false

		if err := handler(ctx, hctx, step); err != nil {
			return fmt.Errorf("statemachine: state %q: %w", step.State, err)
		}

		if step.Transition.Error != "" {
			step.State = backend.StateStatementError
			step.Transition.Changed = true
			step.Transition.RequestTransition = false
			step.Transition.PushMe = false
			hctx.Changes.AddStep(step)
			return nil
		}

		if step.Transition.Changed {
			hctx.Changes.AddStep(step)
		}

		if step.Transition.PushMe {
			return nil
		}
		if !step.Transition.RequestTransition {
			return nil
		}

		next, ok := table.Next(step.State)
		if !ok {
			return fmt.Errorf("statemachine: state %q requested a transition but has no successor", step.State)
		}
		step.State = next
	}
}
