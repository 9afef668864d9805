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

package engine

import (
	"context"
	"sort"

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// overlay is the statemachine.StepReader the evaluator hands every driven
// step: persisted state with this iteration's own in-memory changes
// layered on top, so a block child created two handlers ago in the same
// iteration (e.g. by statement.blocks.Begin) is visible to a later
// handler's sibling lookup without an extra commit round trip. Steps are
// weak links resolved by id lookup rather than in-memory pointers, and
// overlay extends that lookup to cover the staging area between iteration
// start and commit.
type overlay struct {
	backend backend.StepStore
	changes *backend.IterationChanges
}

func newOverlay(store backend.StepStore, changes *backend.IterationChanges) *overlay {
	return &overlay{backend: store, changes: changes}
}

func (o *overlay) GetStep(ctx context.Context, id ids.StepID) (*backend.StepDefinition, error) {
	if s := o.staged(id); s != nil {
		return s, nil
	}
	return o.backend.GetStep(ctx, id)
}

func (o *overlay) GetStepsByBlock(ctx context.Context, blockID ids.StepID) ([]*backend.StepDefinition, error) {
	base, err := o.backend.GetStepsByBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	return o.merge(base, func(s *backend.StepDefinition) bool { return s.BlockID == blockID }), nil
}

func (o *overlay) GetBlocksByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepDefinition, error) {
	base, err := o.backend.GetBlocksByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return o.merge(base, func(s *backend.StepDefinition) bool {
		return s.ContainerID == stepID && s.ObjectType.IsBlock()
	}), nil
}

// staged returns the most recently staged record for id, if any; later
// entries in changes.Steps supersede earlier ones for the same id.
func (o *overlay) staged(id ids.StepID) *backend.StepDefinition {
	var found *backend.StepDefinition
	for _, s := range o.changes.Steps {
		if s.ID == id {
			found = s
		}
	}
	return found
}

// merge overlays every staged step matching want on top of base
// (persisted) records, keyed by id, and returns the result in a
// deterministic (id-sorted) order.
func (o *overlay) merge(base []*backend.StepDefinition, want func(*backend.StepDefinition) bool) []*backend.StepDefinition {
	byID := make(map[ids.StepID]*backend.StepDefinition, len(base))
	for _, s := range base {
		byID[s.ID] = s
	}
	for _, s := range o.changes.Steps {
		if want(s) {
			byID[s.ID] = s
		}
	}
	out := make([]*backend.StepDefinition, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
