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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

func TestGetStepReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	b := New()

	stepID := ids.NewStepID()
	attrs := ids.NewFacetAttributes()
	attrs.Params.Set("input", ids.Int(1))
	require.NoError(t, b.SaveStep(ctx, &backend.StepDefinition{
		ID:         stepID,
		ObjectType: backend.ObjectVariableAssignment,
		State:      backend.StateCreated,
		Attributes: attrs,
	}))

	got, err := b.GetStep(ctx, stepID)
	require.NoError(t, err)
	got.Attributes.Params.Set("input", ids.Int(999))

	again, err := b.GetStep(ctx, stepID)
	require.NoError(t, err)
	v, ok := again.Attributes.Params.Get("input")
	require.True(t, ok)
	i, _ := v.AsInt()
	assert.Equal(t, int64(1), i, "mutating a returned step must not affect storage")
}

func TestClaimTaskIsAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	b := New()

	stepID := ids.NewStepID()
	require.NoError(t, b.SaveTask(ctx, &backend.TaskDefinition{
		ID:           ids.NewTaskID(),
		Name:         "CountDocuments",
		StepID:       stepID,
		State:        backend.TaskPending,
		TaskListName: "default",
	}))

	const n = 16
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			task, err := b.ClaimTask(ctx, []string{"CountDocuments"}, "default")
			require.NoError(t, err)
			successes[idx] = task != nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent claimant should succeed")
}

func TestClaimTaskRespectsAtMostOneRunningPerStep(t *testing.T) {
	ctx := context.Background()
	b := New()
	stepID := ids.NewStepID()

	require.NoError(t, b.SaveTask(ctx, &backend.TaskDefinition{
		ID: ids.NewTaskID(), Name: "F", StepID: stepID, State: backend.TaskRunning, TaskListName: "default",
	}))
	require.NoError(t, b.SaveTask(ctx, &backend.TaskDefinition{
		ID: ids.NewTaskID(), Name: "F", StepID: stepID, State: backend.TaskPending, TaskListName: "default",
	}))

	task, err := b.ClaimTask(ctx, []string{"F"}, "default")
	require.NoError(t, err)
	assert.Nil(t, task, "a step already holding a running task must not yield a second claim")
}

func TestCommitPersistsStep(t *testing.T) {
	ctx := context.Background()
	b := New()

	changes := &backend.IterationChanges{}
	changes.AddStep(&backend.StepDefinition{ID: ids.NewStepID(), State: backend.StateCreated, Attributes: ids.NewFacetAttributes()})
	changes.AddTask(&backend.TaskDefinition{ID: ids.NewTaskID(), State: backend.TaskPending})

	require.NoError(t, b.Commit(ctx, changes))

	got, err := b.GetStep(ctx, changes.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StateCreated, got.State)
}

func TestAcquireExtendReleaseLock(t *testing.T) {
	ctx := context.Background()
	b := New()
	key := ids.LockKey("wf-1")

	ok, err := b.AcquireLock(ctx, key, 50_000_000, nil) // 50ms in ns is fine for the test window
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLock(ctx, key, 50_000_000, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock must not be re-acquirable")

	ok, err = b.ExtendLock(ctx, key, 50_000_000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.ReleaseLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLock(ctx, key, 50_000_000, nil)
	require.NoError(t, err)
	assert.True(t, ok, "a released lock must be re-acquirable")
}
