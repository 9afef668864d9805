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

// Package memory provides an in-memory backend implementation, suitable
// for tests and single-process deployments. Every read and write deep-
// clones so that no caller can mutate storage state through a returned
// value: every read operation returns an independent copy.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// Compile-time interface assertions. Ensures Backend implements the full
// persistence contract.
var (
	_ backend.StepStore       = (*Backend)(nil)
	_ backend.TaskStore       = (*Backend)(nil)
	_ backend.CommitStore     = (*Backend)(nil)
	_ backend.LockStore       = (*Backend)(nil)
	_ backend.HandlerRegistry = (*Backend)(nil)
	_ backend.StepLogStore    = (*Backend)(nil)
	_ backend.ServerRegistry  = (*Backend)(nil)
	_ backend.WorkflowStore   = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend guarded by a single mutex; the
// claim/commit paths that must be atomic hold the write lock for their
// whole critical section.
type Backend struct {
	mu sync.Mutex

	steps map[ids.StepID]*backend.StepDefinition
	tasks map[ids.TaskID]*backend.TaskDefinition
	locks map[ids.LockKey]*backend.Lock

	registrations map[string]*backend.HandlerRegistration
	logs          []*backend.StepLogEntry
	servers       map[ids.ServerID]*backend.ServerDefinition
	workflows     map[ids.WorkflowID]*backend.WorkflowDefinition
	flows         map[ids.FlowID]*backend.FlowDefinition
}

// New creates a new, empty in-memory backend.
func New() *Backend {
	return &Backend{
		steps:         make(map[ids.StepID]*backend.StepDefinition),
		tasks:         make(map[ids.TaskID]*backend.TaskDefinition),
		locks:         make(map[ids.LockKey]*backend.Lock),
		registrations: make(map[string]*backend.HandlerRegistration),
		servers:       make(map[ids.ServerID]*backend.ServerDefinition),
		workflows:     make(map[ids.WorkflowID]*backend.WorkflowDefinition),
		flows:         make(map[ids.FlowID]*backend.FlowDefinition),
	}
}

func (b *Backend) Close() error { return nil }

// --- StepStore ---

func (b *Backend) SaveStep(ctx context.Context, step *backend.StepDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveStepLocked(step)
	return nil
}

func (b *Backend) saveStepLocked(step *backend.StepDefinition) {
	now := time.Now()
	clone := step.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	b.steps[clone.ID] = clone
}

func (b *Backend) GetStep(ctx context.Context, id ids.StepID) (*backend.StepDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: step not found: %s", id)
	}
	return s.Clone(), nil
}

func (b *Backend) GetStepsByBlock(ctx context.Context, blockID ids.StepID) ([]*backend.StepDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backend.StepDefinition
	for _, s := range b.steps {
		if s.BlockID == blockID {
			out = append(out, s.Clone())
		}
	}
	sortStepsByCreation(out)
	return out, nil
}

func (b *Backend) GetStepsByState(ctx context.Context, workflowID ids.WorkflowID, state backend.StepState) ([]*backend.StepDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backend.StepDefinition
	for _, s := range b.steps {
		if s.WorkflowID == workflowID && s.State == state {
			out = append(out, s.Clone())
		}
	}
	sortStepsByCreation(out)
	return out, nil
}

func (b *Backend) GetBlocksByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backend.StepDefinition
	for _, s := range b.steps {
		if s.ContainerID == stepID && s.ObjectType.IsBlock() {
			out = append(out, s.Clone())
		}
	}
	sortStepsByCreation(out)
	return out, nil
}

func sortStepsByCreation(steps []*backend.StepDefinition) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
}

// --- TaskStore ---

func (b *Backend) SaveTask(ctx context.Context, task *backend.TaskDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveTaskLocked(task)
	return nil
}

func (b *Backend) saveTaskLocked(task *backend.TaskDefinition) {
	nowMs := time.Now().UnixMilli()
	clone := task.Clone()
	if clone.CreatedMs == 0 {
		clone.CreatedMs = nowMs
	}
	clone.UpdatedMs = nowMs
	b.tasks[clone.ID] = clone
}

func (b *Backend) GetTask(ctx context.Context, id ids.TaskID) (*backend.TaskDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: task not found: %s", id)
	}
	return t.Clone(), nil
}

func (b *Backend) GetTaskForStep(ctx context.Context, stepID ids.StepID) (*backend.TaskDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var latest *backend.TaskDefinition
	for _, t := range b.tasks {
		if t.StepID != stepID {
			continue
		}
		if latest == nil || t.UpdatedMs > latest.UpdatedMs {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

// ClaimTask atomically transitions exactly one matching pending task to
// running. The whole check-and-set happens under the backend's single
// mutex, which is what makes it atomic in a single process; the sqlite
// backend achieves the same guarantee via a conditional UPDATE.
func (b *Backend) ClaimTask(ctx context.Context, candidateNames []string, taskListName string) (*backend.TaskDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *backend.TaskDefinition
	for _, t := range b.tasks {
		if t.State != backend.TaskPending {
			continue
		}
		if taskListName != "" && t.TaskListName != taskListName {
			continue
		}
		if len(candidateNames) > 0 && !slices.Contains(candidateNames, t.Name) {
			continue
		}
		if b.hasRunningTaskForStepLocked(t.StepID) {
			continue
		}
		if best == nil || t.CreatedMs < best.CreatedMs {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = backend.TaskRunning
	b.saveTaskLocked(best)
	return best.Clone(), nil
}

func (b *Backend) hasRunningTaskForStepLocked(stepID ids.StepID) bool {
	for _, t := range b.tasks {
		if t.StepID == stepID && t.State == backend.TaskRunning {
			return true
		}
	}
	return false
}

// --- CommitStore ---

// Commit applies every step/task/log mutation in changes under a single
// lock acquisition, so no other caller observes a partial write.
func (b *Backend) Commit(ctx context.Context, changes *backend.IterationChanges) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range changes.Steps {
		b.saveStepLocked(s)
	}
	for _, t := range changes.Tasks {
		b.saveTaskLocked(t)
	}
	for _, l := range changes.Logs {
		clone := *l
		b.logs = append(b.logs, &clone)
	}
	return nil
}

// --- LockStore ---

func (b *Backend) AcquireLock(ctx context.Context, key ids.LockKey, duration time.Duration, meta map[string]any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if existing, ok := b.locks[key]; ok && existing.ExpiresAt.After(now) {
		return false, nil
	}
	b.locks[key] = &backend.Lock{
		Key:        key,
		AcquiredAt: now,
		ExpiresAt:  now.Add(duration),
		Metadata:   cloneMeta(meta),
	}
	return true, nil
}

func (b *Backend) ExtendLock(ctx context.Context, key ids.LockKey, duration time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.locks[key]
	if !ok || existing.ExpiresAt.Before(time.Now()) {
		return false, nil
	}
	existing.ExpiresAt = time.Now().Add(duration)
	return true, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, key ids.LockKey) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.locks[key]; !ok {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- HandlerRegistry ---

func (b *Backend) SaveHandlerRegistration(ctx context.Context, reg *backend.HandlerRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrations[reg.FacetName] = reg.Clone()
	return nil
}

func (b *Backend) GetHandlerRegistration(ctx context.Context, facetName string) (*backend.HandlerRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.registrations[facetName]
	if !ok {
		return nil, fmt.Errorf("memory backend: handler registration not found: %s", facetName)
	}
	return r.Clone(), nil
}

func (b *Backend) ListHandlerRegistrations(ctx context.Context) ([]*backend.HandlerRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*backend.HandlerRegistration, 0, len(b.registrations))
	for _, r := range b.registrations {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FacetName < out[j].FacetName })
	return out, nil
}

func (b *Backend) DeleteHandlerRegistration(ctx context.Context, facetName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.registrations, facetName)
	return nil
}

// --- StepLogStore ---

func (b *Backend) SaveStepLog(ctx context.Context, entry *backend.StepLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *entry
	b.logs = append(b.logs, &clone)
	return nil
}

func (b *Backend) GetStepLogsByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepLogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backend.StepLogEntry
	for _, l := range b.logs {
		if l.StepID == stepID {
			clone := *l
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (b *Backend) GetStepLogsByWorkflow(ctx context.Context, workflowID ids.WorkflowID) ([]*backend.StepLogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backend.StepLogEntry
	for _, l := range b.logs {
		if l.WorkflowID == workflowID {
			clone := *l
			out = append(out, &clone)
		}
	}
	return out, nil
}

// --- ServerRegistry ---

func (b *Backend) SaveServer(ctx context.Context, server *backend.ServerDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *server
	clone.IPs = append([]string(nil), server.IPs...)
	clone.Topics = append([]string(nil), server.Topics...)
	clone.Handlers = append([]string(nil), server.Handlers...)
	clone.Handled = cloneCounts(server.Handled)
	b.servers[clone.ID] = &clone
	return nil
}

func (b *Backend) GetServer(ctx context.Context, id ids.ServerID) (*backend.ServerDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: server not found: %s", id)
	}
	clone := *s
	clone.Handled = cloneCounts(s.Handled)
	return &clone, nil
}

func (b *Backend) ListServers(ctx context.Context) ([]*backend.ServerDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*backend.ServerDefinition, 0, len(b.servers))
	for _, s := range b.servers {
		clone := *s
		clone.Handled = cloneCounts(s.Handled)
		out = append(out, &clone)
	}
	return out, nil
}

func (b *Backend) Heartbeat(ctx context.Context, id ids.ServerID, pingTime time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[id]
	if !ok {
		return fmt.Errorf("memory backend: server not found: %s", id)
	}
	s.PingTime = pingTime
	return nil
}

func (b *Backend) DeleteServer(ctx context.Context, id ids.ServerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.servers, id)
	return nil
}

func cloneCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- WorkflowStore ---

func (b *Backend) SaveWorkflow(ctx context.Context, wf *backend.WorkflowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *wf
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	b.workflows[clone.ID] = &clone
	return nil
}

func (b *Backend) GetWorkflow(ctx context.Context, id ids.WorkflowID) (*backend.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wf, ok := b.workflows[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: workflow not found: %s", id)
	}
	clone := *wf
	return &clone, nil
}

func (b *Backend) SaveFlow(ctx context.Context, flow *backend.FlowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *flow
	b.flows[clone.ID] = &clone
	return nil
}

func (b *Backend) GetFlow(ctx context.Context, id ids.FlowID) (*backend.FlowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.flows[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: flow not found: %s", id)
	}
	clone := *f
	return &clone, nil
}
