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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentflow-run/agentflow/internal/config"
	agentlog "github.com/agentflow-run/agentflow/internal/log"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/engine"
)

// RegistryRunner is the "handler list read from persisted
// HandlerRegistration records" runner variant: it lists
// registrations through a backend.HandlerRegistry, refreshes the list
// periodically, and resolves each registration's module URI/entrypoint
// into an invocable Handler through a caller-supplied dispatch.Loader.
// Load failures, missing registrations, and handler exceptions are all
// mapped to fail_step/task-failed with a structured error message.
type RegistryRunner struct {
	*core

	load dispatch.Loader

	registryDispatcher *dispatch.Registry

	mu       sync.RWMutex
	names    []string // cached facet names from the last refresh

	started atomic.Bool
}

// NewRegistryRunner builds a RegistryRunner over be and eng, resolving
// registrations into handlers via load.
func NewRegistryRunner(be backend.Backend, eng *engine.Engine, cfg config.RunnerConfig, serviceName string, load dispatch.Loader, logger *slog.Logger) *RegistryRunner {
	return &RegistryRunner{
		core:               newCore(be, eng, cfg, logger, serviceName),
		load:               load,
		registryDispatcher: dispatch.NewRegistry(be, load),
	}
}

// refresh reloads the registration list from the backend, on the cadence
// set by RegistryRefreshInterval.
func (r *RegistryRunner) refresh(ctx context.Context) error {
	regs, err := r.be.ListHandlerRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("runner: listing handler registrations: %w", err)
	}
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.FacetName)
	}
	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return nil
}

func (r *RegistryRunner) handledNames() []string {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()
	return filterTopics(names, r.cfg.TopicGlobs)
}

// resolve loads (and caches, via the inline Registry dispatcher) the
// handler for a claimed task's facet name directly from its persisted
// registration, rather than consulting the cached name list, so a
// registration that changed between refresh cycles is still honored.
func (r *RegistryRunner) resolve(facetName string) (Handler, bool) {
	reg, err := r.be.GetHandlerRegistration(context.Background(), facetName)
	if err != nil || reg == nil {
		return nil, false
	}
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return r.registryDispatcher.Dispatch(ctx, facetName, payload)
	}, true
}

// refreshLoop periodically refreshes the handled-name cache until stopCh
// closes or ctx is canceled.
func (r *RegistryRunner) refreshLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.RegistryRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.refresh(ctx); err != nil {
			r.logger.Error("registry refresh failed", agentlog.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Start performs an initial registry load, registers a server record,
// spawns the heartbeat and refresh tickers, and enters the poll loop.
// Start blocks until ctx is canceled or Stop is called.
func (r *RegistryRunner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	if err := r.refresh(ctx); err != nil {
		return err
	}
	if err := r.register(ctx, r.cfg.TopicGlobs, r.handledNames()); err != nil {
		return err
	}

	r.wg.Add(3)
	go r.heartbeatLoop(ctx)
	go r.refreshLoop(ctx)
	go r.pollLoop(ctx, r.handledNames, r.resolve, r.registryDispatcher)

	r.wg.Wait()
	return nil
}
