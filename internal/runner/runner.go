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

// Package runner implements the long-lived processes that poll, claim,
// execute and continue workflow steps: AgentPoller, which services a
// static in-process handler map, and RegistryRunner, which services
// persisted HandlerRegistration records loaded dynamically and refreshed
// periodically. Both share the poll/claim/dispatch/continue-or-fail cycle
// implemented here.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/agentflow-run/agentflow/internal/config"
	agentlog "github.com/agentflow-run/agentflow/internal/log"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/engine"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// Handler executes one facet in-process and returns its result attributes,
// or an error that fails the owning step. It is a plain alias of
// dispatch.HandlerFunc: both AgentPoller's static map and the handlers a
// RegistryRunner's Loader produces for a dynamically-addressed module are
// the same shape, so sync-or-async entrypoint detection collapses to
// "call it and see": an async entrypoint is exposed here by a
// Loader-supplied adapter that blocks on completion before returning,
// while a sync entrypoint already matches the signature directly.
type Handler = dispatch.HandlerFunc

// TaskMetricsRecorder receives optional per-task outcome metrics. A nil
// TaskMetricsRecorder (the default) disables metrics entirely; this
// package never imports a concrete metrics implementation, mirroring
// engine.MetricsRecorder's decoupling.
type TaskMetricsRecorder interface {
	RecordTaskClaimed(facetName string)
	RecordTaskCompleted(facetName string, duration time.Duration)
	RecordTaskFailed(facetName string, duration time.Duration)
}

// core holds everything AgentPoller and RegistryRunner share: server
// registration and heartbeat, the poll/claim/dispatch/continue-or-fail
// cycle, and the bounded worker pool. Each concrete runner embeds a *core
// and supplies its own handledNames/dispatch behavior.
type core struct {
	be  backend.Backend
	eng *engine.Engine
	cfg config.RunnerConfig

	logger  *slog.Logger
	metrics TaskMetricsRecorder
	mw      *agentlog.TaskMiddleware

	serverID    ids.ServerID
	serverGroup string
	serviceName string
	serverName  string

	sem *semaphore.Weighted

	draining atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	handledMu sync.Mutex
	handled   map[string]*atomic.Int64
}

// SetMetrics attaches a TaskMetricsRecorder. Call before Start; nil
// disables metrics.
func (c *core) SetMetrics(m TaskMetricsRecorder) {
	c.metrics = m
}

func newCore(be backend.Backend, eng *engine.Engine, cfg config.RunnerConfig, logger *slog.Logger, serviceName string) *core {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &core{
		be:          be,
		eng:         eng,
		cfg:         cfg,
		logger:      logger,
		mw:          agentlog.NewTaskMiddleware(logger),
		serverID:    ids.NewServerID(),
		serverGroup: "agentflow",
		serviceName: serviceName,
		serverName:  hostname() + "/" + string(ids.NewServerID())[:8],
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		stopCh:      make(chan struct{}),
		handled:     make(map[string]*atomic.Int64),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

func localIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}

// register writes a startup server record.
func (c *core) register(ctx context.Context, topics, handlerNames []string) error {
	server := &backend.ServerDefinition{
		ID:          c.serverID,
		ServerGroup: c.serverGroup,
		ServiceName: c.serviceName,
		ServerName:  c.serverName,
		IPs:         localIPs(),
		StartTime:   time.Now(),
		PingTime:    time.Now(),
		Topics:      topics,
		Handlers:    handlerNames,
		Handled:     map[string]int64{},
		State:       backend.ServerStartup,
	}
	if err := c.be.SaveServer(ctx, server); err != nil {
		return err
	}
	server.State = backend.ServerRunning
	return c.be.SaveServer(ctx, server)
}

// heartbeatLoop updates ping_time every HeartbeatInterval until stopCh
// closes.
func (c *core) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.be.Heartbeat(ctx, c.serverID, time.Now()); err != nil {
				c.logger.Warn("heartbeat failed", agentlog.Error(err))
			}
		}
	}
}

// shutdown marks the server record shutdown and refreshes its ping time.
func (c *core) shutdown(ctx context.Context) {
	server, err := c.be.GetServer(ctx, c.serverID)
	if err == nil && server != nil {
		server.State = backend.ServerShutdown
		server.PingTime = time.Now()
		_ = c.be.SaveServer(ctx, server)
	}
}

// Stop requests the poll loop to exit, waiting up to ShutdownTimeout for
// in-flight tasks to finish, then marks the server record shutdown.
func (c *core) Stop(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)

	timeout := c.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("shutdown timeout exceeded, in-flight tasks may be abandoned")
	}

	c.shutdown(ctx)
	return nil
}

// ActiveHandledCounts returns an approximate, racy-by-design snapshot of
// how many tasks this process has handled per facet. Callers must not
// treat the result as exact.
func (c *core) ActiveHandledCounts() map[string]int64 {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	out := make(map[string]int64, len(c.handled))
	for name, n := range c.handled {
		out[name] = n.Load()
	}
	return out
}

func (c *core) countHandled(name string) {
	c.handledMu.Lock()
	n, ok := c.handled[name]
	if !ok {
		n = &atomic.Int64{}
		c.handled[name] = n
	}
	c.handledMu.Unlock()
	n.Add(1)
}

// filterTopics applies doublestar glob matching against globs, restricting
// the set of facets a given runner services; an empty globs list services
// every name unfiltered.
func filterTopics(names []string, globs []string) []string {
	if len(globs) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, name); ok {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// claimWithBackoff wraps a single ClaimTask call with exponential backoff
// retry on transient store errors, grounded on the same backoff.Retry
// shape used elsewhere in the pack for storage-layer contention: "no task
// available" is success (nil task, nil error) and returns immediately,
// only an actual error is retried.
func claimWithBackoff(ctx context.Context, be backend.Backend, candidateNames []string, taskListName string) (*backend.TaskDefinition, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	b.RandomizationFactor = 0.1

	var task *backend.TaskDefinition
	err := backoff.Retry(func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		t, err := be.ClaimTask(ctx, candidateNames, taskListName)
		if err != nil {
			return err // retried
		}
		task = t
		return nil
	}, backoff.WithContext(b, ctx))
	return task, err
}

// processTask runs one claimed task to completion against dispatch: the
// handler is invoked, then on success ContinueStep+Resume advance the
// workflow and the task is marked completed; on handler error FailStep
// marks the step statement.Error and the task failed. There are no
// implicit retries at this layer: a failed task stays failed until an
// explicit retry_step call resets it.
func (c *core) processTask(ctx context.Context, task *backend.TaskDefinition, handler Handler, resumeDispatcher dispatch.Dispatcher) {
	defer c.sem.Release(1)
	defer c.wg.Done()

	logger := agentlog.WithStepContext(c.logger, string(task.WorkflowID), string(task.StepID))

	started := time.Now()
	inv := &agentlog.TaskInvocation{
		FacetName:  task.Name,
		WorkflowID: string(task.WorkflowID),
		StepID:     string(task.StepID),
		TaskID:     string(task.ID),
	}
	result, err := c.mw.Wrap(inv, func() (map[string]interface{}, error) {
		return handler(ctx, task.Data)
	})
	if err != nil {
		logger.Error("handler failed", agentlog.Error(err), agentlog.String(agentlog.EventKey, task.Name))
		if failErr := c.eng.FailStep(ctx, task.StepID, err.Error()); failErr != nil {
			logger.Error("fail_step failed", agentlog.Error(failErr))
		}
		task.State = backend.TaskFailed
		task.Error = err.Error()
		task.UpdatedMs = time.Now().UnixMilli()
		if saveErr := c.be.SaveTask(ctx, task); saveErr != nil {
			logger.Error("saving failed task failed", agentlog.Error(saveErr))
		}
		c.countHandled(task.Name)
		if c.metrics != nil {
			c.metrics.RecordTaskFailed(task.Name, time.Since(started))
		}
		return
	}

	if err := c.eng.ContinueStep(ctx, task.StepID, result); err != nil {
		logger.Error("continue_step failed", agentlog.Error(err))
		return
	}

	var resumeOpts []engine.ResumeOption
	if resumeDispatcher != nil {
		resumeOpts = append(resumeOpts, engine.WithResumeDispatcher(resumeDispatcher))
	}
	if _, err := c.eng.Resume(ctx, task.WorkflowID, resumeOpts...); err != nil {
		logger.Error("resume failed", agentlog.Error(err))
	}

	task.State = backend.TaskCompleted
	task.UpdatedMs = time.Now().UnixMilli()
	if saveErr := c.be.SaveTask(ctx, task); saveErr != nil {
		logger.Error("saving completed task failed", agentlog.Error(saveErr))
	}
	c.countHandled(task.Name)
	if c.metrics != nil {
		c.metrics.RecordTaskCompleted(task.Name, time.Since(started))
	}
}

// pollOnce runs one poll cycle: build the handled-name list, claim, and if
// a task was claimed, dispatch it onto the bounded pool. resolve must
// return the handler for a claimed task's facet name, or false if none is
// registered (for example after a concurrent registry refresh removed it).
// A claimed task with no handler is logged, its step is failed through
// FailStep, and the task is marked failed; it is not retried.
func (c *core) pollOnce(ctx context.Context, handledNames []string, resolve func(facetName string) (Handler, bool), resumeDispatcher dispatch.Dispatcher) {
	if len(handledNames) == 0 {
		return
	}
	task, err := claimWithBackoff(ctx, c.be, handledNames, c.cfg.TaskListName)
	if err != nil {
		c.logger.Error("claim_task failed", agentlog.Error(err))
		return
	}
	if task == nil {
		return
	}

	if c.metrics != nil {
		c.metrics.RecordTaskClaimed(task.Name)
	}

	handler, ok := resolve(task.Name)
	if !ok {
		c.logger.Error("no handler registered for claimed task", agentlog.String(agentlog.EventKey, task.Name))
		if failErr := c.eng.FailStep(ctx, task.StepID, "runner: no handler registered for facet "+task.Name); failErr != nil {
			c.logger.Error("fail_step failed", agentlog.Error(failErr))
		}
		task.State = backend.TaskFailed
		task.Error = "no handler registered"
		_ = c.be.SaveTask(ctx, task)
		return
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	c.wg.Add(1)
	go c.processTask(ctx, task, handler, resumeDispatcher)
}

// pollLoop is the runner's single-threaded poll cycle: one cycle runs per
// tick, task EXECUTION is handed off to the bounded worker pool so a slow
// handler never blocks the next claim.
func (c *core) pollLoop(ctx context.Context, handledNames func() []string, resolve func(facetName string) (Handler, bool), resumeDispatcher dispatch.Dispatcher) {
	defer c.wg.Done()
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.draining.Load() {
				return
			}
			c.pollOnce(ctx, handledNames(), resolve, resumeDispatcher)
		}
	}
}

var errAlreadyStarted = errors.New("runner: already started")
