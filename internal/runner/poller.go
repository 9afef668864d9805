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
	"log/slog"
	"sync/atomic"

	"github.com/agentflow-run/agentflow/internal/config"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/dispatch"
	"github.com/agentflow-run/agentflow/pkg/agentflow/engine"
)

// AgentPoller is the "register handlers by facet name" runner variant:
// a static, in-process handler map built at construction time by
// repeated Register calls, serviced by a poll loop that claims matching
// tasks from the queue and executes them.
type AgentPoller struct {
	*core

	handlers *dispatch.InMemory

	started atomic.Bool
}

// NewAgentPoller builds an AgentPoller over be and eng. serviceName
// identifies this process group in ServerDefinition.ServiceName.
func NewAgentPoller(be backend.Backend, eng *engine.Engine, cfg config.RunnerConfig, serviceName string, logger *slog.Logger) *AgentPoller {
	return &AgentPoller{
		core:     newCore(be, eng, cfg, logger, serviceName),
		handlers: dispatch.NewInMemory(),
	}
}

// Register binds fn to facetName. Safe to call before or after Start;
// registrations made after Start take effect on the next poll cycle.
func (p *AgentPoller) Register(facetName string, fn Handler) {
	p.handlers.Register(facetName, fn)
}

// handledNames returns every registered facet name, subject to this
// runner's topic globs.
func (p *AgentPoller) handledNames() []string {
	return filterTopics(p.handlers.Names(), p.cfg.TopicGlobs)
}

func (p *AgentPoller) resolve(facetName string) (Handler, bool) {
	return p.handlers.Lookup(facetName)
}

// Start registers a server record, spawns the heartbeat ticker, and enters
// the poll loop. Start blocks until ctx is canceled or Stop is called;
// callers typically run it in its own goroutine.
func (p *AgentPoller) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	if err := p.register(ctx, p.cfg.TopicGlobs, p.handledNames()); err != nil {
		return err
	}

	p.wg.Add(2)
	go p.heartbeatLoop(ctx)
	go p.pollLoop(ctx, p.handledNames, p.resolve, p.handlers)

	p.wg.Wait()
	return nil
}
