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

// Package dispatch implements the inline dispatcher: an optional
// component consulted by the EventTransmit handler that short-circuits
// event-facet execution when a handler is available in the same process,
// avoiding a task-queue round trip.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
)

// HandlerFunc executes an event facet in-process and returns its return
// attributes, or an error to fail the step.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Dispatcher can execute an event facet without emitting a task.
// CanDispatch takes no context: every implementation here answers from
// local, already-loaded state (a map or a small cached registry lookup),
// consistent with the inline dispatcher being a synchronous, in-process
// shortcut rather than a remote call.
type Dispatcher interface {
	CanDispatch(facetName string) bool
	Dispatch(ctx context.Context, facetName string, payload map[string]any) (map[string]any, error)
}

// Null never dispatches inline; every event facet spawns a task instead.
type Null struct{}

func (Null) CanDispatch(string) bool { return false }

func (Null) Dispatch(_ context.Context, facetName string, _ map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("dispatch: null dispatcher cannot dispatch %q", facetName)
}

// InMemory maps facet name to a function reference, with short-name
// fallback: a qualified "ns.Facet" falls back to a handler registered
// under "Facet".
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewInMemory creates an empty in-memory dispatcher.
func NewInMemory() *InMemory {
	return &InMemory{handlers: make(map[string]HandlerFunc)}
}

// Register binds fn to facetName, replacing any existing binding.
func (d *InMemory) Register(facetName string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[facetName] = fn
}

func (d *InMemory) resolve(facetName string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if fn, ok := d.handlers[facetName]; ok {
		return fn, true
	}
	if idx := strings.LastIndex(facetName, "."); idx >= 0 {
		if fn, ok := d.handlers[facetName[idx+1:]]; ok {
			return fn, true
		}
	}
	return nil, false
}

func (d *InMemory) CanDispatch(facetName string) bool {
	_, ok := d.resolve(facetName)
	return ok
}

// Names returns every facet name currently registered, in no particular
// order. Used by runner.AgentPoller to build its claim candidate list.
func (d *InMemory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Lookup resolves facetName to its registered handler, applying the same
// short-name fallback as Dispatch/CanDispatch.
func (d *InMemory) Lookup(facetName string) (HandlerFunc, bool) {
	return d.resolve(facetName)
}

func (d *InMemory) Dispatch(ctx context.Context, facetName string, payload map[string]any) (map[string]any, error) {
	fn, ok := d.resolve(facetName)
	if !ok {
		return nil, fmt.Errorf("dispatch: no handler registered for %q", facetName)
	}
	return fn(ctx, payload)
}

// Composite chains dispatchers in priority order; the first with a
// positive CanDispatch wins.
type Composite struct {
	chain []Dispatcher
}

// NewComposite builds a Composite over ds in priority order.
func NewComposite(ds ...Dispatcher) *Composite {
	return &Composite{chain: ds}
}

func (c *Composite) CanDispatch(facetName string) bool {
	for _, d := range c.chain {
		if d.CanDispatch(facetName) {
			return true
		}
	}
	return false
}

func (c *Composite) Dispatch(ctx context.Context, facetName string, payload map[string]any) (map[string]any, error) {
	for _, d := range c.chain {
		if d.CanDispatch(facetName) {
			return d.Dispatch(ctx, facetName, payload)
		}
	}
	return nil, fmt.Errorf("dispatch: no dispatcher in chain can dispatch %q", facetName)
}

// Loader resolves a HandlerRegistration's module URI and entrypoint to an
// invocable HandlerFunc. Dynamic loading by URI string needs the
// embedding application to supply a static function (typically a switch
// over known module URIs, or a lookup into a statically linked plugin
// registry) rather than the engine performing dynamic source-language
// imports.
type Loader func(moduleURI, entrypoint string) (HandlerFunc, error)

// Registry is backed by persisted HandlerRegistration records and
// caches loaded handlers by (module_uri, checksum) so a
// registration update (new checksum) invalidates the cache entry without
// an explicit eviction call.
type Registry struct {
	store backend.HandlerRegistry
	load  Loader

	mu    sync.Mutex
	cache map[string]HandlerFunc
}

// NewRegistry builds a Registry dispatcher over store, using load to
// resolve registrations into invocable handlers.
func NewRegistry(store backend.HandlerRegistry, load Loader) *Registry {
	return &Registry{store: store, load: load, cache: make(map[string]HandlerFunc)}
}

func (r *Registry) CanDispatch(facetName string) bool {
	reg, err := r.store.GetHandlerRegistration(context.Background(), facetName)
	return err == nil && reg != nil
}

func (r *Registry) Dispatch(ctx context.Context, facetName string, payload map[string]any) (map[string]any, error) {
	reg, err := r.store.GetHandlerRegistration(ctx, facetName)
	if err != nil {
		return nil, fmt.Errorf("dispatch: no registration for %q: %w", facetName, err)
	}
	fn, err := r.loadCached(reg)
	if err != nil {
		return nil, err
	}
	return fn(ctx, payload)
}

func (r *Registry) loadCached(reg *backend.HandlerRegistration) (HandlerFunc, error) {
	key := reg.ModuleURI + "@" + reg.Checksum
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.cache[key]; ok {
		return fn, nil
	}
	fn, err := r.load(reg.ModuleURI, reg.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("dispatch: loading handler for %q from %q: %w", reg.FacetName, reg.ModuleURI, err)
	}
	r.cache[key] = fn
	return fn, nil
}
