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

// Package registry loads HandlerRegistration records from a directory of
// YAML files and keeps the backend's HandlerRegistry in sync with them,
// watching the directory with fsnotify so a RegistryRunner picks up an
// added, edited or removed handler file without a process restart.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	agentlog "github.com/agentflow-run/agentflow/internal/log"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
)

// fileRegistration is the on-disk shape of one handler registration file,
// mirroring backend.HandlerRegistration field-for-field.
type fileRegistration struct {
	FacetName    string         `yaml:"facet_name"`
	ModuleURI    string         `yaml:"module_uri"`
	Entrypoint   string         `yaml:"entrypoint"`
	Version      string         `yaml:"version"`
	Checksum     string         `yaml:"checksum"`
	TimeoutMs    int64          `yaml:"timeout_ms"`
	Requirements []string       `yaml:"requirements"`
	Metadata     map[string]any `yaml:"metadata"`
}

func (f *fileRegistration) toBackend() *backend.HandlerRegistration {
	return &backend.HandlerRegistration{
		FacetName:    f.FacetName,
		ModuleURI:    f.ModuleURI,
		Entrypoint:   f.Entrypoint,
		Version:      f.Version,
		Checksum:     f.Checksum,
		TimeoutMs:    f.TimeoutMs,
		Requirements: f.Requirements,
		Metadata:     f.Metadata,
	}
}

// isRegistrationFile reports whether name looks like a handler
// registration file (yaml/yml extension).
func isRegistrationFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Loader watches a directory of handler registration files and mirrors
// them into a backend.HandlerRegistry.
type Loader struct {
	dir    string
	be     backend.HandlerRegistry
	logger *slog.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	facetByPath map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Loader over dir. It does not read the directory or
// start watching until LoadAll/Start are called.
func New(dir string, be backend.HandlerRegistry, logger *slog.Logger) (*Loader, error) {
	if be == nil {
		return nil, fmt.Errorf("registry: handler registry backend cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: resolving directory: %w", err)
	}
	return &Loader{
		dir:         absDir,
		be:          be,
		logger:      logger,
		facetByPath: make(map[string]string),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// LoadAll scans the directory once and upserts every registration file
// found into the backend, recording which facet name each path produced
// so a later removal event can find the right record to delete.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("registry: reading directory %s: %w", l.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRegistrationFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			l.logger.Error("registry: failed to load handler file", agentlog.Error(err), agentlog.String("path", path))
		}
	}
	return nil
}

func (l *Loader) loadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var fr fileRegistration
	if err := yaml.Unmarshal(raw, &fr); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if fr.FacetName == "" {
		return fmt.Errorf("%s: facet_name is required", path)
	}
	if err := l.be.SaveHandlerRegistration(ctx, fr.toBackend()); err != nil {
		return fmt.Errorf("saving registration for %s: %w", fr.FacetName, err)
	}

	l.mu.Lock()
	l.facetByPath[path] = fr.FacetName
	l.mu.Unlock()

	l.logger.Info("registry: loaded handler registration", agentlog.String("facet_name", fr.FacetName), agentlog.String("path", path))
	return nil
}

func (l *Loader) removeFile(ctx context.Context, path string) {
	l.mu.Lock()
	facetName, ok := l.facetByPath[path]
	if ok {
		delete(l.facetByPath, path)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.be.DeleteHandlerRegistration(ctx, facetName); err != nil {
		l.logger.Error("registry: failed to delete handler registration", agentlog.Error(err), agentlog.String("facet_name", facetName))
		return
	}
	l.logger.Info("registry: removed handler registration", agentlog.String("facet_name", facetName), agentlog.String("path", path))
}

// Start begins watching the directory for create/write/remove/rename
// events, applying each to the backend as it arrives. Call LoadAll first
// to establish the initial state.
func (l *Loader) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: creating watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("registry: watching %s: %w", l.dir, err)
	}
	l.watcher = w

	go l.eventLoop(ctx)
	return nil
}

func (l *Loader) eventLoop(ctx context.Context) {
	defer close(l.doneCh)
	defer l.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(ctx, event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("registry: watcher error", agentlog.Error(err))
		}
	}
}

func (l *Loader) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !isRegistrationFile(event.Name) {
		return
	}
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.removeFile(ctx, event.Name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := l.loadFile(ctx, event.Name); err != nil {
			l.logger.Error("registry: failed to reload handler file", agentlog.Error(err), agentlog.String("path", event.Name))
		}
	}
}

// Stop halts the watch loop. Safe to call even if Start was never called.
func (l *Loader) Stop() error {
	select {
	case <-l.stopCh:
		return nil
	default:
		close(l.stopCh)
	}
	if l.watcher == nil {
		return nil
	}
	<-l.doneCh
	return nil
}
