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

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-run/agentflow/pkg/agentflow/backend/memory"
)

func writeRegistrationFile(t *testing.T, dir, name, facetName, moduleURI string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "facet_name: " + facetName + "\n" +
		"module_uri: " + moduleURI + "\n" +
		"entrypoint: Handle\n" +
		"version: v1\n" +
		"checksum: abc123\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAllUpsertsEveryRegistrationFile(t *testing.T) {
	dir := t.TempDir()
	writeRegistrationFile(t, dir, "agent.yaml", "ns.Agent", "builtin://ns-agent")
	writeRegistrationFile(t, dir, "other.yml", "ns.Other", "builtin://ns-other")
	// Non-matching extension must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore me"), 0o644))

	be := memory.New()
	l, err := New(dir, be, nil)
	require.NoError(t, err)

	require.NoError(t, l.LoadAll(context.Background()))

	regs, err := be.ListHandlerRegistrations(context.Background())
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	agent, err := be.GetHandlerRegistration(context.Background(), "ns.Agent")
	require.NoError(t, err)
	assert.Equal(t, "builtin://ns-agent", agent.ModuleURI)
	assert.Equal(t, "Handle", agent.Entrypoint)
}

func TestLoadFileRejectsMissingFacetName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("module_uri: builtin://x\n"), 0o644))

	be := memory.New()
	l, err := New(dir, be, nil)
	require.NoError(t, err)

	err = l.loadFile(context.Background(), path)
	assert.Error(t, err)
}

func TestStartPicksUpCreateAndRemoveEvents(t *testing.T) {
	dir := t.TempDir()
	be := memory.New()
	l, err := New(dir, be, nil)
	require.NoError(t, err)
	require.NoError(t, l.LoadAll(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	path := writeRegistrationFile(t, dir, "dynamic.yaml", "ns.Dynamic", "builtin://ns-dynamic")

	require.Eventually(t, func() bool {
		reg, err := be.GetHandlerRegistration(context.Background(), "ns.Dynamic")
		return err == nil && reg != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		_, err := be.GetHandlerRegistration(context.Background(), "ns.Dynamic")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
