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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Equal(t, 10, cfg.Runner.MaxConcurrent)
}

func TestValidateRejectsSQLiteWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.path")
}

func TestValidateRejectsUnknownBackendType(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.type")
}

func TestValidateRejectsNonPositiveMaxConcurrent(t *testing.T) {
	cfg := Default()
	cfg.Runner.MaxConcurrent = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("AGENTFLOW_LOG_LEVEL", "debug")
	t.Setenv("AGENTFLOW_BACKEND_TYPE", "sqlite")
	t.Setenv("AGENTFLOW_BACKEND_PATH", "/tmp/agentflow.db")
	t.Setenv("AGENTFLOW_MAX_CONCURRENT", "25")
	t.Setenv("AGENTFLOW_POLL_INTERVAL", "250ms")
	t.Setenv("AGENTFLOW_TOPIC_GLOBS", "ns.*,other.Facet")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "/tmp/agentflow.db", cfg.Backend.Path)
	assert.Equal(t, 25, cfg.Runner.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.Runner.PollInterval)
	assert.Equal(t, []string{"ns.*", "other.Facet"}, cfg.Runner.TopicGlobs)
}

func TestLoadFromFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "backend:\n  type: sqlite\n  path: /var/agentflow/data.db\nrunner:\n  max_concurrent: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	t.Setenv("AGENTFLOW_MAX_CONCURRENT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "/var/agentflow/data.db", cfg.Backend.Path)
	assert.Equal(t, 7, cfg.Runner.MaxConcurrent, "env overrides the file layer")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/agentflow/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [this is not a mapping"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
