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

// Package config loads process-wide runner/engine configuration, layering
// environment variable overrides on top of an optional YAML file and safe
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	agenterrors "github.com/agentflow-run/agentflow/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LogConfig configures the process's structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	// Type is "memory" or "sqlite".
	Type string `yaml:"type"`

	// Path is the sqlite database file path; ignored for "memory".
	Path string `yaml:"path,omitempty"`
}

// RunnerConfig configures one runner process.
type RunnerConfig struct {
	// TaskListName scopes which task list this runner claims from.
	TaskListName string `yaml:"task_list_name"`

	// TopicGlobs restricts the set of facets this runner services, matched
	// with doublestar glob semantics against the facet's qualified name
	// (empty means service every registered/handled facet).
	TopicGlobs []string `yaml:"topic_globs,omitempty"`

	PollInterval            time.Duration `yaml:"poll_interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	MaxConcurrent           int           `yaml:"max_concurrent"`
	RegistryRefreshInterval time.Duration `yaml:"registry_refresh_interval"`
	LockDuration            time.Duration `yaml:"lock_duration"`
	LockExtendInterval      time.Duration `yaml:"lock_extend_interval"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`

	// StatusPort serves a liveness/metrics endpoint over HTTP; 0 disables it.
	StatusPort int `yaml:"status_port"`
}

// Config is the complete process configuration for an agentflowd instance.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Backend BackendConfig `yaml:"backend"`
	Runner  RunnerConfig  `yaml:"runner"`
}

// Default returns a Config with safe, zero-config defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backend: BackendConfig{
			Type: "memory",
		},
		Runner: RunnerConfig{
			TaskListName:            "default",
			PollInterval:            1 * time.Second,
			HeartbeatInterval:       10 * time.Second,
			MaxConcurrent:           10,
			RegistryRefreshInterval: 30 * time.Second,
			LockDuration:            30 * time.Second,
			LockExtendInterval:      10 * time.Second,
			ShutdownTimeout:         30 * time.Second,
			StatusPort:              0,
		},
	}
}

// Load builds a Config from Default(), overlaying configPath's YAML (if
// non-empty) and then environment variables, in that precedence order
// (env wins). A missing configPath is an error; an empty configPath skips
// the file layer entirely.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &agenterrors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &agenterrors.ConfigError{Key: path, Reason: "parsing YAML", Cause: err}
	}
	return nil
}

// loadFromEnv overlays AGENTFLOW_*-prefixed environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("AGENTFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("AGENTFLOW_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("AGENTFLOW_LOG_SOURCE"); val != "" {
		c.Log.AddSource = truthy(val)
	}

	if val := os.Getenv("AGENTFLOW_BACKEND_TYPE"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("AGENTFLOW_BACKEND_PATH"); val != "" {
		c.Backend.Path = val
	}

	if val := os.Getenv("AGENTFLOW_TASK_LIST_NAME"); val != "" {
		c.Runner.TaskListName = val
	}
	if val := os.Getenv("AGENTFLOW_TOPIC_GLOBS"); val != "" {
		c.Runner.TopicGlobs = strings.Split(val, ",")
	}
	setDuration(&c.Runner.PollInterval, "AGENTFLOW_POLL_INTERVAL")
	setDuration(&c.Runner.HeartbeatInterval, "AGENTFLOW_HEARTBEAT_INTERVAL")
	setDuration(&c.Runner.RegistryRefreshInterval, "AGENTFLOW_REGISTRY_REFRESH_INTERVAL")
	setDuration(&c.Runner.LockDuration, "AGENTFLOW_LOCK_DURATION")
	setDuration(&c.Runner.LockExtendInterval, "AGENTFLOW_LOCK_EXTEND_INTERVAL")
	setDuration(&c.Runner.ShutdownTimeout, "AGENTFLOW_SHUTDOWN_TIMEOUT")
	if val := os.Getenv("AGENTFLOW_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.MaxConcurrent = n
		}
	}
	if val := os.Getenv("AGENTFLOW_STATUS_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.StatusPort = n
		}
	}
}

func setDuration(dst *time.Duration, envVar string) {
	val := os.Getenv(envVar)
	if val == "" {
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*dst = d
	}
}

func truthy(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks that the configuration's values are internally
// consistent and usable.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "sqlite":
	default:
		return &agenterrors.ConfigError{Key: "backend.type", Reason: fmt.Sprintf("unknown backend type %q (want \"memory\" or \"sqlite\")", c.Backend.Type)}
	}
	if c.Backend.Type == "sqlite" && c.Backend.Path == "" {
		return &agenterrors.ConfigError{Key: "backend.path", Reason: "required when backend.type is \"sqlite\""}
	}
	if c.Runner.MaxConcurrent <= 0 {
		return &agenterrors.ConfigError{Key: "runner.max_concurrent", Reason: "must be positive"}
	}
	if c.Runner.PollInterval <= 0 {
		return &agenterrors.ConfigError{Key: "runner.poll_interval", Reason: "must be positive"}
	}
	return nil
}
