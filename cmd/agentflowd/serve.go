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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentflow-run/agentflow/internal/config"
	agentlog "github.com/agentflow-run/agentflow/internal/log"
	"github.com/agentflow-run/agentflow/internal/registry"
	"github.com/agentflow-run/agentflow/internal/runner"
	"github.com/agentflow-run/agentflow/internal/telemetry"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend/memory"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend/sqlite"
	"github.com/agentflow-run/agentflow/pkg/agentflow/engine"
)

func newServeCommand() *cobra.Command {
	var handlersDir string
	var enableTracing bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the workflow engine and a RegistryRunner until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return runServe(cmd, configPath, handlersDir, enableTracing)
		},
	}
	cmd.Flags().StringVar(&handlersDir, "handlers-dir", "./handlers", "directory of YAML handler registration files")
	cmd.Flags().BoolVar(&enableTracing, "tracing", false, "emit OpenTelemetry spans to stdout")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, handlersDir string, enableTracing bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("agentflowd: loading config: %w", err)
	}

	logger := agentlog.New(&agentlog.Config{
		Level:     cfg.Log.Level,
		Format:    agentlog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	be, closeBackend, err := openBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("agentflowd: opening backend: %w", err)
	}
	defer closeBackend()

	metrics := telemetry.NewMetrics()

	tp, err := telemetry.NewTracerProvider(telemetry.TracingConfig{
		ServiceName:    "agentflowd",
		ServiceVersion: version,
		Enabled:        enableTracing,
		PrettyPrint:    true,
	})
	if err != nil {
		return fmt.Errorf("agentflowd: starting tracer provider: %w", err)
	}

	eng, err := engine.New(be, engine.WithLogger(logger), engine.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("agentflowd: constructing engine: %w", err)
	}

	if err := os.MkdirAll(handlersDir, 0o755); err != nil {
		return fmt.Errorf("agentflowd: preparing handlers directory: %w", err)
	}
	reg, err := registry.New(handlersDir, be, logger)
	if err != nil {
		return fmt.Errorf("agentflowd: constructing handler registry loader: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.LoadAll(ctx); err != nil {
		return fmt.Errorf("agentflowd: loading handler registrations: %w", err)
	}
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("agentflowd: starting handler registry watch: %w", err)
	}
	defer reg.Stop()

	rr := runner.NewRegistryRunner(be, eng, cfg.Runner, "agentflowd", builtinLoader, logger)
	rr.SetMetrics(metrics)

	var statusServer *http.Server
	if cfg.Runner.StatusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		statusServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Runner.StatusPort), Handler: mux}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", agentlog.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rr.Start(ctx)
	}()

	logger.Info("agentflowd started", agentlog.String("backend_type", cfg.Backend.Type))

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", agentlog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runner.ShutdownTimeout+5*time.Second)
		defer shutdownCancel()
		if err := rr.Stop(shutdownCtx); err != nil {
			logger.Error("runner shutdown error", agentlog.Error(err))
		}
		if statusServer != nil {
			_ = statusServer.Shutdown(shutdownCtx)
		}
		_ = tp.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agentflowd: runner exited: %w", err)
		}
	}
	return nil
}

func openBackend(cfg config.BackendConfig) (backend.Backend, func(), error) {
	switch cfg.Type {
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
		if err != nil {
			return nil, func() {}, err
		}
		return be, func() { _ = be.Close() }, nil
	default:
		be := memory.New()
		return be, func() { _ = be.Close() }, nil
	}
}
