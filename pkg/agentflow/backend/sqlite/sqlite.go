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

// Package sqlite provides a durable, single-node SQLite backend
// implementation of the persistence contract.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ast"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
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

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend, running pragma configuration and
// migrations before returning.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection also gives us a free
	// atomicity guarantee for claim_task without relying on a particular
	// isolation level.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			object_type TEXT NOT NULL,
			facet_name TEXT,
			statement_id TEXT,
			workflow_id TEXT NOT NULL,
			container_id TEXT,
			block_id TEXT,
			root_id TEXT,
			state TEXT NOT NULL,
			transition TEXT,
			attributes TEXT,
			foreach_var TEXT,
			foreach_value TEXT,
			statement_args TEXT,
			statement_arg_order TEXT,
			foreach_source_expr TEXT,
			schema_fields TEXT,
			yield_target TEXT,
			bodies TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow_state ON steps(workflow_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_block ON steps(block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_container ON steps(container_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			step_id TEXT NOT NULL,
			workflow_id TEXT,
			flow_id TEXT,
			runner_id TEXT,
			state TEXT NOT NULL,
			task_list_name TEXT,
			data TEXT,
			error TEXT,
			created_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_step ON tasks(step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, task_list_name, name)`,
		// Enforces "at most one running task per step" even under a bug in
		// application-level claim logic.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_running_per_step
			ON tasks(step_id) WHERE state = 'running'`,
		`CREATE TABLE IF NOT EXISTS locks (
			key TEXT PRIMARY KEY,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS handler_registrations (
			facet_name TEXT PRIMARY KEY,
			module_uri TEXT,
			entrypoint TEXT,
			version TEXT,
			checksum TEXT,
			timeout_ms INTEGER,
			requirements TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			workflow_id TEXT,
			runner_id TEXT,
			facet_name TEXT,
			source TEXT,
			level TEXT,
			message TEXT,
			details TEXT,
			time TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_step ON step_logs(step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_workflow ON step_logs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			server_group TEXT,
			service_name TEXT,
			server_name TEXT,
			ips TEXT,
			start_time TEXT,
			ping_time TEXT,
			topics TEXT,
			handlers TEXT,
			handled TEXT,
			state TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			flow_id TEXT,
			ast TEXT,
			program_ast TEXT,
			inputs TEXT,
			root_step_id TEXT,
			status TEXT,
			step_count INTEGER DEFAULT 0,
			completed_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT,
			ast TEXT,
			metadata TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

// --- StepStore ---

func (b *Backend) SaveStep(ctx context.Context, step *backend.StepDefinition) error {
	attrsJSON, err := json.Marshal(attributesOnWire{
		Params:  step.Attributes.Params.Native(),
		Returns: step.Attributes.Returns.Native(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	transitionJSON, err := json.Marshal(step.Transition)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	foreachValJSON, err := json.Marshal(step.ForeachValue.Native())
	if err != nil {
		return fmt.Errorf("failed to marshal foreach_value: %w", err)
	}

	now := time.Now()
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	statementArgsJSON, err := json.Marshal(step.StatementArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal statement_args: %w", err)
	}
	statementArgOrderJSON, err := json.Marshal(step.StatementArgOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal statement_arg_order: %w", err)
	}
	schemaFieldsJSON, err := json.Marshal(step.SchemaFields)
	if err != nil {
		return fmt.Errorf("failed to marshal schema_fields: %w", err)
	}
	bodiesJSON, err := json.Marshal(step.Bodies)
	if err != nil {
		return fmt.Errorf("failed to marshal bodies: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO steps (id, object_type, facet_name, statement_id, workflow_id, container_id,
			block_id, root_id, state, transition, attributes, foreach_var, foreach_value,
			statement_args, statement_arg_order, foreach_source_expr, schema_fields, yield_target, bodies,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			object_type=excluded.object_type, facet_name=excluded.facet_name,
			statement_id=excluded.statement_id, workflow_id=excluded.workflow_id,
			container_id=excluded.container_id, block_id=excluded.block_id, root_id=excluded.root_id,
			state=excluded.state, transition=excluded.transition, attributes=excluded.attributes,
			foreach_var=excluded.foreach_var, foreach_value=excluded.foreach_value,
			statement_args=excluded.statement_args, statement_arg_order=excluded.statement_arg_order,
			foreach_source_expr=excluded.foreach_source_expr, schema_fields=excluded.schema_fields,
			yield_target=excluded.yield_target, bodies=excluded.bodies,
			updated_at=excluded.updated_at
	`,
		string(step.ID), string(step.ObjectType), step.FacetName, step.StatementID,
		string(step.WorkflowID), string(step.ContainerID), string(step.BlockID), string(step.RootID),
		string(step.State), string(transitionJSON), string(attrsJSON),
		step.ForeachVar, string(foreachValJSON),
		string(statementArgsJSON), string(statementArgOrderJSON), string(step.ForeachSourceExpr),
		string(schemaFieldsJSON), step.YieldTarget, string(bodiesJSON),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	step.CreatedAt = createdAt
	step.UpdatedAt = now
	return nil
}

type attributesOnWire struct {
	Params  map[string]any `json:"params"`
	Returns map[string]any `json:"returns"`
}

func (b *Backend) scanStep(row interface {
	Scan(dest ...any) error
}) (*backend.StepDefinition, error) {
	var s backend.StepDefinition
	var objectType, state string
	var containerID, blockID, rootID sql.NullString
	var transitionJSON, attrsJSON, foreachValJSON sql.NullString
	var statementArgsJSON, statementArgOrderJSON, foreachSourceExpr, schemaFieldsJSON, yieldTarget, bodiesJSON sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&s.ID, &objectType, &s.FacetName, &s.StatementID, &s.WorkflowID,
		&containerID, &blockID, &rootID, &state, &transitionJSON, &attrsJSON,
		&s.ForeachVar, &foreachValJSON,
		&statementArgsJSON, &statementArgOrderJSON, &foreachSourceExpr, &schemaFieldsJSON, &yieldTarget, &bodiesJSON,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	s.ForeachSourceExpr = ast.Expr(foreachSourceExpr.String)
	s.YieldTarget = yieldTarget.String
	if statementArgsJSON.Valid && statementArgsJSON.String != "" {
		if err := json.Unmarshal([]byte(statementArgsJSON.String), &s.StatementArgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statement_args: %w", err)
		}
	}
	if statementArgOrderJSON.Valid && statementArgOrderJSON.String != "" {
		if err := json.Unmarshal([]byte(statementArgOrderJSON.String), &s.StatementArgOrder); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statement_arg_order: %w", err)
		}
	}
	if schemaFieldsJSON.Valid && schemaFieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(schemaFieldsJSON.String), &s.SchemaFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schema_fields: %w", err)
		}
	}
	if bodiesJSON.Valid && bodiesJSON.String != "" {
		if err := json.Unmarshal([]byte(bodiesJSON.String), &s.Bodies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bodies: %w", err)
		}
	}

	s.ObjectType = backend.ObjectType(objectType)
	s.State = backend.StepState(state)
	s.ContainerID = ids.StepID(containerID.String)
	s.BlockID = ids.StepID(blockID.String)
	s.RootID = ids.StepID(rootID.String)

	if transitionJSON.Valid && transitionJSON.String != "" {
		if err := json.Unmarshal([]byte(transitionJSON.String), &s.Transition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transition: %w", err)
		}
	}

	s.Attributes = ids.NewFacetAttributes()
	if attrsJSON.Valid && attrsJSON.String != "" {
		var wire attributesOnWire
		if err := json.Unmarshal([]byte(attrsJSON.String), &wire); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
		for k, v := range wire.Params {
			val, err := ids.FromNative(v)
			if err != nil {
				return nil, err
			}
			s.Attributes.Params.Set(k, val)
		}
		for k, v := range wire.Returns {
			val, err := ids.FromNative(v)
			if err != nil {
				return nil, err
			}
			s.Attributes.Returns.Set(k, val)
		}
	}

	if foreachValJSON.Valid && foreachValJSON.String != "" && foreachValJSON.String != "null" {
		var native any
		if err := json.Unmarshal([]byte(foreachValJSON.String), &native); err != nil {
			return nil, fmt.Errorf("failed to unmarshal foreach_value: %w", err)
		}
		v, err := ids.FromNative(native)
		if err != nil {
			return nil, err
		}
		s.ForeachValue = v
	}

	var err error
	s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const stepColumns = `id, object_type, facet_name, statement_id, workflow_id, container_id,
	block_id, root_id, state, transition, attributes, foreach_var, foreach_value,
	statement_args, statement_arg_order, foreach_source_expr, schema_fields, yield_target, bodies,
	created_at, updated_at`

func (b *Backend) GetStep(ctx context.Context, id ids.StepID) (*backend.StepDefinition, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, string(id))
	s, err := b.scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: step not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return s, nil
}

func (b *Backend) queryStepRows(ctx context.Context, query string, args ...any) ([]*backend.StepDefinition, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []*backend.StepDefinition
	for rows.Next() {
		s, err := b.scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) GetStepsByBlock(ctx context.Context, blockID ids.StepID) ([]*backend.StepDefinition, error) {
	return b.queryStepRows(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE block_id = ? ORDER BY created_at`, string(blockID))
}

func (b *Backend) GetStepsByState(ctx context.Context, workflowID ids.WorkflowID, state backend.StepState) ([]*backend.StepDefinition, error) {
	return b.queryStepRows(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? AND state = ? ORDER BY created_at`,
		string(workflowID), string(state))
}

func (b *Backend) GetBlocksByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepDefinition, error) {
	return b.queryStepRows(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE container_id = ?
			AND object_type IN ('AndThen', 'AndMap', 'AndMatch') ORDER BY created_at`, string(stepID))
}

// --- TaskStore ---

func (b *Backend) SaveTask(ctx context.Context, task *backend.TaskDefinition) error {
	return b.saveTaskTx(ctx, b.db, task)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) saveTaskTx(ctx context.Context, ex execer, task *backend.TaskDefinition) error {
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal task data: %w", err)
	}

	nowMs := time.Now().UnixMilli()
	createdMs := task.CreatedMs
	if createdMs == 0 {
		createdMs = nowMs
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (id, name, step_id, workflow_id, flow_id, runner_id, state,
			task_list_name, data, error, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, step_id=excluded.step_id, workflow_id=excluded.workflow_id,
			flow_id=excluded.flow_id, runner_id=excluded.runner_id, state=excluded.state,
			task_list_name=excluded.task_list_name, data=excluded.data, error=excluded.error,
			updated_ms=excluded.updated_ms
	`,
		string(task.ID), task.Name, string(task.StepID), string(task.WorkflowID),
		string(task.FlowID), string(task.RunnerID), string(task.State),
		task.TaskListName, string(dataJSON), task.Error, createdMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	task.CreatedMs = createdMs
	task.UpdatedMs = nowMs
	return nil
}

const taskColumns = `id, name, step_id, workflow_id, flow_id, runner_id, state,
	task_list_name, data, error, created_ms, updated_ms`

func scanTask(row interface{ Scan(dest ...any) error }) (*backend.TaskDefinition, error) {
	var t backend.TaskDefinition
	var state string
	var dataJSON sql.NullString

	if err := row.Scan(
		&t.ID, &t.Name, &t.StepID, &t.WorkflowID, &t.FlowID, &t.RunnerID, &state,
		&t.TaskListName, &dataJSON, &t.Error, &t.CreatedMs, &t.UpdatedMs,
	); err != nil {
		return nil, err
	}
	t.State = backend.TaskState(state)
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &t.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task data: %w", err)
		}
	}
	return &t, nil
}

func (b *Backend) GetTask(ctx context.Context, id ids.TaskID) (*backend.TaskDefinition, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func (b *Backend) GetTaskForStep(ctx context.Context, stepID ids.StepID) (*backend.TaskDefinition, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE step_id = ? ORDER BY updated_ms DESC LIMIT 1`, string(stepID))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task for step: %w", err)
	}
	return t, nil
}

// ClaimTask atomically transitions exactly one matching pending task to
// running inside a transaction; with a single connection (SetMaxOpenConns(1))
// no other caller can interleave between the candidate SELECT and the
// conditional UPDATE.
func (b *Backend) ClaimTask(ctx context.Context, candidateNames []string, taskListName string) (*backend.TaskDefinition, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.state = 'pending'
		AND (? = '' OR t.task_list_name = ?)
		AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.step_id = t.step_id AND r.state = 'running')`
	args := []any{taskListName, taskListName}

	if len(candidateNames) > 0 {
		placeholders := ""
		for i, name := range candidateNames {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, name)
		}
		query += ` AND t.name IN (` + placeholders + `)`
	}
	query += ` ORDER BY t.created_ms ASC LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = 'running', updated_ms = ? WHERE id = ? AND state = 'pending'`,
		time.Now().UnixMilli(), string(task.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to inspect claim result: %w", err)
	}
	if n == 0 {
		// Lost a race to a concurrent process despite the single-connection
		// pool (e.g. a WAL-mode reader); report no task rather than error.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.State = backend.TaskRunning
	return task, nil
}

// --- CommitStore ---

// Commit applies every step/task/log mutation inside a single transaction.
func (b *Backend) Commit(ctx context.Context, changes *backend.IterationChanges) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range changes.Steps {
		if err := b.saveStepTx(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, t := range changes.Tasks {
		if err := b.saveTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, l := range changes.Logs {
		if err := b.saveStepLogTx(ctx, tx, l); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit iteration changes: %w", err)
	}
	return nil
}

func (b *Backend) saveStepTx(ctx context.Context, ex execer, step *backend.StepDefinition) error {
	// Reuses the same upsert statement as SaveStep against whichever
	// executor (db or tx) is given.
	return (&txScopedBackend{ex: ex}).SaveStep(ctx, step)
}

func (b *Backend) saveStepLogTx(ctx context.Context, ex execer, entry *backend.StepLogEntry) error {
	return (&txScopedBackend{ex: ex}).SaveStepLog(ctx, entry)
}

// txScopedBackend reruns the exec-only write paths against an execer that
// may be either *sql.DB or *sql.Tx, so commit logic does not duplicate the
// marshaling code from the single-statement methods above.
type txScopedBackend struct {
	ex execer
}

func (t *txScopedBackend) SaveStep(ctx context.Context, step *backend.StepDefinition) error {
	attrsJSON, err := json.Marshal(attributesOnWire{
		Params:  step.Attributes.Params.Native(),
		Returns: step.Attributes.Returns.Native(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	transitionJSON, err := json.Marshal(step.Transition)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	foreachValJSON, err := json.Marshal(step.ForeachValue.Native())
	if err != nil {
		return fmt.Errorf("failed to marshal foreach_value: %w", err)
	}

	statementArgsJSON, err := json.Marshal(step.StatementArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal statement_args: %w", err)
	}
	statementArgOrderJSON, err := json.Marshal(step.StatementArgOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal statement_arg_order: %w", err)
	}
	schemaFieldsJSON, err := json.Marshal(step.SchemaFields)
	if err != nil {
		return fmt.Errorf("failed to marshal schema_fields: %w", err)
	}
	bodiesJSON, err := json.Marshal(step.Bodies)
	if err != nil {
		return fmt.Errorf("failed to marshal bodies: %w", err)
	}

	now := time.Now()
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = t.ex.ExecContext(ctx, `
		INSERT INTO steps (id, object_type, facet_name, statement_id, workflow_id, container_id,
			block_id, root_id, state, transition, attributes, foreach_var, foreach_value,
			statement_args, statement_arg_order, foreach_source_expr, schema_fields, yield_target, bodies,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			object_type=excluded.object_type, facet_name=excluded.facet_name,
			statement_id=excluded.statement_id, workflow_id=excluded.workflow_id,
			container_id=excluded.container_id, block_id=excluded.block_id, root_id=excluded.root_id,
			state=excluded.state, transition=excluded.transition, attributes=excluded.attributes,
			foreach_var=excluded.foreach_var, foreach_value=excluded.foreach_value,
			statement_args=excluded.statement_args, statement_arg_order=excluded.statement_arg_order,
			foreach_source_expr=excluded.foreach_source_expr, schema_fields=excluded.schema_fields,
			yield_target=excluded.yield_target, bodies=excluded.bodies,
			updated_at=excluded.updated_at
	`,
		string(step.ID), string(step.ObjectType), step.FacetName, step.StatementID,
		string(step.WorkflowID), string(step.ContainerID), string(step.BlockID), string(step.RootID),
		string(step.State), string(transitionJSON), string(attrsJSON),
		step.ForeachVar, string(foreachValJSON),
		string(statementArgsJSON), string(statementArgOrderJSON), string(step.ForeachSourceExpr),
		string(schemaFieldsJSON), step.YieldTarget, string(bodiesJSON),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	step.CreatedAt = createdAt
	step.UpdatedAt = now
	return nil
}

func (t *txScopedBackend) SaveStepLog(ctx context.Context, entry *backend.StepLogEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal step log details: %w", err)
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	_, err = t.ex.ExecContext(ctx, `
		INSERT INTO step_logs (id, step_id, workflow_id, runner_id, facet_name, source, level, message, details, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(entry.ID), string(entry.StepID), string(entry.WorkflowID), string(entry.RunnerID),
		entry.FacetName, string(entry.Source), string(entry.Level), entry.Message,
		string(detailsJSON), entry.Time.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save step log: %w", err)
	}
	return nil
}

// --- LockStore ---

func (b *Backend) AcquireLock(ctx context.Context, key ids.LockKey, duration time.Duration, meta map[string]any) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var expiresAt string
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM locks WHERE key = ?`, string(key)).Scan(&expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read lock: %w", err)
	}
	if err == nil {
		existingExpiry, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr == nil && existingExpiry.After(now) {
			return false, nil
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (key, acquired_at, expires_at, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET acquired_at=excluded.acquired_at, expires_at=excluded.expires_at, metadata=excluded.metadata
	`, string(key), now.Format(time.RFC3339Nano), now.Add(duration).Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock acquisition: %w", err)
	}
	return true, nil
}

func (b *Backend) ExtendLock(ctx context.Context, key ids.LockKey, duration time.Duration) (bool, error) {
	now := time.Now()
	res, err := b.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE key = ? AND expires_at > ?`,
		now.Add(duration).Format(time.RFC3339Nano), string(key), now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, key ids.LockKey) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ?`, string(key))
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- HandlerRegistry ---

func (b *Backend) SaveHandlerRegistration(ctx context.Context, reg *backend.HandlerRegistration) error {
	reqJSON, err := json.Marshal(reg.Requirements)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(reg.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO handler_registrations (facet_name, module_uri, entrypoint, version, checksum, timeout_ms, requirements, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(facet_name) DO UPDATE SET
			module_uri=excluded.module_uri, entrypoint=excluded.entrypoint, version=excluded.version,
			checksum=excluded.checksum, timeout_ms=excluded.timeout_ms, requirements=excluded.requirements,
			metadata=excluded.metadata
	`, reg.FacetName, reg.ModuleURI, reg.Entrypoint, reg.Version, reg.Checksum, reg.TimeoutMs,
		string(reqJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to save handler registration: %w", err)
	}
	return nil
}

func (b *Backend) GetHandlerRegistration(ctx context.Context, facetName string) (*backend.HandlerRegistration, error) {
	var reg backend.HandlerRegistration
	var reqJSON, metaJSON sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT facet_name, module_uri, entrypoint, version, checksum, timeout_ms, requirements, metadata
		FROM handler_registrations WHERE facet_name = ?`, facetName).Scan(
		&reg.FacetName, &reg.ModuleURI, &reg.Entrypoint, &reg.Version, &reg.Checksum, &reg.TimeoutMs,
		&reqJSON, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: handler registration not found: %s", facetName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handler registration: %w", err)
	}
	if reqJSON.Valid && reqJSON.String != "" {
		if err := json.Unmarshal([]byte(reqJSON.String), &reg.Requirements); err != nil {
			return nil, err
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &reg.Metadata); err != nil {
			return nil, err
		}
	}
	return &reg, nil
}

func (b *Backend) ListHandlerRegistrations(ctx context.Context) ([]*backend.HandlerRegistration, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT facet_name, module_uri, entrypoint, version, checksum, timeout_ms, requirements, metadata
		FROM handler_registrations ORDER BY facet_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list handler registrations: %w", err)
	}
	defer rows.Close()

	var out []*backend.HandlerRegistration
	for rows.Next() {
		var reg backend.HandlerRegistration
		var reqJSON, metaJSON sql.NullString
		if err := rows.Scan(&reg.FacetName, &reg.ModuleURI, &reg.Entrypoint, &reg.Version,
			&reg.Checksum, &reg.TimeoutMs, &reqJSON, &metaJSON); err != nil {
			return nil, err
		}
		if reqJSON.Valid && reqJSON.String != "" {
			_ = json.Unmarshal([]byte(reqJSON.String), &reg.Requirements)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &reg.Metadata)
		}
		out = append(out, &reg)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteHandlerRegistration(ctx context.Context, facetName string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM handler_registrations WHERE facet_name = ?`, facetName)
	return err
}

// --- StepLogStore ---

func (b *Backend) SaveStepLog(ctx context.Context, entry *backend.StepLogEntry) error {
	return (&txScopedBackend{ex: b.db}).SaveStepLog(ctx, entry)
}

func (b *Backend) GetStepLogsByStep(ctx context.Context, stepID ids.StepID) ([]*backend.StepLogEntry, error) {
	return b.queryStepLogs(ctx, `WHERE step_id = ?`, string(stepID))
}

func (b *Backend) GetStepLogsByWorkflow(ctx context.Context, workflowID ids.WorkflowID) ([]*backend.StepLogEntry, error) {
	return b.queryStepLogs(ctx, `WHERE workflow_id = ?`, string(workflowID))
}

func (b *Backend) queryStepLogs(ctx context.Context, where string, arg string) ([]*backend.StepLogEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, step_id, workflow_id, runner_id, facet_name, source, level, message, details, time
		FROM step_logs `+where+` ORDER BY time`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query step logs: %w", err)
	}
	defer rows.Close()

	var out []*backend.StepLogEntry
	for rows.Next() {
		var e backend.StepLogEntry
		var source, level, detailsJSON, timeStr string
		if err := rows.Scan(&e.ID, &e.StepID, &e.WorkflowID, &e.RunnerID, &e.FacetName,
			&source, &level, &e.Message, &detailsJSON, &timeStr); err != nil {
			return nil, err
		}
		e.Source = backend.LogSource(source)
		e.Level = backend.LogLevel(level)
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, timeStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- ServerRegistry ---

func (b *Backend) SaveServer(ctx context.Context, server *backend.ServerDefinition) error {
	ipsJSON, _ := json.Marshal(server.IPs)
	topicsJSON, _ := json.Marshal(server.Topics)
	handlersJSON, _ := json.Marshal(server.Handlers)
	handledJSON, _ := json.Marshal(server.Handled)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO servers (id, server_group, service_name, server_name, ips, start_time, ping_time,
			topics, handlers, handled, state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_group=excluded.server_group, service_name=excluded.service_name,
			server_name=excluded.server_name, ips=excluded.ips, ping_time=excluded.ping_time,
			topics=excluded.topics, handlers=excluded.handlers, handled=excluded.handled,
			state=excluded.state, error=excluded.error
	`, string(server.ID), server.ServerGroup, server.ServiceName, server.ServerName, string(ipsJSON),
		server.StartTime.Format(time.RFC3339Nano), server.PingTime.Format(time.RFC3339Nano),
		string(topicsJSON), string(handlersJSON), string(handledJSON), string(server.State), server.Error)
	if err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}
	return nil
}

func (b *Backend) scanServer(row interface{ Scan(dest ...any) error }) (*backend.ServerDefinition, error) {
	var s backend.ServerDefinition
	var ipsJSON, topicsJSON, handlersJSON, handledJSON sql.NullString
	var startTime, pingTime, state string
	if err := row.Scan(&s.ID, &s.ServerGroup, &s.ServiceName, &s.ServerName, &ipsJSON,
		&startTime, &pingTime, &topicsJSON, &handlersJSON, &handledJSON, &state, &s.Error); err != nil {
		return nil, err
	}
	s.State = backend.ServerState(state)
	s.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
	s.PingTime, _ = time.Parse(time.RFC3339Nano, pingTime)
	if ipsJSON.Valid {
		_ = json.Unmarshal([]byte(ipsJSON.String), &s.IPs)
	}
	if topicsJSON.Valid {
		_ = json.Unmarshal([]byte(topicsJSON.String), &s.Topics)
	}
	if handlersJSON.Valid {
		_ = json.Unmarshal([]byte(handlersJSON.String), &s.Handlers)
	}
	if handledJSON.Valid {
		_ = json.Unmarshal([]byte(handledJSON.String), &s.Handled)
	}
	return &s, nil
}

func (b *Backend) GetServer(ctx context.Context, id ids.ServerID) (*backend.ServerDefinition, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, server_group, service_name, server_name, ips, start_time, ping_time,
			topics, handlers, handled, state, error FROM servers WHERE id = ?`, string(id))
	s, err := b.scanServer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: server not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return s, nil
}

func (b *Backend) ListServers(ctx context.Context) ([]*backend.ServerDefinition, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, server_group, service_name, server_name, ips, start_time, ping_time,
			topics, handlers, handled, state, error FROM servers`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()
	var out []*backend.ServerDefinition
	for rows.Next() {
		s, err := b.scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) Heartbeat(ctx context.Context, id ids.ServerID, pingTime time.Time) error {
	res, err := b.db.ExecContext(ctx, `UPDATE servers SET ping_time = ? WHERE id = ?`,
		pingTime.Format(time.RFC3339Nano), string(id))
	if err != nil {
		return fmt.Errorf("failed to heartbeat server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite backend: server not found: %s", id)
	}
	return nil
}

func (b *Backend) DeleteServer(ctx context.Context, id ids.ServerID) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, string(id))
	return err
}

// --- WorkflowStore ---

func (b *Backend) SaveWorkflow(ctx context.Context, wf *backend.WorkflowDefinition) error {
	astJSON, _ := json.Marshal(wf.AST)
	programJSON, _ := json.Marshal(wf.ProgramAST)
	inputsJSON, _ := json.Marshal(wf.Inputs)

	now := time.Now()
	createdAt := wf.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, flow_id, ast, program_ast, inputs, root_step_id, status,
			step_count, completed_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow_id=excluded.flow_id, ast=excluded.ast, program_ast=excluded.program_ast,
			inputs=excluded.inputs, root_step_id=excluded.root_step_id, status=excluded.status,
			step_count=excluded.step_count, completed_count=excluded.completed_count,
			updated_at=excluded.updated_at
	`, string(wf.ID), string(wf.FlowID), string(astJSON), string(programJSON), string(inputsJSON),
		string(wf.RootStepID), wf.Status, wf.StepCount, wf.CompletedCount,
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	wf.CreatedAt = createdAt
	wf.UpdatedAt = now
	return nil
}

func (b *Backend) GetWorkflow(ctx context.Context, id ids.WorkflowID) (*backend.WorkflowDefinition, error) {
	var wf backend.WorkflowDefinition
	var astJSON, programJSON, inputsJSON sql.NullString
	var createdAt, updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT id, flow_id, ast, program_ast, inputs, root_step_id, status, step_count,
			completed_count, created_at, updated_at FROM workflows WHERE id = ?`, string(id)).Scan(
		&wf.ID, &wf.FlowID, &astJSON, &programJSON, &inputsJSON, &wf.RootStepID, &wf.Status,
		&wf.StepCount, &wf.CompletedCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: workflow not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if astJSON.Valid {
		_ = json.Unmarshal([]byte(astJSON.String), &wf.AST)
	}
	if programJSON.Valid {
		_ = json.Unmarshal([]byte(programJSON.String), &wf.ProgramAST)
	}
	if inputsJSON.Valid {
		_ = json.Unmarshal([]byte(inputsJSON.String), &wf.Inputs)
	}
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &wf, nil
}

func (b *Backend) SaveFlow(ctx context.Context, flow *backend.FlowDefinition) error {
	astJSON, _ := json.Marshal(flow.AST)
	metaJSON, _ := json.Marshal(flow.Metadata)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, ast, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, ast=excluded.ast, metadata=excluded.metadata
	`, string(flow.ID), flow.Name, string(astJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

func (b *Backend) GetFlow(ctx context.Context, id ids.FlowID) (*backend.FlowDefinition, error) {
	var f backend.FlowDefinition
	var astJSON, metaJSON sql.NullString
	err := b.db.QueryRowContext(ctx, `SELECT id, name, ast, metadata FROM flows WHERE id = ?`, string(id)).
		Scan(&f.ID, &f.Name, &astJSON, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite backend: flow not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	if astJSON.Valid {
		_ = json.Unmarshal([]byte(astJSON.String), &f.AST)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &f.Metadata)
	}
	return &f, nil
}
