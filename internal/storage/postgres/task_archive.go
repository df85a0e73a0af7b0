// Package postgres provides the Postgres-backed archive of terminal tasks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "task_archive"

// ArchiveConfig controls the Postgres connection pool used for archived tasks.
type ArchiveConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// TaskArchive keeps a durable copy of completed and failed tasks after the
// cache record expires.
type TaskArchive struct {
	pool  pool
	table string
}

// NewTaskArchive creates a Postgres-backed TaskArchive using the provided config.
func NewTaskArchive(ctx context.Context, cfg ArchiveConfig) (*TaskArchive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskArchive{pool: p, table: table}, nil
}

// NewTaskArchiveWithPool constructs an archive from an existing pool (primarily for testing).
func NewTaskArchiveWithPool(p pool, table string) (*TaskArchive, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &TaskArchive{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (a *TaskArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// EnsureSchema creates the archive table when it does not exist.
func (a *TaskArchive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id      TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	platform     TEXT NOT NULL,
	keywords     JSONB NOT NULL,
	max_results  INTEGER NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}
	return nil
}

// SaveTask upserts a terminal task. Pending tasks are rejected.
func (a *TaskArchive) SaveTask(ctx context.Context, task gateway.Task) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("task archive is not configured")
	}
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !task.Status.Terminal() || task.CompletedAt == nil {
		return fmt.Errorf("task %s is not terminal", task.ID)
	}
	keywords, err := json.Marshal(task.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	var result []byte
	if len(task.Result) > 0 {
		result = task.Result
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	status,
	platform,
	keywords,
	max_results,
	attempts,
	error,
	result,
	created_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (task_id) DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	error = EXCLUDED.error,
	result = EXCLUDED.result,
	completed_at = EXCLUDED.completed_at`, a.table)

	args := []any{
		task.ID,
		string(task.Status),
		task.Platform,
		keywords,
		task.MaxResults,
		task.Attempts,
		task.Error,
		result,
		task.CreatedAt,
		*task.CompletedAt,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert archived task: %w", err)
	}
	return nil
}

// GetTask loads an archived task or returns gateway.ErrNotFound.
func (a *TaskArchive) GetTask(ctx context.Context, id string) (gateway.Task, error) {
	if a == nil || a.pool == nil {
		return gateway.Task{}, fmt.Errorf("task archive is not configured")
	}
	query := fmt.Sprintf(`
SELECT task_id, status, platform, keywords, max_results, attempts, error, result, created_at, completed_at
FROM %s WHERE task_id = $1`, a.table)

	var (
		task        gateway.Task
		status      string
		keywords    []byte
		result      []byte
		completedAt time.Time
	)
	err := a.pool.QueryRow(ctx, query, id).Scan(
		&task.ID,
		&status,
		&task.Platform,
		&keywords,
		&task.MaxResults,
		&task.Attempts,
		&task.Error,
		&result,
		&task.CreatedAt,
		&completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Task{}, gateway.ErrNotFound
	}
	if err != nil {
		return gateway.Task{}, fmt.Errorf("query archived task: %w", err)
	}
	if err := json.Unmarshal(keywords, &task.Keywords); err != nil {
		return gateway.Task{}, fmt.Errorf("decode keywords: %w", err)
	}
	task.Status = gateway.TaskStatus(status)
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	task.CompletedAt = &completedAt
	return task, nil
}

var _ gateway.TaskArchive = (*TaskArchive)(nil)
