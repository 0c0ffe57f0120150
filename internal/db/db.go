package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a database/sql connection pool over the embedded SQLite file
// that holds all orchestrator state. It is safe for concurrent use; writers
// that touch multiple rows atomically run inside a single transaction.
type Store struct {
	Pool *sql.DB
}

// DBTX is satisfied by both *sql.DB and *sql.Tx, so query helpers can run
// standalone or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a Store over the SQLite database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time. A single connection avoids
	// SQLITE_BUSY between the scheduler, executors, and HTTP handlers.
	pool.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := pool.ExecContext(ctx, pragma); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.Pool.Close()
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.Pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// Timestamps are stored as RFC3339 UTC text with a fixed-width fraction so
// that ordering via string comparison matches chronological ordering.
// RFC3339Nano trims trailing zeros, which breaks lexicographic ORDER BY on
// the TEXT column.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func now() string {
	return ts(time.Now())
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_templates (
    template_id  TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS template_stages (
    template_stage_id  TEXT PRIMARY KEY,
    template_id        TEXT NOT NULL REFERENCES pipeline_templates(template_id) ON DELETE CASCADE,
    name               TEXT NOT NULL,
    stage_order        INTEGER NOT NULL,
    UNIQUE (template_id, stage_order)
);

CREATE TABLE IF NOT EXISTS template_jobs (
    template_job_id    TEXT PRIMARY KEY,
    template_stage_id  TEXT NOT NULL REFERENCES template_stages(template_stage_id) ON DELETE CASCADE,
    agent_type         TEXT NOT NULL,
    prompt_template    TEXT NOT NULL DEFAULT '',
    command_template   TEXT,
    max_iterations     INTEGER NOT NULL DEFAULT 50,
    timeout_seconds    INTEGER NOT NULL DEFAULT 300,
    max_retries        INTEGER NOT NULL DEFAULT 2,
    artifact_strategy  TEXT,
    retry_strategy     TEXT,
    job_multiplier     TEXT
);

CREATE TABLE IF NOT EXISTS template_job_dependencies (
    template_job_id             TEXT NOT NULL REFERENCES template_jobs(template_job_id) ON DELETE CASCADE,
    depends_on_template_job_id  TEXT NOT NULL REFERENCES template_jobs(template_job_id) ON DELETE CASCADE,
    dependency_type             TEXT NOT NULL DEFAULT 'success',
    PRIMARY KEY (template_job_id, depends_on_template_job_id)
);

CREATE TABLE IF NOT EXISTS pipelines (
    pipeline_id      TEXT PRIMARY KEY,
    template_id      TEXT,
    original_prompt  TEXT NOT NULL,
    workspace_path   TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    completed_at     TEXT
);

CREATE TABLE IF NOT EXISTS stages (
    stage_id     TEXT PRIMARY KEY,
    pipeline_id  TEXT NOT NULL REFERENCES pipelines(pipeline_id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    stage_order  INTEGER NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TEXT NOT NULL,
    UNIQUE (pipeline_id, stage_order)
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id              TEXT PRIMARY KEY,
    pipeline_id         TEXT NOT NULL REFERENCES pipelines(pipeline_id) ON DELETE CASCADE,
    stage_id            TEXT NOT NULL REFERENCES stages(stage_id) ON DELETE CASCADE,
    agent_type          TEXT NOT NULL,
    prompt              TEXT NOT NULL DEFAULT '',
    original_prompt     TEXT NOT NULL DEFAULT '',
    command             TEXT,
    max_iterations      INTEGER NOT NULL DEFAULT 50,
    timeout_seconds     INTEGER NOT NULL DEFAULT 300,
    allowed_paths       TEXT NOT NULL DEFAULT '[]',
    artifact_strategy   TEXT,
    retry_strategy      TEXT,
    template_job_id     TEXT,
    parent_job_id       TEXT,
    status              TEXT NOT NULL DEFAULT 'pending',
    iteration           INTEGER NOT NULL DEFAULT 0,
    retry_count         INTEGER NOT NULL DEFAULT 0,
    max_retries         INTEGER NOT NULL DEFAULT 2,
    termination_reason  TEXT,
    job_output          TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    started_at          TEXT,
    completed_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_pipeline ON jobs(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id, template_job_id);

CREATE TABLE IF NOT EXISTS job_dependencies (
    job_id             TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    depends_on_job_id  TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    dependency_type    TEXT NOT NULL DEFAULT 'success',
    PRIMARY KEY (job_id, depends_on_job_id)
);

CREATE INDEX IF NOT EXISTS idx_job_deps_upstream ON job_dependencies(depends_on_job_id);

CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id  TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    type         TEXT NOT NULL,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    file_path    TEXT,
    content      TEXT,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    metadata     TEXT,
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);

CREATE TABLE IF NOT EXISTS action_history (
    job_id        TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    iteration     INTEGER NOT NULL,
    timestamp     TEXT NOT NULL,
    llm_response  TEXT NOT NULL DEFAULT '{}',
    results       TEXT NOT NULL DEFAULT '[]',
    raw_stdout    TEXT NOT NULL DEFAULT '',
    raw_stderr    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_action_history_job ON action_history(job_id, iteration);
`
