// Package store is the relational state layer: projects, builds, log entries,
// artifacts, secrets, API tokens, and system settings, backed by SQLite with
// hand-written statements.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a uniqueness constraint rejects a write.
var ErrDuplicate = errors.New("store: duplicate")

// Store wraps the SQLite database.
//
// modernc.org/sqlite serializes writes internally, but the mutex keeps
// multi-statement transactions from interleaving with concurrent writers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS projects (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT NOT NULL,
		repo_external_id INTEGER NOT NULL UNIQUE,
		repo_full_name   TEXT NOT NULL,
		default_branch   TEXT NOT NULL DEFAULT 'main',
		installation_id  INTEGER NOT NULL DEFAULT 0,
		branch_filter    TEXT NOT NULL DEFAULT '',
		enable_pr_builds INTEGER NOT NULL DEFAULT 0,
		timeout_minutes  INTEGER NOT NULL DEFAULT 15 CHECK (timeout_minutes > 0),
		image_override   TEXT NOT NULL DEFAULT '',
		profile          TEXT NOT NULL DEFAULT '',
		webhook_secret   TEXT NOT NULL DEFAULT '',
		notify_on_finish INTEGER NOT NULL DEFAULT 0,
		last_build_at    INTEGER,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS builds (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id      INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		commit_sha      TEXT NOT NULL,
		branch          TEXT NOT NULL DEFAULT '',
		commit_message  TEXT NOT NULL DEFAULT '',
		commit_author   TEXT NOT NULL DEFAULT '',
		pull_request_no INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL CHECK (status IN
			('queued','running','success','failed','cancelled','timed_out')),
		"trigger"       TEXT NOT NULL CHECK ("trigger" IN ('push','pull_request','manual')),
		steps_total     INTEGER NOT NULL DEFAULT 0,
		steps_completed INTEGER NOT NULL DEFAULT 0,
		steps_failed    INTEGER NOT NULL DEFAULT 0,
		error_message   TEXT NOT NULL DEFAULT '',
		job_id          TEXT NOT NULL DEFAULT '',
		queued_at       INTEGER NOT NULL,
		started_at      INTEGER,
		finished_at     INTEGER,
		CHECK (started_at IS NULL OR started_at >= queued_at),
		CHECK (finished_at IS NULL OR (started_at IS NOT NULL AND finished_at >= started_at))
	);
	CREATE INDEX IF NOT EXISTS idx_builds_project ON builds(project_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);

	CREATE TABLE IF NOT EXISTS build_log_entries (
		build_id   INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		sequence   INTEGER NOT NULL CHECK (sequence > 0),
		type       TEXT NOT NULL,
		message    TEXT NOT NULL,
		step_name  TEXT NOT NULL DEFAULT '',
		timestamp  INTEGER NOT NULL,
		PRIMARY KEY (build_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS build_artifacts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id   INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		project_id INTEGER NOT NULL,
		name       TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		UNIQUE (build_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON build_artifacts(expires_at);

	CREATE TABLE IF NOT EXISTS project_secrets (
		project_id      INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		encrypted_value BLOB NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (project_id, name)
	);

	CREATE TABLE IF NOT EXISTS api_tokens (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      INTEGER NOT NULL DEFAULT 0,
		name         TEXT NOT NULL DEFAULT '',
		prefix       TEXT NOT NULL,
		token_hash   BLOB NOT NULL,
		created_at   INTEGER NOT NULL,
		last_used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_api_tokens_prefix ON api_tokens(prefix);

	CREATE TABLE IF NOT EXISTS system_settings (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		allow_registration INTEGER NOT NULL DEFAULT 1,
		updated_at         INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		delivery_id TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanErr maps sql.ErrNoRows to ErrNotFound and wraps everything else.
func scanErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
