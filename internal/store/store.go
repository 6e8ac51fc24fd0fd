// Package store is the single authoritative persistence layer: one SQLite
// database holding sessions, chat transcripts, agent runs, cron state, node
// pairing, and durable config entries. All orderings consumers rely on are
// derived in queries, never persisted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion1  = 1
	schemaChecksum1 = "rc-v1-2026-07-28-core-schema"

	// v2: node telemetry tables (invokes + events).
	schemaVersion2  = 2
	schemaChecksum2 = "rc-v2-2026-08-09-node-telemetry"

	schemaVersionLatest  = schemaVersion2
	schemaChecksumLatest = schemaChecksum2
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert collides with an existing row.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidTransition is returned when a state change is not in the
	// forward-only transition table.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

// Store wraps the SQLite database. It is safe for concurrent use; writes
// serialize on a single connection.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultDBPath returns ~/.reclaw/reclaw.db, falling back to the working
// directory when the home dir cannot be resolved.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".reclaw", "reclaw.db")
}

// Open opens (creating if needed) the database at path and brings the
// schema up to the latest version.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff plus jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") ||
		strings.Contains(msg, "(2067)")
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", version, schemaVersionLatest)
	}
	if version > 0 {
		if err := verifyChecksum(ctx, tx, version); err != nil {
			return err
		}
	}

	if version < schemaVersion1 {
		if err := applyMigration(ctx, tx, coreSchema, schemaVersion1, schemaChecksum1); err != nil {
			return err
		}
	}
	if version < schemaVersion2 {
		if err := applyMigration(ctx, tx, nodeTelemetrySchema, schemaVersion2, schemaChecksum2); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func verifyChecksum(ctx context.Context, tx *sql.Tx, version int) error {
	want := map[int]string{
		schemaVersion1: schemaChecksum1,
		schemaVersion2: schemaChecksum2,
	}[version]
	if want == "" {
		return fmt.Errorf("db schema version %d has no known checksum", version)
	}
	var got string
	if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, version).Scan(&got); err != nil {
		return fmt.Errorf("read schema checksum: %w", err)
	}
	if got != want {
		return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, got, want)
	}
	return nil
}

func applyMigration(ctx context.Context, tx *sql.Tx, statements []string, version int, checksum string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v%d: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, version, checksum); err != nil {
		return fmt.Errorf("record schema v%d: %w", version, err)
	}
	return nil
}

var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS config_entries (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL DEFAULT 'main',
		title TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at_ms DESC);`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
		text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		ts_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_ts ON chat_messages (session_key, ts_ms ASC);`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
		run_id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT 'main',
		source TEXT NOT NULL DEFAULT 'agent',
		state TEXT NOT NULL CHECK(state IN ('queued', 'running', 'completed', 'failed', 'aborted')),
		deferred INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		finished_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_runs_idem
		ON agent_runs (session_key, idempotency_key)
		WHERE idempotency_key IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs (session_key, created_at_ms DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_updated ON agent_runs (updated_at_ms DESC);`,
	`CREATE TABLE IF NOT EXISTS cron_jobs (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule_json TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		last_run_ms INTEGER,
		next_run_ms INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_jobs_next ON cron_jobs (next_run_ms ASC);`,
	`CREATE TABLE IF NOT EXISTS cron_runs (
		run_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('ok', 'error')),
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		manual INTEGER NOT NULL DEFAULT 0,
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs (job_id, started_at_ms DESC);`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT 'unknown',
		commands_json TEXT NOT NULL DEFAULT '[]',
		connection_state TEXT NOT NULL DEFAULT 'unpaired'
			CHECK(connection_state IN ('unpaired', 'pending', 'paired', 'revoked')),
		status TEXT NOT NULL DEFAULT 'offline' CHECK(status IN ('online', 'offline')),
		last_seen_ms INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_seen ON nodes (connection_state, last_seen_ms DESC);`,
	`CREATE TABLE IF NOT EXISTS node_pair_requests (
		request_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT 'unknown',
		commands_json TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'approved', 'rejected')),
		verification_code TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		resolved_at_ms INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_node_pair_requests_created ON node_pair_requests (created_at_ms DESC);`,
}

var nodeTelemetrySchema = []string{
	`CREATE TABLE IF NOT EXISTS node_invokes (
		invoke_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'completed', 'failed')),
		result_json TEXT NOT NULL DEFAULT 'null',
		error TEXT NOT NULL DEFAULT '',
		requested_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_node_invokes_node ON node_invokes (node_id, requested_at_ms DESC);`,
	`CREATE TABLE IF NOT EXISTS node_events (
		event_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		event TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		ts_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_node_events_node ON node_events (node_id, ts_ms DESC);`,
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(raw)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullableMs(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
