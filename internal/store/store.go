// Package store implements the A2A Task Hub's persistent relational
// state: tasks, agents, the dead-letter queue, routing rules/audit, and
// the singleton workflow-recovery row. Every mutation is a short
// transaction; there is no in-process cache of task state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "a2a-v1-2026-04-01-tasks-agents"

	schemaVersionV2  = 2
	schemaChecksumV2 = "a2a-v2-2026-04-01-dlq-routing"

	schemaVersionV3  = 3
	schemaChecksumV3 = "a2a-v3-2026-04-02-workflow-task-events"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// Store wraps a single-writer SQLite connection. mattn/go-sqlite3 serializes
// writers at the driver level; capping MaxOpenConns at 1 avoids SQLITE_BUSY
// storms under the conditional-UPDATE contention the dispatch algorithms
// rely on.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the SQLite file path used when no explicit path is
// configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".a2a-taskhub", "taskhub.db")
}

// Open opens (creating if absent) the SQLite-backed store at path and runs
// schema migrations. eventBus may be nil, in which case lifecycle events
// are not published.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
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

	s := &Store{db: db, bus: eventBus}
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

// DB exposes the underlying *sql.DB for components that need direct read
// access (e.g. tests in other packages that adjust rows directly).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with bounded
// exponential backoff and jitter. maxRetries=5 adds roughly 3s of local
// waiting on top of the driver's 5s busy_timeout.
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
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
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
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// migrate applies additive-only schema changes. Each version is guarded by
// a checksum recorded in schema_migrations; the store refuses to start
// against a schema newer than it understands, and refuses to "upgrade" a
// schema whose recorded checksum doesn't match what this version expects.
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

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
		{schemaVersionV3, schemaChecksumV3},
	}
	for _, vc := range versionChecksums {
		if maxVersion != vc.version {
			continue
		}
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != vc.checksum {
			return fmt.Errorf("schema checksum mismatch at version %d: got %q want %q", vc.version, existing, vc.checksum)
		}
	}

	if err := s.createTablesTx(ctx, tx); err != nil {
		return err
	}
	if err := s.createIndexesTx(ctx, tx); err != nil {
		return err
	}
	if err := s.seedRoutingRulesTx(ctx, tx); err != nil {
		return err
	}
	if err := s.seedWorkflowTx(ctx, tx); err != nil {
		return err
	}

	for _, vc := range versionChecksums {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
			ON CONFLICT(version) DO NOTHING;
		`, vc.version, vc.checksum); err != nil {
			return fmt.Errorf("stamp schema_migrations v%d: %w", vc.version, err)
		}
	}

	return tx.Commit()
}

func (s *Store) createTablesTx(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task_code TEXT NOT NULL,
			message_id TEXT,
			instructions TEXT NOT NULL,
			how_to_repro TEXT NOT NULL,
			expected TEXT NOT NULL,
			evidence_requirements TEXT NOT NULL,
			owner_role TEXT NOT NULL,
			area TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			deadline DATETIME,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_backoff_sec INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_ts DATETIME,
			lease_seconds INTEGER,
			lease_expiry_ts DATETIME,
			agent_id TEXT,
			worker_type TEXT,
			routing_decision TEXT,
			trace_id TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			reason_code TEXT,
			last_error TEXT,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			owner_role TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			online INTEGER NOT NULL DEFAULT 1,
			last_seen DATETIME,
			capacity INTEGER NOT NULL DEFAULT 1,
			available_capacity INTEGER NOT NULL DEFAULT 1,
			completion_limit_per_minute INTEGER NOT NULL DEFAULT 60,
			current_completion_count INTEGER NOT NULL DEFAULT 0,
			completion_window_start DATETIME,
			worker_type TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS dlq (
			dlq_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_code TEXT NOT NULL,
			message_id TEXT,
			snapshot TEXT NOT NULL,
			reason_code TEXT,
			last_error TEXT,
			trace_id TEXT,
			replay_who TEXT,
			replay_when DATETIME,
			replay_why TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			rule_id TEXT PRIMARY KEY,
			condition TEXT NOT NULL,
			target_worker TEXT NOT NULL,
			priority INTEGER NOT NULL,
			disabled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS routing_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			routing_decision TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			last_recovery_time DATETIME,
			recovery_status TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *Store) createIndexesTx(ctx context.Context, tx *sql.Tx) error {
	// A legacy unique index on task_code must be explicitly dropped so
	// multiple tasks can share a display label.
	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_tasks_task_code;`); err != nil {
		return fmt.Errorf("drop legacy task_code index: %w", err)
	}

	statements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_message_id ON tasks(message_id) WHERE message_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_agent ON tasks(status, agent_id, owner_role);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch_order ON tasks(status, next_retry_ts, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON tasks(status, lease_expiry_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_task_code_lookup ON tasks(task_code, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_task_id ON dlq(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_task_code ON dlq(task_code);`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_message_id ON dlq(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_routing_rules_priority ON routing_rules(priority DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id, id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Store) seedWorkflowTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (name, status) VALUES ('default', 'idle')
		ON CONFLICT(name) DO NOTHING;
	`)
	if err != nil {
		return fmt.Errorf("seed workflow row: %w", err)
	}
	return nil
}
