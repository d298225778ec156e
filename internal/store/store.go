// Package store provides the embedded SQLite store backing the driftsync engine.
//
// The store holds the four infrastructure tables (metadata key/value,
// outbox queue, cursors, conflicts) plus a generic entity row mirror, and
// hands scoped transactions to the queue, apply engine, and conflict
// detector. It runs SQLite in WAL mode for concurrent reads during sync.
//
// The persisted schema is itself a debugging interface: the CLI inspects
// queue, cursor, and conflict state directly through these tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeFormat is the canonical timestamp encoding for all store columns.
// Fixed-width nanosecond precision keeps lexicographic comparison of
// stored values equivalent to time ordering, which FIFO claims and
// last-write-wins upserts rely on in SQL.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite connection with driftsync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the given path, creating parent directories as
// needed. The database is opened in WAL mode with a 5 second busy timeout
// and foreign keys enabled.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection. Useful for integrating
// with change handlers and tooling that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the infrastructure tables if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Arbitrary engine metadata
	CREATE TABLE IF NOT EXISTS sync_meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Durable local mutations awaiting transmission
	CREATE TABLE IF NOT EXISTS outbox_ops (
		id              TEXT PRIMARY KEY,
		scope_key       TEXT NOT NULL,
		entity_key      TEXT NOT NULL,
		entity_id       TEXT NOT NULL DEFAULT '',
		op_type         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		payload         TEXT,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		state           TEXT NOT NULL DEFAULT 'pending',
		last_error      TEXT,
		claimed_at      TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);

	-- Delta pull resumption tokens, one per (scope, collection)
	CREATE TABLE IF NOT EXISTS sync_cursors (
		scope_key      TEXT NOT NULL,
		collection_key TEXT NOT NULL,
		cursor         TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (scope_key, collection_key)
	);

	-- Detected local/remote collisions awaiting resolution
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id             TEXT PRIMARY KEY,
		scope_key      TEXT NOT NULL,
		entity_key     TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		local_version  TEXT,
		remote_version TEXT,
		created_at     TEXT NOT NULL,
		resolved_at    TEXT
	);

	-- Generic local mirror for remote entities (last-write-wins rows)
	CREATE TABLE IF NOT EXISTS entity_rows (
		scope_key  TEXT NOT NULL,
		entity_key TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope_key, entity_key, entity_id)
	);

	-- Indexes for queue claim and entity lookups
	CREATE INDEX IF NOT EXISTS idx_outbox_scope_state_created
	    ON outbox_ops(scope_key, state, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity
	    ON outbox_ops(scope_key, entity_key, entity_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_state_claimed
	    ON outbox_ops(state, claimed_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_scope
	    ON sync_conflicts(scope_key, created_at);

	-- At most one unresolved conflict per entity
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_unresolved
	    ON sync_conflicts(scope_key, entity_key, entity_id)
	    WHERE resolved_at IS NULL;
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. All multi-row mutations in the engine go through this.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMeta returns the metadata value for key, or "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	_, err := s.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetCursor returns the persisted cursor for (scopeKey, collectionKey).
// Returns the empty-string sentinel when no cursor exists yet.
func (s *Store) GetCursor(ctx context.Context, scopeKey, collectionKey string) (string, error) {
	var cursor string
	err := s.conn.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE scope_key = ? AND collection_key = ?`,
		scopeKey, collectionKey).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor %s/%s: %w", scopeKey, collectionKey, err)
	}
	return cursor, nil
}

// SetCursor persists the cursor for (scopeKey, collectionKey).
//
// Callers must only advance the cursor after a page's changes have been
// fully and successfully applied.
func (s *Store) SetCursor(ctx context.Context, scopeKey, collectionKey, cursor string) error {
	query := `
	INSERT INTO sync_cursors (scope_key, collection_key, cursor, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope_key, collection_key) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		scopeKey, collectionKey, cursor, time.Now().UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("failed to set cursor %s/%s: %w", scopeKey, collectionKey, err)
	}
	return nil
}

// NullString converts an optional string to a nullable SQL value.
func NullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// TimeToNullString converts an optional time to a nullable SQL string.
func TimeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(TimeFormat), Valid: true}
}

// NullStringToTime converts a nullable SQL string to an optional time.
func NullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(TimeFormat, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// ParseTime parses a stored timestamp, returning the zero time on failure.
func ParseTime(v string) time.Time {
	t, err := time.Parse(TimeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
