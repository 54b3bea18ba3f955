package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// DB wraps the SQLite database holding the pending-call ledger, profiles,
// known conversations and conversation keys.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	convMu        sync.RWMutex
	convListeners map[chan Conversation]struct{}
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers; busy_timeout so the async ledger writer
	// doesn't fail while a read is in flight.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		db:            db,
		path:          path,
		convListeners: make(map[chan Conversation]struct{}),
	}, nil
}

func migrate(db *sql.DB) error {
	// Pending call ledger. Rows are never deleted eagerly; readers filter on
	// status and expires_at.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_calls (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			from_user_id      TEXT NOT NULL,
			to_user_id        TEXT NOT NULL,
			from_display_name TEXT NOT NULL DEFAULT '',
			mode              TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			created_at        INTEGER NOT NULL,
			expires_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_calls_callee
			ON pending_calls (conversation_id, to_user_id, status, created_at);
	`); err != nil {
		return fmt.Errorf("create pending_calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			updated_at   INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create profiles table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_keys (
			conversation_id TEXT PRIMARY KEY,
			key             BLOB NOT NULL,
			created_at      INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create conversation_keys table: %w", err)
	}

	// Migration: add title column if missing (databases created before titles)
	db.Exec(`ALTER TABLE conversations ADD COLUMN title TEXT DEFAULT ''`)

	return nil
}

// Close closes the database and every conversation listener.
func (d *DB) Close() error {
	d.convMu.Lock()
	for ch := range d.convListeners {
		close(ch)
	}
	d.convListeners = make(map[chan Conversation]struct{})
	d.convMu.Unlock()
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.ExecContext(ctx, query, args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryContext(ctx, query, args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRowContext(ctx, query, args...)
}
