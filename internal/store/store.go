// Package store provides SQLite persistence for accounts, API keys,
// request logs, and model mappings.
//
// Uses modernc.org/sqlite for:
// - Windows compatibility (no CGO dependency)
// - Pure Go implementation
// - Cross-platform support
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store wraps the SQLite database. Writers are serialised by SQLite itself;
// callers never touch the *sql.DB directly.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; keep the pool at one connection so
	// transactions never contend on the driver level.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE,
			refresh_token TEXT NOT NULL,
			access_token TEXT,
			access_token_expires_at INTEGER,
			project_id TEXT,
			tier TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			error_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			last_error_at INTEGER,
			last_error_message TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT UNIQUE NOT NULL,
			name TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER,
			api_key_id INTEGER,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			thinking_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			request_id TEXT,
			attempt_no INTEGER NOT NULL DEFAULT 1,
			account_attempt INTEGER NOT NULL DEFAULT 1,
			same_retry INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS model_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alias TEXT UNIQUE NOT NULL,
			target TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_account_id ON request_logs(account_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
