// Package db opens the SQLite database shared by the session store and the knowledge base
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the shared database handle
type Store struct {
	DB   *sql.DB
	Path string
}

// Open opens a SQLite database at the given path, creating parent directories
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas are per connection
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db, Path: path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the session tables
func (s *Store) InitSchema() error {
	schema := `
	-- Sessions are independent conversation threads
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);

	-- Turns are stored in insertion order per session
	CREATE TABLE IF NOT EXISTS session_turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`

	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("creating session schema: %w", err)
	}
	return nil
}
