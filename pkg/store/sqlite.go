package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		execution_id TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		ended_at TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS receipts_signer_seq ON receipts (signer_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS consensus_rounds (
		round_id TEXT PRIMARY KEY,
		passed INTEGER NOT NULL,
		consensus_score REAL NOT NULL,
		votes TEXT NOT NULL,
		result TEXT NOT NULL,
		closed_at TEXT NOT NULL
	)`,
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLiteStore migrates db and returns a store over it.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: "sqlite", nowFunc: time.Now}
	if err := s.migrate(ctx, sqliteDDL); err != nil {
		return nil, err
	}
	return s, nil
}
