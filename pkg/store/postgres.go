package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		execution_id TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		sequence BIGINT NOT NULL DEFAULT 0,
		ended_at TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		body JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS receipts_signer_seq ON receipts (signer_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS consensus_rounds (
		round_id TEXT PRIMARY KEY,
		passed BOOLEAN NOT NULL,
		consensus_score DOUBLE PRECISION NOT NULL,
		votes JSONB NOT NULL,
		result JSONB NOT NULL,
		closed_at TEXT NOT NULL
	)`,
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore migrates db and returns a store using $n placeholders.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dollar: true, dialect: "postgres", nowFunc: time.Now}
	if err := s.migrate(ctx, postgresDDL); err != nil {
		return nil, err
	}
	return s, nil
}
