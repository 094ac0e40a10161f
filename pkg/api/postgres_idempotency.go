package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const idempotencyDDL = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers JSONB NOT NULL,
	body BYTEA NOT NULL,
	request_hash TEXT NOT NULL,
	cached_at TIMESTAMPTZ NOT NULL
)`

// PostgresIdempotencyStore keeps replayable responses in PostgreSQL so
// they survive restarts and are shared between nodes.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgresIdempotencyStore creates the table if needed.
func NewPostgresIdempotencyStore(ctx context.Context, db *sql.DB, ttl time.Duration) (*PostgresIdempotencyStore, error) {
	if _, err := db.ExecContext(ctx, idempotencyDDL); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var (
		c       CachedResponse
		headers []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, request_hash, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&c.StatusCode, &headers, &c.Body, &c.RequestHash, &c.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	if s.now().Sub(c.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	c.Headers = make(http.Header)
	if err := json.Unmarshal(headers, &c.Headers); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode headers: %w", err)
	}
	return &c, true, nil
}

func (s *PostgresIdempotencyStore) Put(ctx context.Context, key string, r CachedResponse) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("idempotency: encode headers: %w", err)
	}
	if r.CachedAt.IsZero() {
		r.CachedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, request_hash, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, request_hash = $5, cached_at = $6`,
		key, r.StatusCode, headers, r.Body, r.RequestHash, r.CachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}

// Cleanup deletes entries older than the ttl and returns how many.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.now().Add(-s.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return res.RowsAffected()
}
