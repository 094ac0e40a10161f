package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/receipt"
)

// SQLStore implements ReceiptStore and ConsensusStore over database/sql.
// The full signed receipt is kept as JSON next to its indexed columns, so
// a loaded receipt verifies exactly as it was emitted.
type SQLStore struct {
	db      *sql.DB
	dollar  bool
	dialect string
	nowFunc func() time.Time
}

func (s *SQLStore) bind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context, ddl []string) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, r receipt.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	chainHash, err := receipt.ChainHash(r)
	if err != nil {
		return err
	}
	query := s.bind(`INSERT INTO receipts (
		execution_id, capability_id, session_id, status, signer_id, sequence, ended_at, chain_hash, body
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (execution_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		r.ExecutionID,
		r.CapabilityID,
		r.SessionID,
		string(r.Outcome.Status),
		r.SignerID,
		int64(r.Sequence),
		r.EndedAt.UTC().Format(receipt.TimestampLayout),
		chainHash,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateReceipt, r.ExecutionID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, executionID string) (*receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT body FROM receipts WHERE execution_id = ?`), executionID)
	r, err := scanBody(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]receipt.Receipt, error) {
	var (
		where []string
		args  []any
	)
	if f.CapabilityID != "" {
		where = append(where, "capability_id = ?")
		args = append(args, f.CapabilityID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SignerID != "" {
		where = append(where, "signer_id = ?")
		args = append(args, f.SignerID)
	}
	query := "SELECT body FROM receipts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ended_at DESC, sequence DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []receipt.Receipt
	for rows.Next() {
		r, err := scanBody(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Last(ctx context.Context, signerID string) (*receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT body FROM receipts WHERE signer_id = ? ORDER BY sequence DESC LIMIT 1`), signerID)
	r, err := scanBody(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLStore) SaveRound(ctx context.Context, r Round) error {
	votes, err := json.Marshal(r.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	query := s.bind(`INSERT INTO consensus_rounds (round_id, passed, consensus_score, votes, result, closed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (round_id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Result.Passed, r.Result.ConsensusScore, string(votes), string(result),
		s.nowFunc().UTC().Format(receipt.TimestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert consensus round: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRound(ctx context.Context, id string) (*Round, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT votes, result FROM consensus_rounds WHERE round_id = ?`), id)
	var votes, result string
	if err := row.Scan(&votes, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, err
	}
	r := &Round{ID: id}
	if err := json.Unmarshal([]byte(votes), &r.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &r.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBody(row scanner) (*receipt.Receipt, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var r receipt.Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}
