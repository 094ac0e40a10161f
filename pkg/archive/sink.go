package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/Mindburn-Labs/warrant/pkg/receipt"
)

// ErrConflict is returned when a different receipt already occupies a key.
var ErrConflict = errors.New("archive: receipt already archived with different content")

// ReceiptSink archives each receipt as JSON under
// receipts/YYYY/MM/DD/<execution_id>.json, dated by EndedAt in UTC.
type ReceiptSink struct {
	store Store
}

// NewReceiptSink wraps store.
func NewReceiptSink(store Store) *ReceiptSink {
	return &ReceiptSink{store: store}
}

// Key returns the object key for r.
func Key(r receipt.Receipt) string {
	return path.Join("receipts", r.EndedAt.UTC().Format("2006/01/02"), r.ExecutionID+".json")
}

// Append writes r once. Re-archiving an identical receipt is a no-op.
func (s *ReceiptSink) Append(ctx context.Context, r receipt.Receipt) error {
	if r.ExecutionID == "" {
		return fmt.Errorf("%w: empty execution id", ErrInvalidKey)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	key := Key(r)
	existing, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		if bytes.Equal(existing, body) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, key)
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return s.store.Put(ctx, key, body)
}

// Load reads the receipt stored at key.
func (s *ReceiptSink) Load(ctx context.Context, key string) (*receipt.Receipt, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var r receipt.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", key, err)
	}
	return &r, nil
}
