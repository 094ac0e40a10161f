package receipt

import (
	"context"
	"errors"
)

// Sink is a durable, append-only destination for receipts.
type Sink interface {
	Append(ctx context.Context, r Receipt) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Receipt) error

func (f SinkFunc) Append(ctx context.Context, r Receipt) error { return f(ctx, r) }

// MultiSink appends to every sink, continuing past failures, and returns
// the joined errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, r Receipt) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
