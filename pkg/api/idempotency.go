package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// IdempotencyHeader names the request header that makes a POST replayable.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse is a response recorded for replay.
type CachedResponse struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	RequestHash string
	CachedAt    time.Time
}

// IdempotencyStore persists responses by scoped idempotency key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, r CachedResponse) error
}

// MemoryIdempotencyStore keeps responses in process memory for ttl.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	entries   map[string]CachedResponse
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewIdempotencyStore creates an in-memory store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[key]
	if !ok || s.now().Sub(c.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	return &c, true, nil
}

// Put stores r, dropping expired entries at most once per ttl.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, r CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) > s.ttl {
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) >= s.ttl {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}
	if r.CachedAt.IsZero() {
		r.CachedAt = now
	}
	s.entries[key] = r
	return nil
}

// Len reports the number of entries, including expired ones not yet swept.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// responseCapture tees the response into a buffer.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// replayable reports whether a response is final for its key. Admission
// rejections (409, 429) and server errors ran nothing and may be retried
// under the same key.
func replayable(status int) bool {
	return status < 500 && status != http.StatusConflict && status != http.StatusTooManyRequests
}

// idempotency replays the recorded response for a repeated POST carrying
// an Idempotency-Key. The key is scoped to the route, and reusing it with
// a different body is rejected. A duplicate that arrives while the first
// request is still running gets an IsolationConflict.
func idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		inflight = make(map[string]struct{})
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.URL.Path + " " + key

			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
			if err != nil {
				WriteBadRequest(w, "/", "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])

			mu.Lock()
			if _, busy := inflight[scoped]; busy {
				mu.Unlock()
				WriteError(w, errorir.New(errorir.KindIsolationConflict,
					"a request with idempotency key %q is in progress", key).
					WithField(IdempotencyHeader).WithRetryAfter(time.Second))
				return
			}
			inflight[scoped] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(inflight, scoped)
				mu.Unlock()
			}()

			cached, ok, err := store.Get(r.Context(), scoped)
			if err != nil {
				WriteInternal(w, r, err)
				return
			}
			if ok {
				if cached.RequestHash != hash {
					WriteError(w, errorir.New(errorir.KindValidation,
						"idempotency key %q was used with a different request", key).
						WithCode(errorir.CodeInvalidRequest).WithField(IdempotencyHeader))
					return
				}
				for k, vals := range cached.Headers {
					w.Header()[k] = vals
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if !replayable(capture.statusCode) {
				return
			}
			err = store.Put(context.WithoutCancel(r.Context()), scoped, CachedResponse{
				StatusCode:  capture.statusCode,
				Headers:     w.Header().Clone(),
				Body:        capture.body.Bytes(),
				RequestHash: hash,
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "idempotency record failed", "key", key, "error", err)
			}
		})
	}
}
