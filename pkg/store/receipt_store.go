// Package store persists receipts and consensus rounds for audit.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/warrant/pkg/consensus"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
)

var (
	ErrReceiptNotFound  = errors.New("receipt not found")
	ErrDuplicateReceipt = errors.New("receipt already stored")
	ErrRoundNotFound    = errors.New("consensus round not found")
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Filter narrows List. Zero fields match everything.
type Filter struct {
	CapabilityID string
	Status       receipt.Status
	SignerID     string
	Limit        int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) match(r receipt.Receipt) bool {
	return (f.CapabilityID == "" || r.CapabilityID == f.CapabilityID) &&
		(f.Status == "" || r.Outcome.Status == f.Status) &&
		(f.SignerID == "" || r.SignerID == f.SignerID)
}

// ReceiptStore is an append-only receipt log. Append makes it a
// receipt.Sink.
type ReceiptStore interface {
	Append(ctx context.Context, r receipt.Receipt) error
	Get(ctx context.Context, executionID string) (*receipt.Receipt, error)
	// List returns receipts newest first.
	List(ctx context.Context, f Filter) ([]receipt.Receipt, error)
	// Last returns the highest-sequence receipt signed by signerID, or
	// nil when there is none.
	Last(ctx context.Context, signerID string) (*receipt.Receipt, error)
}

// Round is a closed consensus round.
type Round struct {
	ID     string           `json:"id"`
	Votes  []consensus.Vote `json:"votes"`
	Result consensus.Result `json:"result"`
}

// ConsensusStore records closed rounds.
type ConsensusStore interface {
	SaveRound(ctx context.Context, r Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]receipt.Receipt
	order    []string
	rounds   map[string]Round
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]receipt.Receipt),
		rounds:   make(map[string]Round),
	}
}

func (s *MemoryStore) Append(_ context.Context, r receipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[r.ExecutionID]; ok {
		return ErrDuplicateReceipt
	}
	s.receipts[r.ExecutionID] = r
	s.order = append(s.order, r.ExecutionID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[executionID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &r, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []receipt.Receipt
	for i := len(s.order) - 1; i >= 0 && len(out) < f.limit(); i-- {
		if r := s.receipts[s.order[i]]; f.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Last(_ context.Context, signerID string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *receipt.Receipt
	for _, id := range s.order {
		r := s.receipts[id]
		if r.SignerID == signerID && (best == nil || r.Sequence > best.Sequence) {
			best = &r
		}
	}
	return best, nil
}

func (s *MemoryStore) SaveRound(_ context.Context, r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	votes := append([]consensus.Vote(nil), r.Votes...)
	sort.Slice(votes, func(i, j int) bool { return votes[i].ValidatorID < votes[j].ValidatorID })
	r.Votes = votes
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return &r, nil
}
