package receipt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

func sample() Receipt {
	start := time.Date(2026, 5, 1, 9, 30, 0, 123456789, time.UTC)
	return Receipt{
		ExecutionID:  "exec-1",
		SessionID:    "sess-1",
		CapabilityID: "file:read",
		Requester:    "agent-b",
		OnBehalfOf:   "agent-a",
		StartedAt:    start,
		EndedAt:      start.Add(1500 * time.Millisecond),
		DurationMs:   1500,
		Outcome:      Outcome{Status: StatusSuccess},
		ArgsHash:     "aa",
		OutputHash:   "bb",
		FrameCount:   3,
	}
}

func newSigner(t *testing.T, id string) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer(id)
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	s := newSigner(t, "executor-1")
	r, err := Sign(sample(), s)
	require.NoError(t, err)
	assert.Equal(t, "executor-1", r.SignerID)
	assert.Len(t, r.Signature, 128)

	require.NoError(t, Verify(r, s.PublicKey()))

	other := newSigner(t, "executor-2")
	assert.ErrorIs(t, Verify(r, other.PublicKey()), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(sample(), s.PublicKey()), ErrUnsigned)
}

func TestVerify_TamperEveryField(t *testing.T) {
	s := newSigner(t, "executor-1")
	base := sample()
	base.Requester = "agent-caf\u00e9"
	base.Outcome.Message = "caf\u00e9"
	signed, err := Sign(base, s)
	require.NoError(t, err)
	require.NoError(t, Verify(signed, s.PublicKey()))

	mutations := map[string]func(*Receipt){
		"execution_id":  func(r *Receipt) { r.ExecutionID = "exec-2" },
		"session_id":    func(r *Receipt) { r.SessionID = "sess-2" },
		"capability_id": func(r *Receipt) { r.CapabilityID = "file:write" },
		"requester":     func(r *Receipt) { r.Requester = "agent-x" },
		"on_behalf_of":  func(r *Receipt) { r.OnBehalfOf = "" },
		"started_at":    func(r *Receipt) { r.StartedAt = r.StartedAt.Add(time.Nanosecond) },
		"ended_at":      func(r *Receipt) { r.EndedAt = r.EndedAt.Add(-time.Second) },
		"duration":      func(r *Receipt) { r.DurationMs++ },
		"outcome":       func(r *Receipt) { r.Outcome.Status = StatusFailed },
		"error_kind":    func(r *Receipt) { r.Outcome.ErrorKind = errorir.KindExecution },
		"class":         func(r *Receipt) { r.Outcome.Class = errorir.ClassRetriable },
		"args_hash":     func(r *Receipt) { r.ArgsHash = "ab" },
		"output_hash":   func(r *Receipt) { r.OutputHash = "" },
		"frame_count":   func(r *Receipt) { r.FrameCount = 2 },
		"sequence":      func(r *Receipt) { r.Sequence = 9 },
		"prev_hash":     func(r *Receipt) { r.PrevHash = "00" },
		"signer_id":     func(r *Receipt) { r.SignerID = "executor-2" },
		"signature":     func(r *Receipt) { r.Signature = strings.Repeat("0", 128) },
		"requester nfd": func(r *Receipt) { r.Requester = strings.ReplaceAll(r.Requester, "\u00e9", "e\u0301") },
		"message nfd":   func(r *Receipt) { r.Outcome.Message = "cafe\u0301" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := signed
			mutate(&r)
			assert.ErrorIs(t, Verify(r, s.PublicKey()), ErrInvalidSignature)
		})
	}
}

func TestCanonicalPayload_FixedTimestamps(t *testing.T) {
	r := sample()
	r.StartedAt = r.StartedAt.In(time.FixedZone("CET", 3600))
	b, err := CanonicalPayload(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"started_at":"2026-05-01T09:30:00.123456789Z"`)
	assert.Contains(t, string(b), `"duration_ms":1500`)
	assert.NotContains(t, string(b), "signature\"")

	same := sample()
	b2, err := CanonicalPayload(same)
	require.NoError(t, err)
	assert.Equal(t, b, b2, "time zone does not affect the canonical form")
}

func TestVerifyWith(t *testing.T) {
	s := newSigner(t, "executor-1")
	ring := crypto.NewKeyRing()
	ring.AddSigner(s)

	r, err := Sign(sample(), s)
	require.NoError(t, err)
	require.NoError(t, VerifyWith(r, ring))

	r.SignerID = "unknown"
	assert.ErrorIs(t, VerifyWith(r, ring), crypto.ErrNoKey)
}

func TestOutcomeFrom(t *testing.T) {
	assert.Equal(t, StatusSuccess, OutcomeFrom(nil).Status)
	assert.Equal(t, StatusTimeout, OutcomeFrom(context.DeadlineExceeded).Status)
	assert.Equal(t, StatusCancelled, OutcomeFrom(context.Canceled).Status)

	o := OutcomeFrom(errorir.Retriable(errors.New("503")))
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, errorir.KindExecution, o.ErrorKind)
	assert.Equal(t, errorir.ClassRetriable, o.Class)
}

func TestChain(t *testing.T) {
	s := newSigner(t, "executor-1")
	ring := crypto.NewKeyRing()
	ring.AddSigner(s)
	c := NewChain(s)

	var rs []Receipt
	for i := 0; i < 4; i++ {
		r := sample()
		r.ExecutionID = string(rune('a' + i))
		sealed, err := c.Seal(r)
		require.NoError(t, err)
		rs = append(rs, sealed)
	}
	assert.Equal(t, uint64(1), rs[0].Sequence)
	assert.Empty(t, rs[0].PrevHash)
	h0, err := ChainHash(rs[0])
	require.NoError(t, err)
	assert.Equal(t, h0, rs[1].PrevHash)

	require.NoError(t, VerifyChain(rs, ring))

	dropped := append(append([]Receipt(nil), rs[:1]...), rs[2:]...)
	assert.ErrorIs(t, VerifyChain(dropped, ring), ErrBrokenChain)

	swapped := []Receipt{rs[0], rs[2], rs[1], rs[3]}
	assert.ErrorIs(t, VerifyChain(swapped, ring), ErrBrokenChain)

	seq, head := c.Head()
	assert.Equal(t, uint64(4), seq)
	resumed := NewChain(s)
	resumed.Resume(seq, head)
	next, err := resumed.Seal(sample())
	require.NoError(t, err)
	require.NoError(t, VerifyChain(append(rs, next), ring))
}

func TestMultiSink(t *testing.T) {
	var got []string
	ok := SinkFunc(func(_ context.Context, r Receipt) error { got = append(got, r.ExecutionID); return nil })
	bad := SinkFunc(func(context.Context, Receipt) error { return errors.New("disk full") })

	err := MultiSink{ok, bad, nil, ok}.Append(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"exec-1", "exec-1"}, got, "later sinks still receive the receipt")
}
