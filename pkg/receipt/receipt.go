// Package receipt produces and verifies signed proofs of execution.
//
// A Receipt's signature covers the RFC 8785 canonical form of every field
// except the signature itself, with timestamps in a fixed-width UTC layout
// and durations as integer milliseconds, so any single-field change
// invalidates it.
package receipt

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/canonicalize"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// TimestampLayout is the canonical timestamp form.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

var (
	ErrUnsigned         = errors.New("receipt: not signed")
	ErrInvalidSignature = errors.New("receipt: signature does not verify")
)

// Status is the single recorded outcome of an execution.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Outcome classifies how an execution ended.
type Outcome struct {
	Status    Status        `json:"status"`
	ErrorKind errorir.Kind  `json:"error_kind,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Class     errorir.Class `json:"class,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// OutcomeFrom maps a terminal error to an Outcome; nil is success.
func OutcomeFrom(err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusSuccess}
	}
	e := errorir.From(err)
	st := StatusFailed
	switch e.Kind {
	case errorir.KindTimeoutExceeded:
		st = StatusTimeout
	case errorir.KindCancelled:
		st = StatusCancelled
	}
	return Outcome{
		Status:    st,
		ErrorKind: e.Kind,
		ErrorCode: e.Code,
		Class:     e.Class,
		Message:   e.Message,
	}
}

// Receipt is an immutable record of one execution.
type Receipt struct {
	ExecutionID  string    `json:"execution_id"`
	SessionID    string    `json:"session_id"`
	CapabilityID string    `json:"capability_id"`
	Requester    string    `json:"requester,omitempty"`
	OnBehalfOf   string    `json:"on_behalf_of,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationMs   int64     `json:"duration_ms"`
	Outcome      Outcome   `json:"outcome"`
	ArgsHash     string    `json:"args_hash,omitempty"`
	OutputHash   string    `json:"output_hash,omitempty"`
	FrameCount   int       `json:"frame_count"`
	Sequence     uint64    `json:"sequence"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	SignerID     string    `json:"signer_id"`
	Signature    string    `json:"signature,omitempty"`
}

// CanonicalPayload returns the bytes the signature covers.
func CanonicalPayload(r Receipt) ([]byte, error) {
	payload := map[string]any{
		"execution_id":  r.ExecutionID,
		"session_id":    r.SessionID,
		"capability_id": r.CapabilityID,
		"requester":     r.Requester,
		"on_behalf_of":  r.OnBehalfOf,
		"started_at":    formatTime(r.StartedAt),
		"ended_at":      formatTime(r.EndedAt),
		"duration_ms":   r.DurationMs,
		"outcome": map[string]any{
			"status":     string(r.Outcome.Status),
			"error_kind": string(r.Outcome.ErrorKind),
			"error_code": r.Outcome.ErrorCode,
			"class":      string(r.Outcome.Class),
			"message":    r.Outcome.Message,
		},
		"args_hash":   r.ArgsHash,
		"output_hash": r.OutputHash,
		"frame_count": r.FrameCount,
		"sequence":    r.Sequence,
		"prev_hash":   r.PrevHash,
		"signer_id":   r.SignerID,
	}
	b, err := canonicalize.Exact(payload)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize: %w", err)
	}
	return b, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

// Sign returns a copy of r signed by s. SignerID is set to s.KeyID() and
// is itself covered by the signature.
func Sign(r Receipt, s crypto.Signer) (Receipt, error) {
	r.SignerID = s.KeyID()
	r.Signature = ""
	payload, err := CanonicalPayload(r)
	if err != nil {
		return Receipt{}, err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}
	r.Signature = hex.EncodeToString(sig)
	return r, nil
}

// Verify checks r's signature under pub.
func Verify(r Receipt, pub ed25519.PublicKey) error {
	if r.Signature == "" {
		return ErrUnsigned
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	payload, err := CanonicalPayload(r)
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, payload, sig) {
		return fmt.Errorf("%w: execution %s", ErrInvalidSignature, r.ExecutionID)
	}
	return nil
}

// VerifyWith resolves the signer's public key through keys and verifies.
func VerifyWith(r Receipt, keys crypto.KeyProvider) error {
	pub, err := keys.PublicKey(r.SignerID)
	if err != nil {
		return fmt.Errorf("receipt: signer %q: %w", r.SignerID, err)
	}
	return Verify(r, pub)
}

// ChainHash is the SHA-256 over the canonical payload and the signature.
// The next receipt from the same executor records it as PrevHash.
func ChainHash(r Receipt) (string, error) {
	payload, err := CanonicalPayload(r)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append(payload, []byte(r.Signature)...)), nil
}
