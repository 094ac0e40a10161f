// Package delegation authorizes agent-on-behalf-of-agent calls through
// bounded chains of signed certificates.
package delegation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warrant/pkg/canonicalize"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
)

// DefaultMaxDepth bounds chain length.
const DefaultMaxDepth = 3

const certTimeLayout = "2006-01-02T15:04:05Z"

// Certificate grants TargetAgent authority to invoke CapabilityID on
// behalf of DelegatingAgent. CapabilityID may be "*" or "noun:*".
type Certificate struct {
	ID              string      `json:"id"`
	DelegatingAgent string      `json:"delegating_agent"`
	TargetAgent     string      `json:"target_agent"`
	CapabilityID    string      `json:"capability_id"`
	Constraints     Constraints `json:"constraints,omitempty"`
	IssuedAt        time.Time   `json:"issued_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Signature       string      `json:"signature"`
}

// SigningPayload is the canonical form the signature covers. Timestamps
// have second precision.
func SigningPayload(c Certificate) ([]byte, error) {
	cons := c.Constraints
	if cons == nil {
		cons = Constraints{}
	}
	b, err := canonicalize.Exact(map[string]any{
		"id":               c.ID,
		"delegating_agent": c.DelegatingAgent,
		"target_agent":     c.TargetAgent,
		"capability_id":    c.CapabilityID,
		"constraints":      cons,
		"issued_at":        c.IssuedAt.UTC().Format(certTimeLayout),
		"expires_at":       c.ExpiresAt.UTC().Format(certTimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("delegation: canonicalize certificate: %w", err)
	}
	return b, nil
}

// Issue signs c as its delegating agent. DelegatingAgent defaults to the
// signer's key id and must match it; ID defaults to a fresh UUID.
// Timestamps are truncated to whole seconds.
func Issue(signer crypto.Signer, c Certificate) (Certificate, error) {
	if c.DelegatingAgent == "" {
		c.DelegatingAgent = signer.KeyID()
	}
	if c.DelegatingAgent != signer.KeyID() {
		return Certificate{}, fmt.Errorf("delegation: signer %q cannot issue for %q", signer.KeyID(), c.DelegatingAgent)
	}
	if c.TargetAgent == "" || c.CapabilityID == "" {
		return Certificate{}, errors.New("delegation: target agent and capability are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}
	c.IssuedAt = c.IssuedAt.UTC().Truncate(time.Second)
	c.ExpiresAt = c.ExpiresAt.UTC().Truncate(time.Second)
	if !c.ExpiresAt.After(c.IssuedAt) {
		return Certificate{}, errors.New("delegation: expiry must follow issuance")
	}

	payload, err := SigningPayload(c)
	if err != nil {
		return Certificate{}, err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return Certificate{}, fmt.Errorf("delegation: sign: %w", err)
	}
	c.Signature = hex.EncodeToString(sig)
	return c, nil
}

// Covers reports whether the capability pattern admits id (or a
// narrower pattern).
func Covers(pattern, id string) bool {
	if pattern == "*" || pattern == id {
		return true
	}
	if noun, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(id, noun+":")
	}
	return false
}

func verifySignature(c Certificate, keys crypto.KeyProvider) error {
	pub, err := keys.PublicKey(c.DelegatingAgent)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	payload, err := SigningPayload(c)
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, payload, sig) {
		return crypto.ErrInvalidSignature
	}
	return nil
}
