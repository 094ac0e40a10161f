package delegation

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// Reason names why a chain was rejected.
type Reason string

const (
	ReasonEmpty         Reason = "empty"
	ReasonDepth         Reason = "depth"
	ReasonSignature     Reason = "signature"
	ReasonExpired       Reason = "expired"
	ReasonNotYetValid   Reason = "not_yet_valid"
	ReasonContinuity    Reason = "continuity"
	ReasonCapability    Reason = "capability"
	ReasonBroadened     Reason = "broadened"
	ReasonRequester     Reason = "requester"
	ReasonParamsViolate Reason = "params_violate"
)

// AuthorizationError rejects a chain at FailingIndex (0-based).
type AuthorizationError struct {
	FailingIndex int
	Reason       Reason
	Detail       string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("delegation: certificate %d rejected (%s): %s", e.FailingIndex, e.Reason, e.Detail)
}

// ErrorIR classifies the rejection.
func (e *AuthorizationError) ErrorIR() *errorir.Error {
	return errorir.New(errorir.KindAuthorization, "certificate %d rejected: %s", e.FailingIndex, e.Reason).
		WithField(fmt.Sprintf("/certificate_chain/%d", e.FailingIndex)).
		WithHint(e.Detail).
		WithRequires(string(e.Reason))
}

// Grant is the authority a verified chain confers.
type Grant struct {
	Principal    string
	Requester    string
	CapabilityID string
	Depth        int
	ExpiresAt    time.Time
	ChainIDs     []string
}

// Verifier checks certificate chains. It reads keys but holds no state.
type Verifier struct {
	Keys     crypto.KeyProvider
	MaxDepth int
	Clock    func() time.Time
	// Skew tolerates issuer clocks slightly ahead of ours.
	Skew time.Duration
}

// NewVerifier creates a verifier with the default depth.
func NewVerifier(keys crypto.KeyProvider) *Verifier {
	return &Verifier{Keys: keys, MaxDepth: DefaultMaxDepth}
}

func (v *Verifier) now() time.Time {
	if v.Clock != nil {
		return v.Clock()
	}
	return time.Now()
}

func (v *Verifier) maxDepth() int {
	if v.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return v.MaxDepth
}

func reject(i int, r Reason, format string, args ...any) *AuthorizationError {
	return &AuthorizationError{FailingIndex: i, Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Verify authorizes requester to invoke capabilityID with params through
// chain. The chain runs from the principal (chain[0].DelegatingAgent) to
// the requester (chain[k-1].TargetAgent). Depth is checked before any
// signature; then each certificate in order; then the requester and the
// parameters.
func (v *Verifier) Verify(chain []Certificate, requester, capabilityID string, params map[string]any) (*Grant, error) {
	if len(chain) == 0 {
		return nil, reject(0, ReasonEmpty, "no certificates presented")
	}
	if limit := v.maxDepth(); len(chain) > limit {
		return nil, reject(limit, ReasonDepth, "chain length %d exceeds maximum %d", len(chain), limit)
	}

	now := v.now()
	expires := chain[0].ExpiresAt
	for i, c := range chain {
		if err := verifySignature(c, v.Keys); err != nil {
			return nil, reject(i, ReasonSignature, "issuer %s: %v", c.DelegatingAgent, err)
		}
		if !now.Before(c.ExpiresAt) {
			return nil, reject(i, ReasonExpired, "expired at %s", c.ExpiresAt.UTC().Format(time.RFC3339))
		}
		if now.Add(v.Skew).Before(c.IssuedAt) {
			return nil, reject(i, ReasonNotYetValid, "issued at %s", c.IssuedAt.UTC().Format(time.RFC3339))
		}
		if !Covers(c.CapabilityID, capabilityID) {
			return nil, reject(i, ReasonCapability, "grants %s, not %s", c.CapabilityID, capabilityID)
		}
		if i == 0 {
			continue
		}
		parent := chain[i-1]
		if parent.TargetAgent != c.DelegatingAgent {
			return nil, reject(i, ReasonContinuity, "issued by %s but certificate %d targets %s", c.DelegatingAgent, i-1, parent.TargetAgent)
		}
		if !Covers(parent.CapabilityID, c.CapabilityID) {
			return nil, reject(i, ReasonBroadened, "capability %s exceeds %s", c.CapabilityID, parent.CapabilityID)
		}
		if name, ok := c.Constraints.Narrows(parent.Constraints); !ok {
			return nil, reject(i, ReasonBroadened, "constraint on %q is looser than certificate %d", name, i-1)
		}
		if c.ExpiresAt.After(parent.ExpiresAt) {
			return nil, reject(i, ReasonBroadened, "outlives certificate %d", i-1)
		}
		expires = c.ExpiresAt
	}

	last := len(chain) - 1
	if chain[last].TargetAgent != requester {
		return nil, reject(last, ReasonRequester, "chain ends at %s, requester is %s", chain[last].TargetAgent, requester)
	}
	for i, c := range chain {
		if name := c.Constraints.Check(params); name != "" {
			return nil, reject(i, ReasonParamsViolate, "parameter %q outside granted constraint", name)
		}
	}

	ids := make([]string, len(chain))
	for i, c := range chain {
		ids[i] = c.ID
	}
	return &Grant{
		Principal:    chain[0].DelegatingAgent,
		Requester:    requester,
		CapabilityID: capabilityID,
		Depth:        len(chain),
		ExpiresAt:    expires,
		ChainIDs:     ids,
	}, nil
}
