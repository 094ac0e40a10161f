package delegation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

type fixture struct {
	ring    *crypto.KeyRing
	signers map[string]*crypto.Ed25519Signer
	v       *Verifier
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	fx := &fixture{ring: crypto.NewKeyRing(), signers: map[string]*crypto.Ed25519Signer{}}
	for _, a := range agents {
		s, err := crypto.NewEd25519Signer(a)
		require.NoError(t, err)
		fx.ring.AddSigner(s)
		fx.signers[a] = s
	}
	fx.v = &Verifier{Keys: fx.ring, MaxDepth: 3, Clock: func() time.Time { return t0.Add(time.Minute) }}
	return fx
}

func (fx *fixture) issue(t *testing.T, from, to, capability string, cons Constraints, ttl time.Duration) Certificate {
	t.Helper()
	c, err := Issue(fx.signers[from], Certificate{
		TargetAgent:  to,
		CapabilityID: capability,
		Constraints:  cons,
		IssuedAt:     t0,
		ExpiresAt:    t0.Add(ttl),
	})
	require.NoError(t, err)
	return c
}

// chain builds alice -> bob -> carol -> dave for file:read.
func (fx *fixture) chain(t *testing.T, k int) []Certificate {
	t.Helper()
	agents := []string{"alice", "bob", "carol", "dave", "erin"}
	var out []Certificate
	for i := 0; i < k; i++ {
		cons := Constraints{"path": {Prefix: "/data/"}, "limit": {Max: f(float64(1000 - 100*i))}}
		out = append(out, fx.issue(t, agents[i], agents[i+1], "file:read", cons, time.Duration(10-i)*time.Hour))
	}
	return out
}

var okParams = map[string]any{"path": "/data/report.csv", "limit": 500}

func authErr(t *testing.T, err error) *AuthorizationError {
	t.Helper()
	require.Error(t, err)
	ae, ok := err.(*AuthorizationError)
	require.True(t, ok, "want *AuthorizationError, got %T", err)
	return ae
}

func TestVerify_ValidChain(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	chain := fx.chain(t, 3)

	g, err := fx.v.Verify(chain, "dave", "file:read", okParams)
	require.NoError(t, err)
	assert.Equal(t, "alice", g.Principal)
	assert.Equal(t, "dave", g.Requester)
	assert.Equal(t, 3, g.Depth)
	assert.Equal(t, chain[2].ExpiresAt, g.ExpiresAt)
	assert.Len(t, g.ChainIDs, 3)
}

func TestVerify_CorruptedSignatureNamesPosition(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	for j := 0; j < 3; j++ {
		chain := fx.chain(t, 3)
		sig := []byte(chain[j].Signature)
		if sig[0] == '0' {
			sig[0] = '1'
		} else {
			sig[0] = '0'
		}
		chain[j].Signature = string(sig)

		_, err := fx.v.Verify(chain, "dave", "file:read", okParams)
		ae := authErr(t, err)
		assert.Equal(t, j, ae.FailingIndex)
		assert.Equal(t, ReasonSignature, ae.Reason)
	}
}

func TestVerify_TamperedFieldBreaksSignature(t *testing.T) {
	fx := newFixture(t, "alice", "bob")
	chain := fx.chain(t, 1)
	chain[0].Constraints["limit"] = Constraint{Max: f(1e9)}
	_, err := fx.v.Verify(chain, "bob", "file:read", okParams)
	assert.Equal(t, ReasonSignature, authErr(t, err).Reason)
}

func TestVerify_EquivalentUnicodeBreaksSignature(t *testing.T) {
	fx := newFixture(t, "alice", "bob")
	c := fx.issue(t, "alice", "bob", "file:read", Constraints{"path": {Prefix: "/data/caf\u00e9/"}}, time.Hour)
	params := map[string]any{"path": "/data/caf\u00e9/menu.txt"}
	_, err := fx.v.Verify([]Certificate{c}, "bob", "file:read", params)
	require.NoError(t, err)

	c.Constraints = Constraints{"path": {Prefix: "/data/cafe\u0301/"}}
	_, err = fx.v.Verify([]Certificate{c}, "bob", "file:read", params)
	assert.Equal(t, ReasonSignature, authErr(t, err).Reason)
}

func TestVerify_DepthCheckedFirst(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave", "erin")
	chain := fx.chain(t, 4)
	for i := range chain {
		chain[i].Signature = strings.Repeat("00", 64)
	}
	_, err := fx.v.Verify(chain, "erin", "file:read", okParams)
	ae := authErr(t, err)
	assert.Equal(t, ReasonDepth, ae.Reason)
	assert.Equal(t, 3, ae.FailingIndex)

	fx.v.MaxDepth = 0
	_, err = fx.v.Verify(fx.chain(t, 4), "erin", "file:read", okParams)
	assert.Equal(t, ReasonDepth, authErr(t, err).Reason, "zero means the default depth")
}

func TestVerify_ExpiredAtAnyPosition(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	chain := fx.chain(t, 3)
	for j, c := range chain {
		fx.v.Clock = func() time.Time { return c.ExpiresAt }
		_, err := fx.v.Verify(chain, "dave", "file:read", okParams)
		ae := authErr(t, err)
		assert.Equal(t, j, ae.FailingIndex)
		assert.Equal(t, ReasonExpired, ae.Reason)
	}

	// expire only the middle certificate
	fx.v.Clock = func() time.Time { return t0.Add(time.Minute) }
	short := fx.chain(t, 3)
	mid, err := Issue(fx.signers["bob"], Certificate{
		TargetAgent: "carol", CapabilityID: "file:read",
		Constraints: short[1].Constraints, IssuedAt: t0, ExpiresAt: t0.Add(30 * time.Second),
	})
	require.NoError(t, err)
	short[1] = mid
	_, err = fx.v.Verify(short, "dave", "file:read", okParams)
	ae := authErr(t, err)
	assert.Equal(t, 1, ae.FailingIndex)
	assert.Equal(t, ReasonExpired, ae.Reason)
}

func TestVerify_NotYetValid(t *testing.T) {
	fx := newFixture(t, "alice", "bob")
	chain := fx.chain(t, 1)
	fx.v.Clock = func() time.Time { return t0.Add(-time.Minute) }
	_, err := fx.v.Verify(chain, "bob", "file:read", okParams)
	assert.Equal(t, ReasonNotYetValid, authErr(t, err).Reason)

	fx.v.Skew = 2 * time.Minute
	_, err = fx.v.Verify(chain, "bob", "file:read", okParams)
	assert.NoError(t, err)
}

func TestVerify_Continuity(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "mallory")
	c0 := fx.issue(t, "alice", "bob", "file:read", nil, time.Hour)
	c1 := fx.issue(t, "mallory", "carol", "file:read", nil, time.Hour)
	_, err := fx.v.Verify([]Certificate{c0, c1}, "carol", "file:read", nil)
	ae := authErr(t, err)
	assert.Equal(t, 1, ae.FailingIndex)
	assert.Equal(t, ReasonContinuity, ae.Reason)
}

func TestVerify_Requester(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	_, err := fx.v.Verify(fx.chain(t, 3), "eve", "file:read", okParams)
	ae := authErr(t, err)
	assert.Equal(t, 2, ae.FailingIndex)
	assert.Equal(t, ReasonRequester, ae.Reason)
}

func TestVerify_Capability(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol")
	c0 := fx.issue(t, "alice", "bob", "file:*", nil, time.Hour)
	c1 := fx.issue(t, "bob", "carol", "file:read", nil, time.Hour)

	_, err := fx.v.Verify([]Certificate{c0, c1}, "carol", "file:read", nil)
	require.NoError(t, err, "file:* covers file:read")

	_, err = fx.v.Verify([]Certificate{c0, c1}, "carol", "file:write", nil)
	ae := authErr(t, err)
	assert.Equal(t, 1, ae.FailingIndex)
	assert.Equal(t, ReasonCapability, ae.Reason)

	wide := fx.issue(t, "bob", "carol", "*", nil, time.Hour)
	_, err = fx.v.Verify([]Certificate{c0, wide}, "carol", "file:read", nil)
	assert.Equal(t, ReasonBroadened, authErr(t, err).Reason)
}

func TestVerify_Narrowing(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol")
	parent := fx.issue(t, "alice", "bob", "file:read", Constraints{
		"path":  {Prefix: "/data/"},
		"limit": {Max: f(100)},
	}, 2*time.Hour)

	tests := []struct {
		name string
		cons Constraints
		ttl  time.Duration
		ok   bool
	}{
		{"tighter", Constraints{"path": {Prefix: "/data/a"}, "limit": {Max: f(50)}}, time.Hour, true},
		{"pinned values", Constraints{"path": {Equals: "/data/a"}, "limit": {OneOf: []any{10, 20}}}, time.Hour, true},
		{"extra constraint", Constraints{"path": {Prefix: "/data/"}, "limit": {Max: f(100)}, "mode": {Equals: "ro"}}, time.Hour, true},
		{"dropped constraint", Constraints{"path": {Prefix: "/data/"}}, time.Hour, false},
		{"wider max", Constraints{"path": {Prefix: "/data/"}, "limit": {Max: f(1000)}}, time.Hour, false},
		{"other prefix", Constraints{"path": {Prefix: "/etc/"}, "limit": {Max: f(100)}}, time.Hour, false},
		{"pinned outside", Constraints{"path": {Equals: "/etc/passwd"}, "limit": {Max: f(1)}}, time.Hour, false},
		{"outlives parent", Constraints{"path": {Prefix: "/data/"}, "limit": {Max: f(100)}}, 3 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child := fx.issue(t, "bob", "carol", "file:read", tt.cons, tt.ttl)
			_, err := fx.v.Verify([]Certificate{parent, child}, "carol", "file:read",
				map[string]any{"path": "/data/a", "limit": 10, "mode": "ro"})
			if tt.ok {
				require.NoError(t, err)
				return
			}
			ae := authErr(t, err)
			assert.Equal(t, 1, ae.FailingIndex)
			assert.Equal(t, ReasonBroadened, ae.Reason)
		})
	}
}

func TestVerify_ParamsViolate(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	chain := fx.chain(t, 3)

	_, err := fx.v.Verify(chain, "dave", "file:read", map[string]any{"path": "/etc/passwd", "limit": 5})
	ae := authErr(t, err)
	assert.Equal(t, ReasonParamsViolate, ae.Reason)
	assert.Equal(t, 0, ae.FailingIndex)

	// limit 850 is within alice's 1000 and within bob's 900 but not carol's 800
	_, err = fx.v.Verify(chain, "dave", "file:read", map[string]any{"path": "/data/x", "limit": 850})
	ae = authErr(t, err)
	assert.Equal(t, 2, ae.FailingIndex)

	_, err = fx.v.Verify(chain, "dave", "file:read", map[string]any{"path": "/data/x"})
	assert.Equal(t, ReasonParamsViolate, authErr(t, err).Reason, "absent constrained parameter is rejected")
}

func TestVerify_EmptyAndUnknownIssuer(t *testing.T) {
	fx := newFixture(t, "alice", "bob")
	_, err := fx.v.Verify(nil, "bob", "file:read", nil)
	assert.Equal(t, ReasonEmpty, authErr(t, err).Reason)

	chain := fx.chain(t, 1)
	fx.ring.RevokeKey("alice")
	_, err = fx.v.Verify(chain, "bob", "file:read", okParams)
	assert.Equal(t, ReasonSignature, authErr(t, err).Reason)
}

func TestAuthorizationError_ErrorIR(t *testing.T) {
	e := errorir.From(&AuthorizationError{FailingIndex: 2, Reason: ReasonExpired, Detail: "old"})
	assert.Equal(t, errorir.KindAuthorization, e.Kind)
	assert.Equal(t, "/certificate_chain/2", e.Field)
	assert.Equal(t, errorir.ActionObtainDelegation, e.Recovery.Action)
	assert.Equal(t, []string{"expired"}, e.Recovery.Requires)
}

func TestIssue(t *testing.T) {
	fx := newFixture(t, "alice")
	_, err := Issue(fx.signers["alice"], Certificate{DelegatingAgent: "bob", TargetAgent: "x", CapabilityID: "a:b", ExpiresAt: t0.Add(time.Hour)})
	assert.Error(t, err, "cannot issue as someone else")

	_, err = Issue(fx.signers["alice"], Certificate{TargetAgent: "x", CapabilityID: "a:b", IssuedAt: t0, ExpiresAt: t0})
	assert.Error(t, err)

	c, err := Issue(fx.signers["alice"], Certificate{
		TargetAgent: "x", CapabilityID: "a:b",
		IssuedAt: t0.Add(123 * time.Millisecond), ExpiresAt: t0.Add(time.Hour + 999*time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, t0, c.IssuedAt)
	assert.Equal(t, t0.Add(time.Hour), c.ExpiresAt)
	assert.NotEmpty(t, c.ID)
}

func TestCovers(t *testing.T) {
	assert.True(t, Covers("*", "file:read"))
	assert.True(t, Covers("file:*", "file:read"))
	assert.True(t, Covers("file:*", "file:*"))
	assert.False(t, Covers("file:*", "filesystem:read"))
	assert.False(t, Covers("file:read", "file:write"))
	assert.False(t, Covers("file:read", "*"))
}
