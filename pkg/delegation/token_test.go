package delegation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_RoundTripVerifies(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "carol", "dave")
	chain := fx.chain(t, 3)

	tokens := make([]string, len(chain))
	for i, c := range chain {
		tok, err := EncodeToken(c, fx.signers[c.DelegatingAgent])
		require.NoError(t, err)
		tokens[i] = tok
	}

	decoded, err := DecodeChain(tokens, fx.ring)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, chain[1].ID, decoded[1].ID)
	assert.True(t, chain[1].ExpiresAt.Equal(decoded[1].ExpiresAt))

	_, err = fx.v.Verify(decoded, "dave", "file:read", okParams)
	require.NoError(t, err)
}

func TestToken_Rejections(t *testing.T) {
	fx := newFixture(t, "alice", "bob", "mallory")
	c := fx.chain(t, 1)[0]

	_, err := EncodeToken(c, fx.signers["mallory"])
	assert.Error(t, err, "only the issuer may wrap its certificate")

	tok, err := EncodeToken(c, fx.signers["alice"])
	require.NoError(t, err)

	b := []byte(tok)
	i := strings.LastIndex(tok, ".") + 5
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	tampered := string(b)
	_, err = DecodeToken(tampered, fx.ring)
	assert.Error(t, err)

	_, err = DecodeChain([]string{tok, "not-a-jwt"}, fx.ring)
	ae := authErr(t, err)
	assert.Equal(t, 1, ae.FailingIndex)

	fx.ring.RevokeKey("alice")
	_, err = DecodeToken(tok, fx.ring)
	assert.Error(t, err)
}
