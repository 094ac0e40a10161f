package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func TestKeyRing_AddAndLookup(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("agent-b")
	k2, _ := NewEd25519Signer("agent-a")
	kr.AddSigner(k1)
	kr.AddSigner(k2)

	pub, err := kr.PublicKey("agent-b")
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey(), pub)

	s, err := kr.Signer("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", s.KeyID())

	assert.Equal(t, []string{"agent-a", "agent-b"}, kr.IDs())
}

func TestKeyRing_PublicOnly(t *testing.T) {
	kr := NewKeyRing()
	remote, _ := NewEd25519Signer("remote")
	require.NoError(t, kr.AddPublicKey("remote", remote.PublicKey()))

	_, err := kr.PublicKey("remote")
	require.NoError(t, err)

	_, err = kr.Signer("remote")
	assert.ErrorIs(t, err, ErrNoKey)

	assert.Error(t, kr.AddPublicKey("bad", []byte{1, 2, 3}))
}

func TestKeyRing_Revoke(t *testing.T) {
	kr := NewKeyRing()
	k, _ := NewEd25519Signer("agent")
	kr.AddSigner(k)
	kr.RevokeKey("agent")

	_, err := kr.PublicKey("agent")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = kr.Signer("agent")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestDerivedKeyProvider(t *testing.T) {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(255 - i)
	}
	p1, err := NewDerivedKeyProvider(master, nil)
	require.NoError(t, err)
	p2, err := NewDerivedKeyProvider(master, nil)
	require.NoError(t, err)

	a1, err := p1.PublicKey("agent-a")
	require.NoError(t, err)
	a2, err := p2.PublicKey("agent-a")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "derivation must be deterministic across providers")

	b1, err := p1.PublicKey("agent-b")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b1, "agents must get distinct keys")

	s, err := p1.Signer("agent-a")
	require.NoError(t, err)
	sig, _ := s.Sign([]byte("m"))
	assert.True(t, Verify(a2, []byte("m"), sig))

	_, err = p1.PublicKey("")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewDerivedKeyProvider([]byte("short"), nil)
	assert.Error(t, err)
}

func TestChain_FirstMatchWins(t *testing.T) {
	kr := NewKeyRing()
	k, _ := NewEd25519Signer("local")
	kr.AddSigner(k)

	chain := Chain{nil, NewKeyRing(), kr}
	pub, err := chain.PublicKey("local")
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), pub)

	_, err = chain.PublicKey("missing")
	assert.ErrorIs(t, err, ErrNoKey)
}
