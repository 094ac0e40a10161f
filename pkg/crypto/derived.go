package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const derivationInfoPrefix = "warrant/agent-key/v1/"

// DerivedKeyProvider derives a deterministic Ed25519 key for every agent
// from a single master seed (HKDF-SHA256, agent id in the info string).
// Keys are cached after first derivation.
type DerivedKeyProvider struct {
	master []byte
	salt   []byte

	mu    sync.Mutex
	cache map[string]*Ed25519Signer
}

// NewDerivedKeyProvider creates a provider. The master seed must be at
// least 32 bytes.
func NewDerivedKeyProvider(master, salt []byte) (*DerivedKeyProvider, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(master))
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &DerivedKeyProvider{
		master: m,
		salt:   salt,
		cache:  make(map[string]*Ed25519Signer),
	}, nil
}

func (p *DerivedKeyProvider) Signer(agentID string) (Signer, error) {
	return p.derive(agentID)
}

func (p *DerivedKeyProvider) PublicKey(agentID string) (ed25519.PublicKey, error) {
	s, err := p.derive(agentID)
	if err != nil {
		return nil, err
	}
	return s.PublicKey(), nil
}

func (p *DerivedKeyProvider) derive(agentID string) (*Ed25519Signer, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrNoKey)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.cache[agentID]; ok {
		return s, nil
	}

	r := hkdf.New(sha256.New, p.master, p.salt, []byte(derivationInfoPrefix+agentID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	s, err := NewEd25519SignerFromSeed(seed, agentID)
	if err != nil {
		return nil, err
	}
	p.cache[agentID] = s
	return s, nil
}

// Chain tries each provider in order and returns the first public key found.
type Chain []KeyProvider

func (c Chain) PublicKey(agentID string) (ed25519.PublicKey, error) {
	for _, kp := range c {
		if kp == nil {
			continue
		}
		if pub, err := kp.PublicKey(agentID); err == nil {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoKey, agentID)
}
