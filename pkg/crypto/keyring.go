package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoKey is returned when no key is known for an agent.
var ErrNoKey = errors.New("no key for agent")

// KeyProvider resolves an agent id to its public key.
type KeyProvider interface {
	PublicKey(agentID string) (ed25519.PublicKey, error)
}

// SignerProvider additionally hands out signing keys for local agents.
type SignerProvider interface {
	KeyProvider
	Signer(agentID string) (Signer, error)
}

// KeyRing holds public keys for remote agents and signers for local ones.
// Revocation removes both.
type KeyRing struct {
	mu      sync.RWMutex
	public  map[string]ed25519.PublicKey
	signers map[string]Signer
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		public:  make(map[string]ed25519.PublicKey),
		signers: make(map[string]Signer),
	}
}

// AddSigner registers a local signer under its key id.
func (k *KeyRing) AddSigner(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
	k.public[s.KeyID()] = s.PublicKey()
}

// AddPublicKey registers a verification-only key.
func (k *KeyRing) AddPublicKey(agentID string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size for %s: %d", agentID, len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[agentID] = pub
	return nil
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(agentID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.public, agentID)
	delete(k.signers, agentID)
}

func (k *KeyRing) PublicKey(agentID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.public[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, agentID)
	}
	return pub, nil
}

func (k *KeyRing) Signer(agentID string) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, agentID)
	}
	return s, nil
}

// IDs returns the known agent ids in sorted order.
func (k *KeyRing) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.public))
	for id := range k.public {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
