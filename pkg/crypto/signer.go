// Package crypto provides Ed25519 signing for receipts and delegation
// certificates, plus per-agent key providers.
package crypto

import (
	gocrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer produces detached Ed25519 signatures under a stable key id.
type Signer interface {
	KeyID() string
	Sign(data []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
	// CryptoSigner exposes the key as a standard crypto.Signer for
	// libraries (JWT) that sign on their own.
	CryptoSigner() gocrypto.Signer
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		keyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privKey, data), nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pubKey }

func (s *Ed25519Signer) CryptoSigner() gocrypto.Signer { return s.privKey }

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// VerifyHex verifies a hex signature against a hex public key.
func VerifyHex(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKey))
	}
	return ed25519.PublicKey(pubKey), nil
}
