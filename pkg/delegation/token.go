package delegation

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
)

// certClaims carries a certificate inside an EdDSA JWT. The JWT
// signature authenticates the transport; the certificate keeps its own
// signature so a decoded chain verifies exactly like a JSON one.
type certClaims struct {
	jwt.RegisteredClaims
	Capability    string      `json:"cap"`
	Constraints   Constraints `json:"cns,omitempty"`
	CertSignature string      `json:"csig"`
}

// EncodeToken wraps a signed certificate in a JWT signed by the
// delegating agent.
func EncodeToken(c Certificate, signer crypto.Signer) (string, error) {
	if signer.KeyID() != c.DelegatingAgent {
		return "", fmt.Errorf("delegation: signer %q is not the issuer %q", signer.KeyID(), c.DelegatingAgent)
	}
	if c.Signature == "" {
		return "", errors.New("delegation: certificate is not signed")
	}
	claims := certClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Issuer:    c.DelegatingAgent,
			Subject:   c.TargetAgent,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Capability:    c.CapabilityID,
		Constraints:   c.Constraints,
		CertSignature: c.Signature,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	s, err := tok.SignedString(signer.CryptoSigner())
	if err != nil {
		return "", fmt.Errorf("delegation: sign token: %w", err)
	}
	return s, nil
}

// DecodeToken checks the JWT signature against the issuer's key and
// returns the certificate. Expiry is not checked here; the chain
// Verifier reports it with the certificate's position.
func DecodeToken(token string, keys crypto.KeyProvider) (Certificate, error) {
	var claims certClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*certClaims)
		if !ok || c.Issuer == "" {
			return nil, errors.New("token has no issuer")
		}
		pub, err := keys.PublicKey(c.Issuer)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(pub), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return Certificate{}, fmt.Errorf("delegation: invalid token: %w", err)
	}

	c := Certificate{
		ID:              claims.ID,
		DelegatingAgent: claims.Issuer,
		TargetAgent:     claims.Subject,
		CapabilityID:    claims.Capability,
		Constraints:     claims.Constraints,
		Signature:       claims.CertSignature,
	}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.UTC()
	}
	return c, nil
}

// DecodeChain decodes tokens in order, reporting the failing position.
func DecodeChain(tokens []string, keys crypto.KeyProvider) ([]Certificate, error) {
	chain := make([]Certificate, 0, len(tokens))
	for i, t := range tokens {
		c, err := DecodeToken(t, keys)
		if err != nil {
			return nil, reject(i, ReasonSignature, "%v", err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}
