package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/delegation"
)

type keyOutput struct {
	AgentID    string `json:"agent_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

// runKeygenCmd prints an agent key. With --seed the key is the one a
// node configured with the same WARRANT_KEY_SEED derives; otherwise a
// fresh key is generated and its private seed printed once.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var agent, seedHex string
	cmd.StringVar(&agent, "agent", "", "Agent id (REQUIRED)")
	cmd.StringVar(&seedHex, "seed", "", "Master seed (hex) to derive the key from")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agent == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}

	out := keyOutput{AgentID: agent}
	if seedHex != "" {
		derived, err := derivedKeys(seedHex)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --seed: %v\n", err)
			return 2
		}
		pub, err := derived.PublicKey(agent)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		out.PublicKey = hex.EncodeToString(pub)
	} else {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		s, err := crypto.NewEd25519SignerFromSeed(seed, agent)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		out.PublicKey = s.PublicKeyHex()
		out.PrivateKey = hex.EncodeToString(seed)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 2
	}
	return 0
}

// runDelegateCmd issues a certificate from --issuer to --target and
// prints it as a token for the certificate_chain of an execute request.
func runDelegateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("delegate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		issuer, target, capID string
		keyHex, seedHex       string
		constraints           string
		ttl                   time.Duration
		jsonOutput            bool
	)
	cmd.StringVar(&issuer, "issuer", "", "Delegating agent id (REQUIRED)")
	cmd.StringVar(&target, "target", "", "Agent receiving the authority (REQUIRED)")
	cmd.StringVar(&capID, "capability", "", "Capability id or pattern, e.g. file:* (REQUIRED)")
	cmd.StringVar(&keyHex, "key", "", "Issuer private key seed (hex)")
	cmd.StringVar(&seedHex, "seed", "", "Master seed (hex) the issuer key is derived from")
	cmd.StringVar(&constraints, "constraints", "", `Parameter constraints as JSON, e.g. {"path":{"prefix":"/tmp/"}}`)
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Certificate lifetime")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the certificate and token as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if issuer == "" || target == "" || capID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --issuer, --target and --capability are required")
		return 2
	}
	if (keyHex == "") == (seedHex == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --key or --seed is required")
		return 2
	}
	if ttl <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 2
	}

	signer, err := issuerSigner(issuer, keyHex, seedHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cert := delegation.Certificate{
		DelegatingAgent: issuer,
		TargetAgent:     target,
		CapabilityID:    capID,
		IssuedAt:        time.Now(),
	}
	cert.ExpiresAt = cert.IssuedAt.Add(ttl)
	if constraints != "" {
		if err := json.Unmarshal([]byte(constraints), &cert.Constraints); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --constraints: %v\n", err)
			return 2
		}
	}

	cert, err = delegation.Issue(signer, cert)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	token, err := delegation.EncodeToken(cert, signer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"certificate": cert, "token": token})
		return 0
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func issuerSigner(issuer, keyHex, seedHex string) (crypto.Signer, error) {
	if seedHex != "" {
		derived, err := derivedKeys(seedHex)
		if err != nil {
			return nil, fmt.Errorf("--seed: %w", err)
		}
		return derived.Signer(issuer)
	}
	seed, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("--key: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, issuer)
}

func derivedKeys(seedHex string) (*crypto.DerivedKeyProvider, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	return crypto.NewDerivedKeyProvider(seed, keySalt)
}
