// Package builtin provides the capabilities every warrant node registers
// at startup: registry introspection, receipt verification, consensus
// validation and governed file access.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

// Capability ids.
const (
	CapabilityList     = "capability:list"
	CapabilityDescribe = "capability:describe"
	ReceiptVerify      = "receipt:verify"
	ConsensusValidate  = "consensus:validate"
	FileRead           = "file:read"
	FileWrite          = "file:write"
)

// Deps are the collaborators built-ins reach. Nil fields disable the
// features that need them.
type Deps struct {
	// Keys verifies receipt signatures.
	Keys crypto.KeyProvider
	// Receipts resolves receipt:verify by execution id.
	Receipts store.ReceiptStore
	// Rounds persists consensus:validate rounds that carry a round_id.
	Rounds store.ConsensusStore
	// MaxReadBytes caps file:read. Zero means DefaultMaxReadBytes.
	MaxReadBytes int64
}

// Capabilities returns the built-ins bound to reg and d. capability:list
// and capability:describe read reg at execution time.
func Capabilities(reg *capability.Registry, d Deps) []capability.Capability {
	return []capability.Capability{
		listCapability(reg),
		describeCapability(reg),
		verifyCapability(d),
		consensusCapability(d),
		readCapability(d),
		writeCapability(),
	}
}

// Register adds every built-in to reg.
func Register(reg *capability.Registry, d Deps) error {
	for _, c := range Capabilities(reg, d) {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}

// decode maps validated params onto a typed struct.
func decode(params map[string]any, v any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return errorir.New(errorir.KindValidation, "parameters are not JSON-serializable").WithCause(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errorir.New(errorir.KindValidation, "parameters do not decode: %v", err).WithField("/")
	}
	return nil
}
