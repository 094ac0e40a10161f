package builtin

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

// Summary is one capability:list entry.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

func listCapability(reg *capability.Registry) capability.Capability {
	return capability.Capability{
		ID:          CapabilityList,
		Name:        "List capabilities",
		Category:    "introspection",
		Description: "Lists registered capabilities in registration order, optionally filtered by category.",
		Input: capability.Object(map[string]*capability.Schema{
			"category": capability.String("only capabilities in this category"),
		}).Closed(),
		Output:  capability.Array("capability summaries", capability.Object(nil, "id", "name", "category")),
		Effects: effect.Model{ReadOnly: true, Isolation: effect.Independent},
		Handler: capability.HandlerFunc(func(_ context.Context, c capability.Call) (any, error) {
			category, _ := c.Params()["category"].(string)
			out := []Summary{}
			for _, cp := range reg.List() {
				if category != "" && cp.Category != category {
					continue
				}
				out = append(out, Summary{ID: cp.ID, Name: cp.Name, Category: cp.Category, Description: cp.Description})
			}
			return out, nil
		}),
	}
}

func describeCapability(reg *capability.Registry) capability.Capability {
	return capability.Capability{
		ID:          CapabilityDescribe,
		Name:        "Describe capability",
		Category:    "introspection",
		Description: "Returns the schema, effects and guards of one capability.",
		Input: capability.Object(map[string]*capability.Schema{
			"id": capability.String("capability id"),
		}, "id").Closed(),
		Effects: effect.Model{ReadOnly: true, Isolation: effect.Independent},
		Guards: []guard.Guard{
			guard.New("registered", "the capability must be registered", guard.MustExpr(`args.id in registry`)),
		},
		Handler: capability.HandlerFunc(func(_ context.Context, c capability.Call) (any, error) {
			id, _ := c.Params()["id"].(string)
			cp, err := reg.Get(id)
			if err != nil {
				return nil, errorir.New(errorir.KindNotFound, "capability %q is not registered", id).WithField("/id")
			}
			return cp.Describe()
		}),
	}
}

// Verification is the receipt:verify result.
type Verification struct {
	Valid     bool   `json:"valid"`
	Count     int    `json:"count"`
	SignerID  string `json:"signer_id,omitempty"`
	ChainHash string `json:"chain_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

type verifyParams struct {
	Receipt     *receipt.Receipt  `json:"receipt"`
	Receipts    []receipt.Receipt `json:"receipts"`
	ExecutionID string            `json:"execution_id"`
}

func verifyCapability(d Deps) capability.Capability {
	receiptSchema := capability.Object(nil, "execution_id", "signer_id", "signature")
	return capability.Capability{
		ID:          ReceiptVerify,
		Name:        "Verify receipts",
		Category:    "audit",
		Description: "Checks the signature of one receipt, a stored receipt by execution id, or the signatures and links of a receipt chain.",
		Input: capability.Object(map[string]*capability.Schema{
			"receipt":      receiptSchema,
			"receipts":     capability.Array("a chain in sequence order", receiptSchema),
			"execution_id": capability.String("look up a stored receipt"),
		}),
		Output: capability.Object(map[string]*capability.Schema{
			"valid": capability.Boolean("all signatures and links verify"),
			"count": capability.Integer("receipts checked"),
		}, "valid", "count"),
		Effects: effect.Model{ReadOnly: true, Isolation: effect.Independent},
		Guards: []guard.Guard{
			guard.New("subject", "one of receipt, receipts or execution_id is required",
				guard.Or(guard.ParamPresent("receipt"), guard.ParamPresent("receipts"), guard.ParamPresent("execution_id"))),
		},
		Handler: capability.HandlerFunc(func(ctx context.Context, c capability.Call) (any, error) {
			if d.Keys == nil {
				return nil, errorir.New(errorir.KindInternal, "no verification keys configured")
			}
			var p verifyParams
			if err := decode(c.Params(), &p); err != nil {
				return nil, err
			}
			return verify(ctx, d, p)
		}),
	}
}

func verify(ctx context.Context, d Deps, p verifyParams) (Verification, error) {
	switch {
	case len(p.Receipts) > 0:
		return Check(d.Keys, p.Receipts...), nil
	case p.Receipt != nil:
		return Check(d.Keys, *p.Receipt), nil
	default:
		if d.Receipts == nil {
			return Verification{}, errorir.New(errorir.KindValidation, "no receipt store configured for lookups").
				WithField("/execution_id")
		}
		r, err := d.Receipts.Get(ctx, p.ExecutionID)
		if errors.Is(err, store.ErrReceiptNotFound) {
			return Verification{}, errorir.New(errorir.KindNotFound, "no receipt for execution %q", p.ExecutionID).
				WithField("/execution_id")
		}
		if err != nil {
			return Verification{}, errorir.Retriable(err)
		}
		return Check(d.Keys, *r), nil
	}
}

// Check verifies one receipt, or a chain when given several. A failed
// check is reported in the result, not as an error.
func Check(keys crypto.KeyProvider, rs ...receipt.Receipt) Verification {
	v := Verification{Count: len(rs)}
	if len(rs) == 0 {
		v.Error = "no receipts"
		return v
	}
	last := rs[len(rs)-1]
	v.SignerID = last.SignerID
	var err error
	if len(rs) == 1 {
		err = receipt.VerifyWith(last, keys)
	} else {
		err = receipt.VerifyChain(rs, keys)
	}
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.Valid = true
	v.ChainHash, _ = receipt.ChainHash(last)
	return v
}
