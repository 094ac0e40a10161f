package delegation

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/warrant/pkg/canonicalize"
)

// Constraint restricts one parameter. Every set condition must hold.
type Constraint struct {
	Equals any      `json:"equals,omitempty"`
	OneOf  []any    `json:"one_of,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// Constraints maps parameter names to their restriction.
type Constraints map[string]Constraint

// Allows reports whether v satisfies c. A constrained parameter that is
// absent never satisfies it.
func (c Constraint) Allows(v any) bool {
	if v == nil {
		return false
	}
	if c.Equals != nil && !canonicalize.Equal(v, c.Equals) {
		return false
	}
	if len(c.OneOf) > 0 && !containsValue(c.OneOf, v) {
		return false
	}
	if c.Min != nil || c.Max != nil {
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		if c.Min != nil && f < *c.Min {
			return false
		}
		if c.Max != nil && f > *c.Max {
			return false
		}
	}
	if c.Prefix != "" {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, c.Prefix) {
			return false
		}
	}
	return true
}

// Check returns the first parameter in cs that params violate, sorted by
// name, or "" when all hold.
func (cs Constraints) Check(params map[string]any) string {
	for _, name := range sortedKeys(cs) {
		if !cs[name].Allows(params[name]) {
			return name
		}
	}
	return ""
}

// Narrows reports whether cs grants no more than parent: every parameter
// parent constrains, cs constrains at least as tightly. It returns the
// first parameter that broadens.
func (cs Constraints) Narrows(parent Constraints) (string, bool) {
	for _, name := range sortedKeys(parent) {
		cc, ok := cs[name]
		if !ok || !narrows(cc, parent[name]) {
			return name, false
		}
	}
	return "", true
}

// narrows is conservative: it proves containment only from the child's
// own explicit conditions.
func narrows(child, parent Constraint) bool {
	if parent.Equals != nil {
		if !childImplies(child, func(v any) bool { return canonicalize.Equal(v, parent.Equals) }) {
			return false
		}
	}
	if len(parent.OneOf) > 0 {
		if !childImplies(child, func(v any) bool { return containsValue(parent.OneOf, v) }) {
			return false
		}
	}
	if parent.Min != nil {
		ok := child.Min != nil && *child.Min >= *parent.Min
		if !ok && !childImplies(child, func(v any) bool { f, isNum := toFloat(v); return isNum && f >= *parent.Min }) {
			return false
		}
	}
	if parent.Max != nil {
		ok := child.Max != nil && *child.Max <= *parent.Max
		if !ok && !childImplies(child, func(v any) bool { f, isNum := toFloat(v); return isNum && f <= *parent.Max }) {
			return false
		}
	}
	if parent.Prefix != "" {
		ok := strings.HasPrefix(child.Prefix, parent.Prefix)
		if !ok && !childImplies(child, func(v any) bool { s, isStr := v.(string); return isStr && strings.HasPrefix(s, parent.Prefix) }) {
			return false
		}
	}
	return true
}

// childImplies reports whether every value the child admits through an
// explicit Equals or OneOf satisfies pred.
func childImplies(child Constraint, pred func(any) bool) bool {
	if child.Equals != nil {
		return pred(child.Equals)
	}
	if len(child.OneOf) > 0 {
		for _, v := range child.OneOf {
			if !pred(v) {
				return false
			}
		}
		return true
	}
	return false
}

func containsValue(set []any, v any) bool {
	for _, s := range set {
		if canonicalize.Equal(s, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(cs Constraints) []string {
	keys := make([]string, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
