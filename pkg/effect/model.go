// Package effect classifies the side effects of a capability and the
// concurrency constraints they impose on a scheduler.
package effect

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Isolation governs which operations may safely run concurrently.
type Isolation int

const (
	// Independent operations share nothing and may run alongside anything.
	Independent Isolation = iota
	// SharedRead operations read shared resources and never write them.
	SharedRead
	// Exclusive operations need sole access to their named resources.
	Exclusive
)

var isolationNames = map[Isolation]string{
	Independent: "independent",
	SharedRead:  "shared_read",
	Exclusive:   "exclusive",
}

func (i Isolation) String() string {
	if s, ok := isolationNames[i]; ok {
		return s
	}
	return fmt.Sprintf("isolation(%d)", int(i))
}

// ParseIsolation accepts the wire names (independent, shared_read,
// exclusive). Matching is case-insensitive and tolerates "sharedread".
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "independent":
		return Independent, nil
	case "shared_read", "sharedread", "shared-read":
		return SharedRead, nil
	case "exclusive":
		return Exclusive, nil
	}
	return Independent, fmt.Errorf("effect: unknown isolation level %q", s)
}

func (i Isolation) MarshalJSON() ([]byte, error) {
	s, ok := isolationNames[i]
	if !ok {
		return nil, fmt.Errorf("effect: invalid isolation %d", int(i))
	}
	return json.Marshal(s)
}

func (i *Isolation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseIsolation(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Model is the declared effect of a capability.
type Model struct {
	ReadOnly  bool      `json:"read_only"`
	Isolation Isolation `json:"isolation"`
	// Resources are static resource names the operation touches.
	Resources []string `json:"resources,omitempty"`
	// ResourceParams names string parameters whose values are resource
	// names, bound per invocation (e.g. a file path).
	ResourceParams []string      `json:"resource_params,omitempty"`
	Timeout        time.Duration `json:"-"`
}

var (
	ErrWriteUnderSharedRead = errors.New("effect: shared_read operations must be read_only")
	ErrExclusiveNoResource  = errors.New("effect: exclusive operations must name at least one resource")
	ErrNegativeTimeout      = errors.New("effect: timeout must not be negative")
)

// Validate checks the model is internally consistent.
func (m Model) Validate() error {
	if _, ok := isolationNames[m.Isolation]; !ok {
		return fmt.Errorf("effect: invalid isolation %d", int(m.Isolation))
	}
	if m.Isolation == SharedRead && !m.ReadOnly {
		return ErrWriteUnderSharedRead
	}
	if m.Isolation == Exclusive && len(m.Resources) == 0 && len(m.ResourceParams) == 0 {
		return ErrExclusiveNoResource
	}
	if m.Timeout < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

// Bind resolves ResourceParams against params and returns a model whose
// Resources hold the full, sorted, de-duplicated resource set for one
// invocation. Missing or non-string parameters are skipped; schema
// validation runs first and rejects them where they matter.
func (m Model) Bind(params map[string]any) Model {
	set := make(map[string]struct{}, len(m.Resources)+len(m.ResourceParams))
	for _, r := range m.Resources {
		set[r] = struct{}{}
	}
	for _, p := range m.ResourceParams {
		if v, ok := params[p].(string); ok && v != "" {
			set[v] = struct{}{}
		}
	}
	out := m
	out.Resources = make([]string, 0, len(set))
	for r := range set {
		out.Resources = append(out.Resources, r)
	}
	sort.Strings(out.Resources)
	out.ResourceParams = nil
	return out
}

// TimeoutMs is the timeout in whole milliseconds, 0 when unbounded.
func (m Model) TimeoutMs() int64 { return m.Timeout.Milliseconds() }

func (m Model) touches() bool {
	return m.Isolation != Independent && len(m.Resources) > 0
}

// ConflictingResources returns the resources on which a and b may not run
// concurrently, sorted. Independent operations never conflict, two
// SharedRead operations never conflict, and an Exclusive operation
// conflicts with anything else touching one of its resources.
func ConflictingResources(a, b Model) []string {
	if !a.touches() || !b.touches() {
		return nil
	}
	if a.Isolation == SharedRead && b.Isolation == SharedRead {
		return nil
	}
	inB := make(map[string]struct{}, len(b.Resources))
	for _, r := range b.Resources {
		inB[r] = struct{}{}
	}
	var out []string
	for _, r := range a.Resources {
		if _, ok := inB[r]; ok {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Conflicts reports whether a and b must be serialized.
func Conflicts(a, b Model) bool {
	return len(ConflictingResources(a, b)) > 0
}
