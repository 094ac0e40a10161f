package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Snapshot is the point-in-time execution context guards see.
type Snapshot struct {
	Args     map[string]any
	Files    map[string]bool
	Registry map[string]bool
	State    map[string]any
	TakenAt  time.Time
}

// RegistryNames returns the registry snapshot as a sorted list.
func (s *Snapshot) RegistryNames() []string {
	names := make([]string, 0, len(s.Registry))
	for n, ok := range s.Registry {
		if ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// FileSystem answers existence queries while a snapshot is taken.
type FileSystem interface {
	Exists(path string) (bool, error)
}

// OSFileSystem stats the local filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MapFileSystem is a fixed set of existing paths.
type MapFileSystem map[string]bool

func (m MapFileSystem) Exists(path string) (bool, error) { return m[path], nil }

// Names lists registered capability ids.
type Names interface {
	Names() []string
}

// StateSource supplies external state at snapshot time. The returned map
// is copied.
type StateSource interface {
	State() map[string]any
}

// Observer takes Snapshots. Nil fields observe nothing.
type Observer struct {
	FS       FileSystem
	Registry Names
	State    StateSource
	Clock    func() time.Time
}

// Observe copies args and reads exactly the external state the guards
// reference. The returned snapshot shares nothing with its inputs. A
// filesystem error is a *PreconditionFailed naming the first guard that
// referenced the path.
func (o *Observer) Observe(guards []Guard, args map[string]any) (*Snapshot, error) {
	snap := &Snapshot{
		Args:     copyMap(args),
		Files:    make(map[string]bool),
		Registry: make(map[string]bool),
		State:    map[string]any{},
	}
	if o.Clock != nil {
		snap.TakenAt = o.Clock().UTC()
	} else {
		snap.TakenAt = time.Now().UTC()
	}

	if o.FS != nil {
		for i, g := range guards {
			for _, p := range Paths(guards[i:i+1], snap.Args) {
				if _, done := snap.Files[p]; done {
					continue
				}
				ok, err := o.FS.Exists(p)
				if err != nil {
					return nil, &PreconditionFailed{
						Index:       i,
						GuardName:   g.Name,
						Description: g.Description,
						Cause:       fmt.Errorf("observe %q: %w", p, err),
					}
				}
				snap.Files[p] = ok
			}
		}
	}
	if o.Registry != nil {
		for _, n := range o.Registry.Names() {
			snap.Registry[n] = true
		}
	}
	if o.State != nil {
		snap.State = copyMap(o.State.State())
	}
	return snap, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies JSON-shaped values and turns json.Number into
// int64 or float64 so expressions see native numbers.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return v
	}
}
