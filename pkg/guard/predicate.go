package guard

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/warrant/pkg/canonicalize"
)

// Predicate is a pure boolean condition over a Snapshot.
type Predicate interface {
	Eval(s *Snapshot) (bool, error)
	String() string
}

type fileExists struct{ path string }

// FileExists holds when path was observed to exist.
func FileExists(path string) Predicate { return fileExists{path: path} }

func (p fileExists) Eval(s *Snapshot) (bool, error) {
	exists, observed := s.Files[p.path]
	if !observed {
		return false, fmt.Errorf("path %q was not observed", p.path)
	}
	return exists, nil
}

func (p fileExists) String() string { return fmt.Sprintf("file_exists(%q)", p.path) }

type paramFileExists struct{ param string }

// ParamFileExists holds when the string argument param names a path that
// was observed to exist.
func ParamFileExists(param string) Predicate { return paramFileExists{param: param} }

func (p paramFileExists) Eval(s *Snapshot) (bool, error) {
	path, ok := s.Args[p.param].(string)
	if !ok {
		return false, nil
	}
	exists, observed := s.Files[path]
	if !observed {
		return false, fmt.Errorf("path %q was not observed", path)
	}
	return exists, nil
}

func (p paramFileExists) String() string { return fmt.Sprintf("param_file_exists(%q)", p.param) }

type registryContains struct{ name string }

// RegistryContains holds when the registry snapshot lists name.
func RegistryContains(name string) Predicate { return registryContains{name: name} }

func (p registryContains) Eval(s *Snapshot) (bool, error) { return s.Registry[p.name], nil }

func (p registryContains) String() string { return fmt.Sprintf("registry_contains(%q)", p.name) }

type paramPresent struct{ name string }

// ParamPresent holds when the argument is present and not null.
func ParamPresent(name string) Predicate { return paramPresent{name: name} }

func (p paramPresent) Eval(s *Snapshot) (bool, error) {
	v, ok := s.Args[p.name]
	return ok && v != nil, nil
}

func (p paramPresent) String() string { return fmt.Sprintf("param_present(%q)", p.name) }

type paramEquals struct {
	name  string
	value any
}

// ParamEquals holds when the argument equals value under canonical JSON.
func ParamEquals(name string, value any) Predicate { return paramEquals{name: name, value: value} }

func (p paramEquals) Eval(s *Snapshot) (bool, error) {
	v, ok := s.Args[p.name]
	if !ok {
		return false, nil
	}
	return canonicalize.Equal(v, p.value), nil
}

func (p paramEquals) String() string { return fmt.Sprintf("param_equals(%q, %v)", p.name, p.value) }

type stateEquals struct {
	key   string
	value any
}

// StateEquals holds when the observed state key equals value.
func StateEquals(key string, value any) Predicate { return stateEquals{key: key, value: value} }

func (p stateEquals) Eval(s *Snapshot) (bool, error) {
	v, ok := s.State[p.key]
	if !ok {
		return false, nil
	}
	return canonicalize.Equal(v, p.value), nil
}

func (p stateEquals) String() string { return fmt.Sprintf("state_equals(%q, %v)", p.key, p.value) }

type and []Predicate

// And holds when every operand holds; it stops at the first false.
// And() with no operands holds.
func And(ps ...Predicate) Predicate { return and(ps) }

func (p and) Eval(s *Snapshot) (bool, error) {
	for _, q := range p {
		ok, err := q.Eval(s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p and) String() string { return "and(" + join(p) + ")" }

type or []Predicate

// Or holds when any operand holds; it stops at the first true.
// Or() with no operands does not hold.
func Or(ps ...Predicate) Predicate { return or(ps) }

func (p or) Eval(s *Snapshot) (bool, error) {
	var firstErr error
	for _, q := range p {
		ok, err := q.Eval(s)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func (p or) String() string { return "or(" + join(p) + ")" }

type not struct{ p Predicate }

// Not inverts p. Errors propagate.
func Not(p Predicate) Predicate { return not{p: p} }

func (p not) Eval(s *Snapshot) (bool, error) {
	ok, err := p.p.Eval(s)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (p not) String() string { return "not(" + p.p.String() + ")" }

type always bool

// Always returns a constant predicate.
func Always(v bool) Predicate { return always(v) }

func (p always) Eval(*Snapshot) (bool, error) { return bool(p), nil }

func (p always) String() string { return fmt.Sprintf("always(%t)", bool(p)) }

func join(ps []Predicate) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// Paths returns the filesystem paths the guards reference for args,
// in first-reference order without duplicates.
func Paths(guards []Guard, args map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch v := p.(type) {
		case fileExists:
			add(v.path)
		case paramFileExists:
			if s, ok := args[v.param].(string); ok {
				add(s)
			}
		case and:
			for _, q := range v {
				walk(q)
			}
		case or:
			for _, q := range v {
				walk(q)
			}
		case not:
			walk(v.p)
		}
	}
	for _, g := range guards {
		if g.Predicate != nil {
			walk(g.Predicate)
		}
	}
	return out
}
