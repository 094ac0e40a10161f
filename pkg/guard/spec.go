package guard

import (
	"fmt"
	"strings"
)

// Spec is the declarative form of a predicate tree, as it appears in a
// capability catalog:
//
//	{kind: and, of: [{kind: param_present, param: path}, {kind: param_file_exists, param: path}]}
type Spec struct {
	Kind  string `yaml:"kind" json:"kind"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Param string `yaml:"param,omitempty" json:"param,omitempty"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Key   string `yaml:"key,omitempty" json:"key,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
	Expr  string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Of    []Spec `yaml:"of,omitempty" json:"of,omitempty"`
}

// GuardSpec is a named predicate tree.
type GuardSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	When        Spec   `yaml:"when" json:"when"`
}

// Build turns the spec into a Predicate.
func (s Spec) Build() (Predicate, error) {
	switch strings.ToLower(s.Kind) {
	case "file_exists":
		if s.Path == "" {
			return nil, fmt.Errorf("guard: file_exists requires path")
		}
		return FileExists(s.Path), nil
	case "param_file_exists":
		if s.Param == "" {
			return nil, fmt.Errorf("guard: param_file_exists requires param")
		}
		return ParamFileExists(s.Param), nil
	case "registry_contains":
		if s.Name == "" {
			return nil, fmt.Errorf("guard: registry_contains requires name")
		}
		return RegistryContains(s.Name), nil
	case "param_present":
		if s.Param == "" {
			return nil, fmt.Errorf("guard: param_present requires param")
		}
		return ParamPresent(s.Param), nil
	case "param_equals":
		if s.Param == "" {
			return nil, fmt.Errorf("guard: param_equals requires param")
		}
		return ParamEquals(s.Param, s.Value), nil
	case "state_equals":
		if s.Key == "" {
			return nil, fmt.Errorf("guard: state_equals requires key")
		}
		return StateEquals(s.Key, s.Value), nil
	case "expr":
		return Expr(s.Expr)
	case "always":
		b, _ := s.Value.(bool)
		return Always(b), nil
	case "not":
		if len(s.Of) != 1 {
			return nil, fmt.Errorf("guard: not takes exactly one operand, got %d", len(s.Of))
		}
		p, err := s.Of[0].Build()
		if err != nil {
			return nil, err
		}
		return Not(p), nil
	case "and", "or":
		ps := make([]Predicate, 0, len(s.Of))
		for i, sub := range s.Of {
			p, err := sub.Build()
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", s.Kind, i, err)
			}
			ps = append(ps, p)
		}
		if strings.EqualFold(s.Kind, "and") {
			return And(ps...), nil
		}
		return Or(ps...), nil
	}
	return nil, fmt.Errorf("guard: unknown predicate kind %q", s.Kind)
}

// Build turns the spec into a Guard.
func (g GuardSpec) Build() (Guard, error) {
	if g.Name == "" {
		return Guard{}, fmt.Errorf("guard: name is required")
	}
	p, err := g.When.Build()
	if err != nil {
		return Guard{}, fmt.Errorf("guard %q: %w", g.Name, err)
	}
	return New(g.Name, g.Description, p), nil
}
