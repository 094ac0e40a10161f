package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
)

// CatalogConstraint is the catalog format versions this build reads.
const CatalogConstraint = "^1"

// Catalog declares capabilities by metadata. Handlers are bound in code.
type Catalog struct {
	Version      string           `yaml:"version"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// CapabilitySpec is one catalog entry.
type CapabilitySpec struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Category    string             `yaml:"category"`
	Description string             `yaml:"description"`
	Input       *capability.Schema `yaml:"input"`
	Output      *capability.Schema `yaml:"output"`
	Effects     EffectsSpec        `yaml:"effects"`
	Guards      []guard.GuardSpec  `yaml:"guards"`
	// Handler names the handler to bind; it defaults to ID.
	Handler string `yaml:"handler"`
}

// EffectsSpec is the YAML form of effect.Model.
type EffectsSpec struct {
	ReadOnly       bool     `yaml:"read_only"`
	Isolation      string   `yaml:"isolation"`
	Resources      []string `yaml:"resources"`
	ResourceParams []string `yaml:"resource_params"`
	Timeout        string   `yaml:"timeout"`
}

// Model converts to an effect.Model.
func (e EffectsSpec) Model() (effect.Model, error) {
	iso, err := effect.ParseIsolation(e.Isolation)
	if err != nil {
		return effect.Model{}, err
	}
	m := effect.Model{
		ReadOnly:       e.ReadOnly,
		Isolation:      iso,
		Resources:      e.Resources,
		ResourceParams: e.ResourceParams,
	}
	if e.Timeout != "" {
		if m.Timeout, err = time.ParseDuration(e.Timeout); err != nil {
			return effect.Model{}, fmt.Errorf("timeout: %w", err)
		}
	}
	return m, m.Validate()
}

// LoadCatalog reads and version-checks a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Version == "" {
		return nil, fmt.Errorf("catalog: version is required")
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("catalog: version %q: %w", c.Version, err)
	}
	constraint, err := semver.NewConstraint(CatalogConstraint)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("catalog: version %s does not satisfy %s", v, CatalogConstraint)
	}
	return &c, nil
}

// Build builds each entry, binding handlers by capability id or
// the entry's handler name. An entry without a handler is an error.
func (c *Catalog) Build(handlers map[string]capability.Handler) ([]capability.Capability, error) {
	out := make([]capability.Capability, 0, len(c.Capabilities))
	for _, spec := range c.Capabilities {
		name := spec.Handler
		if name == "" {
			name = spec.ID
		}
		h, ok := handlers[name]
		if !ok {
			return nil, fmt.Errorf("catalog: no handler %q bound for %s", name, spec.ID)
		}
		m, err := spec.Effects.Model()
		if err != nil {
			return nil, fmt.Errorf("catalog: %s effects: %w", spec.ID, err)
		}
		guards := make([]guard.Guard, 0, len(spec.Guards))
		for i, gs := range spec.Guards {
			g, err := gs.Build()
			if err != nil {
				return nil, fmt.Errorf("catalog: %s guard %d: %w", spec.ID, i, err)
			}
			guards = append(guards, g)
		}
		out = append(out, capability.Capability{
			ID:          spec.ID,
			Name:        spec.Name,
			Category:    spec.Category,
			Description: spec.Description,
			Input:       spec.Input,
			Output:      spec.Output,
			Effects:     m,
			Guards:      guards,
			Handler:     h,
		})
	}
	return out, nil
}

// Register adds every catalog capability to reg.
func (c *Catalog) Register(reg *capability.Registry, handlers map[string]capability.Handler) error {
	caps, err := c.Build(handlers)
	if err != nil {
		return err
	}
	for _, cp := range caps {
		if err := reg.Register(cp); err != nil {
			return err
		}
	}
	return nil
}
