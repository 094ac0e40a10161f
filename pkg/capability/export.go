package capability

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/warrant/pkg/effect"
)

// SchemaEntry is the introspection record for one capability.
type SchemaEntry struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Effects      EffectsEntry    `json:"effects"`
	Guards       GuardsEntry     `json:"guards"`
}

// EffectsEntry describes declared side effects.
type EffectsEntry struct {
	ReadOnly       bool             `json:"read_only"`
	Isolation      effect.Isolation `json:"isolation"`
	Resources      []string         `json:"resources,omitempty"`
	ResourceParams []string         `json:"resource_params,omitempty"`
}

// GuardsEntry describes preconditions and the timeout.
type GuardsEntry struct {
	Preconditions []GuardEntry `json:"preconditions"`
	TimeoutMs     int64        `json:"timeout_ms"`
}

// GuardEntry names one precondition.
type GuardEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Describe renders the introspection record for c.
func (c *Capability) Describe() (SchemaEntry, error) {
	in, err := c.Input.Document()
	if err != nil {
		return SchemaEntry{}, fmt.Errorf("capability %s: %w", c.ID, err)
	}
	out, err := c.Output.Document()
	if err != nil {
		return SchemaEntry{}, fmt.Errorf("capability %s: %w", c.ID, err)
	}
	pre := make([]GuardEntry, len(c.Guards))
	for i, g := range c.Guards {
		pre[i] = GuardEntry{Name: g.Name, Description: g.Description}
	}
	return SchemaEntry{
		ID:           c.ID,
		Name:         c.Name,
		Category:     c.Category,
		Description:  c.Description,
		InputSchema:  in,
		OutputSchema: out,
		Effects: EffectsEntry{
			ReadOnly:       c.Effects.ReadOnly,
			Isolation:      c.Effects.Isolation,
			Resources:      c.Effects.Resources,
			ResourceParams: c.Effects.ResourceParams,
		},
		Guards: GuardsEntry{Preconditions: pre, TimeoutMs: c.Effects.TimeoutMs()},
	}, nil
}

// ExportSchema describes every capability in registration order.
func (r *Registry) ExportSchema() ([]SchemaEntry, error) {
	caps := r.List()
	out := make([]SchemaEntry, 0, len(caps))
	for _, c := range caps {
		e, err := c.Describe()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
