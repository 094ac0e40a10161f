// Package capability holds the catalog of operations the governance layer
// can execute: identity, schemas, guards and declared effects.
package capability

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
)

// Call is the handler's view of one invocation.
type Call interface {
	CapabilityID() string
	ExecutionID() string
	Requester() string
	Params() map[string]any
	// Yield emits one frame on stream. It returns an error once
	// cancellation has been requested; handlers should stop then.
	Yield(stream string, payload any) error
}

// Handler runs a capability's effect.
type Handler interface {
	Handle(ctx context.Context, call Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

// Capability is a declared, introspectable operation.
type Capability struct {
	ID          string
	Name        string
	Category    string
	Description string
	Input       *Schema
	Output      *Schema
	Effects     effect.Model
	Guards      []guard.Guard
	Handler     Handler

	input  *jsonschema.Schema
	output *jsonschema.Schema
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[a-z][a-z0-9_-]*$`)

// ValidateID checks the noun:verb form.
func ValidateID(id string) error {
	if !norm.NFC.IsNormalString(id) {
		return fmt.Errorf("capability id %q is not NFC-normalized", id)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("capability id %q must have the form noun:verb", id)
	}
	return nil
}

// Noun returns the part of the id before the colon.
func (c *Capability) Noun() string {
	noun, _, _ := strings.Cut(c.ID, ":")
	return noun
}

func (c *Capability) prepare() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Category == "" {
		c.Category = c.Noun()
	}
	if err := c.Effects.Validate(); err != nil {
		return fmt.Errorf("capability %s: %w", c.ID, err)
	}
	seen := make(map[string]bool, len(c.Guards))
	for i, g := range c.Guards {
		if g.Name == "" || g.Predicate == nil {
			return fmt.Errorf("capability %s: guard %d needs a name and a predicate", c.ID, i)
		}
		if seen[g.Name] {
			return fmt.Errorf("capability %s: duplicate guard %q", c.ID, g.Name)
		}
		seen[g.Name] = true
	}
	if c.Input == nil {
		c.Input = &Schema{Type: "object"}
	}

	var err error
	if c.input, err = compile(c.ID, "input", c.Input); err != nil {
		return err
	}
	if c.Output != nil {
		if c.output, err = compile(c.ID, "output", c.Output); err != nil {
			return err
		}
	}
	return nil
}

// clone copies c so that no slice or schema is shared with the original.
// Compiled schemas are immutable and stay shared.
func (c *Capability) clone() *Capability {
	out := *c
	out.Input = c.Input.Copy()
	out.Output = c.Output.Copy()
	out.Guards = append([]guard.Guard(nil), c.Guards...)
	out.Effects.Resources = append([]string(nil), c.Effects.Resources...)
	out.Effects.ResourceParams = append([]string(nil), c.Effects.ResourceParams...)
	return &out
}

func compile(id, kind string, s *Schema) (*jsonschema.Schema, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, fmt.Errorf("capability %s: %s schema: %w", id, kind, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://warrant.schemas.local/capabilities/%s/%s.schema.json",
		strings.ReplaceAll(id, ":", "/"), kind)
	if err := c.AddResource(schemaURL, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("capability %s: %s schema load failed: %w", id, kind, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %s schema compile failed: %w", id, kind, err)
	}
	return compiled, nil
}
