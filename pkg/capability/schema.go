package capability

import (
	"encoding/json"
	"sort"
)

// SchemaDraft is the JSON-Schema dialect exported and validated against.
const SchemaDraft = "https://json-schema.org/draft/2020-12/schema"

// Schema is the subset of JSON Schema capabilities declare. Objects use
// the standard object-level `required` array.
type Schema struct {
	Type                 string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description          string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required             []string           `json:"required,omitempty" yaml:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern              string             `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Default              any                `json:"default,omitempty" yaml:"default,omitempty"`
}

// Object builds an object schema. Required names are sorted.
func Object(props map[string]*Schema, required ...string) *Schema {
	req := append([]string(nil), required...)
	sort.Strings(req)
	return &Schema{Type: "object", Properties: props, Required: req}
}

// Closed disallows properties not listed.
func (s *Schema) Closed() *Schema {
	f := false
	s.AdditionalProperties = &f
	return s
}

func String(desc string) *Schema  { return &Schema{Type: "string", Description: desc} }
func Integer(desc string) *Schema { return &Schema{Type: "integer", Description: desc} }
func Number(desc string) *Schema  { return &Schema{Type: "number", Description: desc} }
func Boolean(desc string) *Schema { return &Schema{Type: "boolean", Description: desc} }

// Array builds an array schema of items.
func Array(desc string, items *Schema) *Schema {
	return &Schema{Type: "array", Description: desc, Items: items}
}

// Any accepts every JSON value.
func Any(desc string) *Schema { return &Schema{Description: desc} }

// Range bounds a numeric schema.
func (s *Schema) Range(min, max float64) *Schema {
	s.Minimum, s.Maximum = &min, &max
	return s
}

// Document renders the schema as a standalone JSON-Schema document.
// A nil schema renders as a schema accepting any value.
func (s *Schema) Document() (json.RawMessage, error) {
	if s == nil {
		s = &Schema{}
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	doc["$schema"] = SchemaDraft
	return json.Marshal(doc)
}

// Copy returns a deep copy of s. Enum and Default values are JSON
// scalars or trees and are copied structurally.
func (s *Schema) Copy() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, p := range s.Properties {
			out.Properties[k] = p.Copy()
		}
	}
	out.Required = append([]string(nil), s.Required...)
	out.Items = s.Items.Copy()
	if s.Enum != nil {
		out.Enum = make([]any, len(s.Enum))
		for i, v := range s.Enum {
			out.Enum[i] = copyValue(v)
		}
	}
	out.Default = copyValue(s.Default)
	out.AdditionalProperties = copyPtr(s.AdditionalProperties)
	out.Minimum = copyPtr(s.Minimum)
	out.Maximum = copyPtr(s.Maximum)
	out.MinLength = copyPtr(s.MinLength)
	out.MaxLength = copyPtr(s.MaxLength)
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}
