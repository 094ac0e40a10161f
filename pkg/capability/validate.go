package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// ValidateInput checks params against the input schema of id. Failures
// are *errorir.Error of kind ValidationError naming the offending field
// as a JSON pointer, or NotFound for an unknown id.
func (r *Registry) ValidateInput(id string, params map[string]any) error {
	c, ok := r.lookup(id)
	if !ok {
		return errorir.New(errorir.KindNotFound, "unknown capability %q", id).WithCapability(id)
	}
	if params == nil {
		params = map[string]any{}
	}
	return validate(c.ID, c.input, params, errorir.CodeSchemaMismatch)
}

// ValidateOutput checks a handler result against the output schema of
// id. Capabilities without an output schema accept anything.
func (r *Registry) ValidateOutput(id string, data any) error {
	c, ok := r.lookup(id)
	if !ok {
		return errorir.New(errorir.KindNotFound, "unknown capability %q", id).WithCapability(id)
	}
	if c.output == nil {
		return nil
	}
	if err := validate(c.ID, c.output, data, errorir.CodeOutputDrift); err != nil {
		e := errorir.From(err)
		e.Kind = errorir.KindExecution
		e.Recovery.Action = errorir.ActionContactOperator
		return e
	}
	return nil
}

func validate(id string, schema *jsonschema.Schema, v any, code string) error {
	doc, err := toJSONValue(v)
	if err != nil {
		return errorir.New(errorir.KindValidation, "value is not JSON-serializable").
			WithCode(code).WithCapability(id).WithCause(err)
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	out := errorir.New(errorir.KindValidation, "schema validation failed").
		WithCode(code).WithCapability(id).WithCause(err)
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := deepest(ve)
		out.Field = fieldOf(leaf)
		out.Message = leaf.Message
		out.Cause = nil
		out.Recovery.Hint = ve.Error()
	}
	return out
}

// toJSONValue converts v into the generic JSON form the validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldOf returns the JSON pointer of the failing instance; for a
// missing required property it points at the property itself.
func fieldOf(ve *jsonschema.ValidationError) string {
	loc := ve.InstanceLocation
	if strings.HasSuffix(ve.KeywordLocation, "/required") {
		if _, rest, ok := strings.Cut(ve.Message, ":"); ok {
			name := strings.TrimSpace(rest)
			if i := strings.Index(name, ","); i >= 0 {
				name = name[:i]
			}
			name = strings.Trim(name, `'" `)
			if name != "" {
				return loc + "/" + name
			}
		}
	}
	if loc == "" {
		return "/"
	}
	return loc
}
