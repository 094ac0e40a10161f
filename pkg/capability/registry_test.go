package capability

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
)

func fileRead() Capability {
	return Capability{
		ID:          "file:read",
		Description: "Read a file",
		Input: Object(map[string]*Schema{
			"path":  String("file path"),
			"limit": Integer("max bytes").Range(1, 1<<20),
		}, "path"),
		Output: Object(map[string]*Schema{"content": String("")}, "content"),
		Effects: effect.Model{
			ReadOnly:       true,
			Isolation:      effect.SharedRead,
			ResourceParams: []string{"path"},
			Timeout:        2 * time.Second,
		},
		Guards: []guard.Guard{
			guard.New("path-given", "path must be set", guard.ParamPresent("path")),
			guard.New("file-present", "file must exist", guard.ParamFileExists("path")),
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))
	require.NoError(t, reg.Register(Capability{ID: "capability:list"}))

	c, ok := reg.Lookup("file:read")
	require.True(t, ok)
	assert.Equal(t, "file:read", c.Name, "name defaults to id")
	assert.Equal(t, "file", c.Category, "category defaults to the noun")
	assert.True(t, reg.Contains("capability:list"))
	assert.False(t, reg.Contains("file:delete"))

	_, err := reg.Get("file:delete")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestRegistry_Rejects(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))

	tests := []struct {
		name string
		cap  Capability
	}{
		{"duplicate", fileRead()},
		{"no verb", Capability{ID: "file"}},
		{"uppercase", Capability{ID: "File:Read"}},
		{"not nfc", Capability{ID: "cafe\u0301:read"}},
		{"bad effect", Capability{ID: "file:write", Effects: effect.Model{Isolation: effect.Exclusive}}},
		{"guard without predicate", Capability{ID: "file:stat", Guards: []guard.Guard{{Name: "x"}}}},
		{"duplicate guards", Capability{ID: "file:list", Guards: []guard.Guard{
			guard.New("g", "", guard.Always(true)), guard.New("g", "", guard.Always(true)),
		}}},
		{"bad schema", Capability{ID: "file:grep", Input: &Schema{Type: "objekt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.Register(tt.cap))
		})
	}
	assert.ErrorIs(t, reg.Register(fileRead()), ErrDuplicateCapability)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Seal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))
	reg.Seal()
	assert.True(t, reg.Sealed())
	assert.ErrorIs(t, reg.Register(Capability{ID: "file:write", Effects: effect.Model{
		Isolation: effect.Exclusive, ResourceParams: []string{"path"},
	}}), ErrRegistrySealed)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := reg.Lookup("file:read")
			assert.True(t, ok)
			assert.Equal(t, []string{"file:read"}, reg.Names())
		}()
	}
	wg.Wait()
}

func TestRegistry_ListOrder(t *testing.T) {
	reg := NewRegistry()
	ids := []string{"zeta:run", "alpha:run", "mid:run"}
	for _, id := range ids {
		require.NoError(t, reg.Register(Capability{ID: id}))
	}
	assert.Equal(t, ids, reg.Names())
	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha:run", list[1].ID)
}

func TestRegistry_HoldsOwnCopy(t *testing.T) {
	in := Capability{
		ID:    "file:write",
		Input: Object(map[string]*Schema{"content": String("body")}, "content"),
		Effects: effect.Model{
			Isolation: effect.Exclusive,
			Resources: []string{"/x"},
		},
		Guards: []guard.Guard{guard.New("always", "", guard.Always(true))},
	}
	reg := NewRegistry()
	require.NoError(t, reg.Register(in))
	reg.Seal()

	in.Effects.Resources[0] = "/other"
	in.Input.Properties["content"].Type = "integer"
	in.Guards[0].Name = "renamed"

	got, ok := reg.Lookup("file:write")
	require.True(t, ok)
	got.Effects.Resources[0] = "/mutated"
	got.Effects.Isolation = effect.SharedRead
	got.Input.Required = append(got.Input.Required[:0], "nothing")
	list := reg.List()
	list[0].Guards[0].Name = "mutated"

	again, err := reg.Get("file:write")
	require.NoError(t, err)
	assert.Equal(t, effect.Exclusive, again.Effects.Isolation)
	assert.Equal(t, []string{"/x"}, again.Effects.Resources)
	assert.Equal(t, "string", again.Input.Properties["content"].Type)
	assert.Equal(t, []string{"content"}, again.Input.Required)
	assert.Equal(t, "always", again.Guards[0].Name)

	entries, err := reg.ExportSchema()
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, entries[0].Effects.Resources)
	assert.Equal(t, effect.Exclusive, entries[0].Effects.Isolation)

	assert.NoError(t, reg.ValidateInput("file:write", map[string]any{"content": "hello"}))
}

func TestExportSchema(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))

	entries, err := reg.ExportSchema()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]

	b, err := json.Marshal(e)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))

	for _, key := range []string{"id", "name", "category", "description", "input_schema", "output_schema", "effects", "guards"} {
		assert.Contains(t, doc, key)
	}
	effects := doc["effects"].(map[string]any)
	assert.Equal(t, true, effects["read_only"])
	assert.Equal(t, "shared_read", effects["isolation"])

	guards := doc["guards"].(map[string]any)
	assert.Equal(t, float64(2000), guards["timeout_ms"])
	pre := guards["preconditions"].([]any)
	require.Len(t, pre, 2)
	assert.Equal(t, "path-given", pre[0].(map[string]any)["name"])

	input := doc["input_schema"].(map[string]any)
	assert.Equal(t, SchemaDraft, input["$schema"])
	assert.Equal(t, []any{"path"}, input["required"], "required is an object-level array")
	props := input["properties"].(map[string]any)
	assert.NotContains(t, props["path"].(map[string]any), "optional")
}

func TestValidateInput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))

	assert.NoError(t, reg.ValidateInput("file:read", map[string]any{"path": "/tmp/x", "limit": 10}))

	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"missing required", map[string]any{"limit": 10}, "/path"},
		{"wrong type", map[string]any{"path": 7}, "/path"},
		{"out of range", map[string]any{"path": "/x", "limit": 0}, "/limit"},
		{"not integer", map[string]any{"path": "/x", "limit": 1.5}, "/limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ValidateInput("file:read", tt.args)
			require.Error(t, err)
			e := errorir.From(err)
			assert.Equal(t, errorir.KindValidation, e.Kind)
			assert.Equal(t, tt.field, e.Field)
			assert.Equal(t, "file:read", e.CapabilityID)
			assert.Equal(t, errorir.ActionFixInput, e.Recovery.Action)
		})
	}

	err := reg.ValidateInput("file:nope", nil)
	assert.True(t, errorir.IsKind(err, errorir.KindNotFound))
}

func TestValidateOutput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fileRead()))
	require.NoError(t, reg.Register(Capability{ID: "free:form"}))

	assert.NoError(t, reg.ValidateOutput("file:read", map[string]any{"content": "hi"}))
	err := reg.ValidateOutput("file:read", map[string]any{"bytes": 2})
	require.Error(t, err)
	e := errorir.From(err)
	assert.Equal(t, errorir.KindExecution, e.Kind)
	assert.Equal(t, errorir.CodeOutputDrift, e.Code)

	assert.NoError(t, reg.ValidateOutput("free:form", []int{1, 2}))
}
