package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int64  `json:"alpha"`
		Skip  string `json:"-"`
	}

	b, err := JCS(payload{Zeta: "z", Alpha: 42, Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":42,"zeta":"z"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	b, err := JCS(map[string]any{"a": 1.0, "b": 1e21, "c": 0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":1e+21,"c":0.5}`, string(b))
}

func TestJCS_UnicodeNormalization(t *testing.T) {
	// "é" precomposed versus "e" + combining acute accent.
	composed := map[string]string{"name": "caf\u00e9"}
	decomposed := map[string]string{"name": "cafe\u0301"}

	assert.True(t, Equal(composed, decomposed))

	h1, err := CanonicalHash(composed)
	require.NoError(t, err)
	h2, err := CanonicalHash(decomposed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestExact_KeepsCodePoints(t *testing.T) {
	composed, err := Exact(map[string]string{"name": "caf\u00e9", "b": "1"})
	require.NoError(t, err)
	decomposed, err := Exact(map[string]string{"name": "cafe\u0301", "b": "1"})
	require.NoError(t, err)

	assert.Equal(t, "{\"b\":\"1\",\"name\":\"caf\u00e9\"}", string(composed))
	assert.NotEqual(t, composed, decomposed)
}

func TestEqual_NumericForms(t *testing.T) {
	assert.True(t, Equal(5, 5.0))
	assert.True(t, Equal(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}))
	assert.False(t, Equal("5", 5))
}

func TestHashBytes(t *testing.T) {
	// SHA-256 of the empty string.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
