package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeyOrdering(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"url": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a<b>&c"}`, string(out))
}

func TestJCS_NestedDeterminism(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{"z": []any{1, "two", true, nil}, "a": 0.5},
	}
	first, err := JCS(v)
	require.NoError(t, err)
	second, err := JCS(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHash_DistinguishesValues(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
