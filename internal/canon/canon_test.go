package canon

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"integral float", 2.0, "2"},
		{"fractional float", 1.5, "1.5"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"json number", json.Number("7"), "7"},
		{"nested", map[string]any{"b": []any{1, "x"}, "a": nil}, `{"a":null,"b":[1,"x"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshalLineSeparatorsLiteral(t *testing.T) {
	out, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(out))
}

func TestMarshalControlCharacters(t *testing.T) {
	out, err := Marshal("a\nb\x01\"\\")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001\"\\"`, string(out))
}

func TestMarshalNFC(t *testing.T) {
	a, err := Marshal("e\u0301")
	require.NoError(t, err)
	b, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D.. which sort before U+FF61 in UTF-16
	// but after it in UTF-8.
	obj := map[string]any{"\uff61": 1, "\U0001F600": 2}
	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff61\":1}", string(out))
}

func TestMarshalNonFinite(t *testing.T) {
	_, err := Marshal(math.NaN())
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = Marshal(map[string]any{"x": math.Inf(1)})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestMarshalStructRoundTrip(t *testing.T) {
	type slot struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	out, err := Marshal(slot{Start: "09:00", End: "10:00"})
	require.NoError(t, err)
	assert.Equal(t, `{"end":"10:00","start":"09:00"}`, string(out))
}

func TestEqualAcrossDecodings(t *testing.T) {
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`{"day":2,"tags":["a"]}`), &decoded))

	assert.True(t, Equal(map[string]any{"day": 2, "tags": []any{"a"}}, decoded))
	assert.False(t, Equal(map[string]any{"day": 3}, decoded))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, false))
}

func TestHashStableAndDomainSeparated(t *testing.T) {
	v := map[string]any{"entity": "c1", "patch": map[string]any{"day": 2}}

	h1, err := Hash(DomainSaveItem, v)
	require.NoError(t, err)
	h2 := MustHash(DomainSaveItem, map[string]any{"patch": map[string]any{"day": 2.0}, "entity": "c1"})
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	other := MustHash(DomainRequest, v)
	assert.NotEqual(t, h1, other)
}

func TestHashTimeValues(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h1 := MustHash(DomainSaveItem, map[string]any{"at": ts})
	h2 := MustHash(DomainSaveItem, map[string]any{"at": ts.Format(time.RFC3339Nano)})
	assert.Equal(t, h1, h2)
}
