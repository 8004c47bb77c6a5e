package codeact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalForGuest_Primitives(t *testing.T) {
	raw, err := MarshalForGuest(42)
	require.NoError(t, err)
	require.JSONEq(t, "42", string(raw))
}

func TestMarshalForGuest_NestedObject(t *testing.T) {
	v := map[string]any{"a": map[string]any{"b": []any{1, 2, 3}}}
	raw, err := MarshalForGuest(v)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"b":[1,2,3]}}`, string(raw))
}

func TestMarshalForGuest_CircularReference(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	raw, err := MarshalForGuest(cyclic)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, circularSentinel, decoded["self"])
}

func TestMarshalForGuest_MaxDepthExceeded(t *testing.T) {
	var deep any = "leaf"
	for i := 0; i < maxMarshalDepth+5; i++ {
		deep = map[string]any{"next": deep}
	}

	raw, err := MarshalForGuest(deep)
	require.NoError(t, err)
	require.Contains(t, string(raw), maxDepthSentinel)
}

func TestUnwrapThenable_Fulfilled(t *testing.T) {
	raw := json.RawMessage(`{"type":"fulfilled","value":{"ok":true}}`)
	value, fulfilled, ok := UnwrapThenable(raw)
	require.True(t, ok)
	require.True(t, fulfilled)
	require.JSONEq(t, `{"ok":true}`, string(value))
}

func TestUnwrapThenable_Rejected(t *testing.T) {
	raw := json.RawMessage(`{"type":"rejected","value":"boom"}`)
	value, fulfilled, ok := UnwrapThenable(raw)
	require.True(t, ok)
	require.False(t, fulfilled)
	require.JSONEq(t, `"boom"`, string(value))
}

func TestUnwrapThenable_NotAWrapper(t *testing.T) {
	raw := json.RawMessage(`{"name":"mama"}`)
	_, _, ok := UnwrapThenable(raw)
	require.False(t, ok)
}
