package codeact

import (
	"encoding/json"
	"reflect"
)

// maxMarshalDepth bounds recursive object/array marshalling toward the
// Code-Act guest.
const maxMarshalDepth = 32

const (
	circularSentinel = "[circular reference]"
	maxDepthSentinel = "[max depth exceeded]"
)

// MarshalForGuest deep-copies v by value for delivery into a sandboxed
// guest: primitives pass through, maps/slices are walked with cycle
// detection (via pointer identity) and a depth limit, matching the
// semantics of internal/plugin/wasm's WriteBytes/ReadBytes boundary but
// applied to the Go-side value graph before it is ever serialized.
func MarshalForGuest(v any) (json.RawMessage, error) {
	safe := sanitize(v, 0, map[uintptr]bool{})
	return json.Marshal(safe)
}

func sanitize(v any, depth int, seen map[uintptr]bool) any {
	if depth > maxMarshalDepth {
		return maxDepthSentinel
	}

	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return circularSentinel
		}
		seen[ptr] = true
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitize(item, depth+1, seen)
		}
		delete(seen, ptr)
		return out

	case []any:
		rv := reflect.ValueOf(val)
		var ptr uintptr
		if rv.Len() > 0 {
			ptr = rv.Pointer()
			if seen[ptr] {
				return circularSentinel
			}
			seen[ptr] = true
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitize(item, depth+1, seen)
		}
		if rv.Len() > 0 {
			delete(seen, ptr)
		}
		return out

	default:
		return v
	}
}

// thenableWrapper is the guest-return shape {type:"fulfilled"|"rejected", value}
// unwrapped at this boundary.
type thenableWrapper struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// UnwrapThenable inspects raw for a thenable wrapper shape and, if present,
// returns the unwrapped value and whether it was a fulfillment. Non-thenable
// input is returned unchanged with ok=false.
func UnwrapThenable(raw json.RawMessage) (value json.RawMessage, fulfilled bool, ok bool) {
	var w thenableWrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return raw, false, false
	}
	switch w.Type {
	case "fulfilled":
		return w.Value, true, true
	case "rejected":
		return w.Value, false, true
	default:
		return raw, false, false
	}
}
