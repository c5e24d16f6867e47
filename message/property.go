package message

import (
	"bytes"
	"strings"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// CloneProperties deep-copies a property bag. Nested maps, slices and byte
// buffers are copied; other values are immutable or shared as-is.
func CloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies one property value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneProperties(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []byte:
		return bytes.Clone(val)
	default:
		return v
	}
}

// Property looks up a dot-separated path such as "a.b.c".
func (h *Header) Property(path string) (any, bool) {
	return Lookup(h.Properties, path)
}

// Lookup resolves a dot-separated path in a property bag.
func Lookup(props map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(props)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetProperty stores value at a dot-separated path, creating intermediate
// objects. It fails if an intermediate value is not an object.
func (h *Header) SetProperty(path string, value any) error {
	if path == "" {
		return errors.InvalidArgument("empty property path")
	}
	if h.Properties == nil {
		h.Properties = make(map[string]any)
	}
	keys := strings.Split(path, ".")
	cur := h.Properties
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key]
		if !ok {
			child := make(map[string]any)
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errors.InvalidArgument("property %q: %q is not an object", path, key)
		}
		cur = child
	}
	cur[keys[len(keys)-1]] = value
	return nil
}

// PropertyString returns a string property, or "" when absent or not a string.
func (h *Header) PropertyString(path string) string {
	v, _ := h.Property(path)
	s, _ := v.(string)
	return s
}
