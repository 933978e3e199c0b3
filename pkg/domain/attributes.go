package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attributes is a schemaless attribute bag attached to entities. Values are
// restricted to JSON shapes: nil, bool, numbers, strings, []any, and nested
// map[string]any of the same, recursively. No schema is enforced on the
// contents; callers validate if they need to. Stored records always carry a
// non-nil map, defaulting to empty.
type Attributes map[string]any

// NewAttributes returns an empty attribute bag.
func NewAttributes() Attributes { return Attributes{} }

// Clone returns a deep copy so that stored state is never shared with
// callers.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Attributes:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}

// Canonical returns a structurally normalized copy: every value re-expressed
// through its JSON encoding with numbers decoded as json.Number, so that two
// bags holding e.g. int(5) and float64(5) compare and hash identically.
func (a Attributes) Canonical() (Attributes, error) {
	if len(a) == 0 {
		return Attributes{}, nil
	}
	data, err := json.Marshal(map[string]any(a))
	if err != nil {
		return nil, fmt.Errorf("canonicalize attributes: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonicalize attributes: %w", err)
	}
	return Attributes(out), nil
}

// Equal compares two attribute bags by canonical JSON encoding. Key order is
// not significant.
func (a Attributes) Equal(other Attributes) bool {
	left, err := json.Marshal(map[string]any(a.Clone()))
	if err != nil {
		return false
	}
	right, err := json.Marshal(map[string]any(other.Clone()))
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
