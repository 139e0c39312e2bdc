// Package jsonvalue implements a small tagged-union value type for walking
// loosely-typed JSON without reflection, used by the telemetry extractor to
// traverse render-engine output records of unknown shape.
package jsonvalue

import (
	"encoding/json"
	"fmt"
	"io"
)

// Kind identifies the concrete shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a tagged union over the JSON value space.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
	// keys records the map's keys in an arbitrary but fixed order, captured
	// at decode time. Go's map iteration is unordered, so callers that need
	// a stable scan order (e.g. output selection over workflow nodes) should
	// sort Keys() themselves rather than rely on decode order.
	keys []string
}

// Parse decodes raw JSON bytes into a Value.
func Parse(data []byte) (Value, error) {
	d := json.NewDecoder(&byteSliceReader{data})
	d.UseNumber()
	var raw interface{}
	if err := d.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("jsonvalue: parse: %w", err)
	}
	return fromAny(raw), nil
}

// byteSliceReader is a minimal io.Reader over a fixed byte slice, used so
// Parse can enable json.Decoder.UseNumber (Unmarshal offers no equivalent).
type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// From converts a Go value (as produced by encoding/json's default
// unmarshalling into interface{}, or a plain composite of map/slice/scalar)
// into a Value.
func From(v interface{}) Value {
	return fromAny(v)
}

func fromAny(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Value{kind: KindNull}
	case bool:
		return Value{kind: KindBool, b: t}
	case json.Number:
		f, _ := t.Float64()
		return Value{kind: KindNumber, n: f}
	case float64:
		return Value{kind: KindNumber, n: t}
	case int:
		return Value{kind: KindNumber, n: float64(t)}
	case int64:
		return Value{kind: KindNumber, n: float64(t)}
	case string:
		return Value{kind: KindString, s: t}
	case []interface{}:
		out := make([]Value, 0, len(t))
		for _, e := range t {
			out = append(out, fromAny(e))
		}
		return Value{kind: KindList, list: out}
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		keys := make([]string, 0, len(t))
		for k, e := range t {
			m[k] = fromAny(e)
			keys = append(keys, k)
		}
		return Value{kind: KindMap, m: m, keys: keys}
	default:
		return Value{kind: KindNull}
	}
}

// Kind reports the concrete shape of v.
func (v Value) Kind() Kind { return v.kind }

// IsMap reports whether v holds a JSON object.
func (v Value) IsMap() bool { return v.kind == KindMap }

// IsList reports whether v holds a JSON array.
func (v Value) IsList() bool { return v.kind == KindList }

// String returns the string payload, or "" if v is not a string.
func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Number returns the numeric payload, or 0 if v is not a number.
func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// Bool returns the boolean payload, or false if v is not a bool.
func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// List returns the element slice, or nil if v is not a list.
func (v Value) List() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Keys returns the map's keys in the order fixed when the value was built
// (not the key order of the JSON source), or nil if v is not a map.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return v.keys
}

// Get looks up a key in a map value. Returns the zero Value and false if v
// is not a map or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.m[key]
	return val, ok
}

// Len returns the number of elements for list/map kinds, else 0.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// AsMap exposes the underlying map for callers that need to range over it
// alongside Keys() for ordering.
func (v Value) AsMap() map[string]Value {
	return v.m
}

// ToInterface converts v back into a plain interface{} tree, suitable for
// embedding in an encoding/json payload.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.ToInterface())
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for _, k := range v.keys {
			out[k] = v.m[k].ToInterface()
		}
		return out
	default:
		return nil
	}
}
