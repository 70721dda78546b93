package attrs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Attr is a tagged value holding either a string or a non-negative integer.
// The zero Attr is invalid; construct with String or Int.
type Attr struct {
	str *string
	num *uint64
}

func String(s string) Attr {
	return Attr{str: &s}
}

func Int(n uint64) Attr {
	return Attr{num: &n}
}

// AsString returns the string value, or false if the attr holds an integer.
func (a Attr) AsString() (string, bool) {
	if a.str == nil {
		return "", false
	}
	return *a.str, true
}

// AsInt returns the integer value, or false if the attr holds a string.
func (a Attr) AsInt() (uint64, bool) {
	if a.num == nil {
		return 0, false
	}
	return *a.num, true
}

func (a Attr) Equal(b Attr) bool {
	if a.str != nil && b.str != nil {
		return *a.str == *b.str
	}
	if a.num != nil && b.num != nil {
		return *a.num == *b.num
	}
	return false
}

// Attrs is the canonical key/value description of an input. Key order is
// irrelevant for equality; the canonical JSON form sorts keys and is the
// cache-key source of truth.
type Attrs map[string]Attr

// MissingAttrError reports an attribute that was required but absent.
type MissingAttrError struct {
	Attr string
}

func (e *MissingAttrError) Error() string {
	return fmt.Sprintf("missing attribute %q", e.Attr)
}

// WrongAttrTypeError reports an attribute present with the wrong value type.
type WrongAttrTypeError struct {
	Attr string
	Want string
}

func (e *WrongAttrTypeError) Error() string {
	return fmt.Sprintf("attribute %q is not a %s", e.Attr, e.Want)
}

func (a Attrs) GetString(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", &MissingAttrError{Attr: key}
	}
	s, ok := v.AsString()
	if !ok {
		return "", &WrongAttrTypeError{Attr: key, Want: "string"}
	}
	return s, nil
}

func (a Attrs) GetInt(key string) (uint64, error) {
	v, ok := a[key]
	if !ok {
		return 0, &MissingAttrError{Attr: key}
	}
	n, ok := v.AsInt()
	if !ok {
		return 0, &WrongAttrTypeError{Attr: key, Want: "integer"}
	}
	return n, nil
}

func (a Attrs) MaybeGetString(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (a Attrs) MaybeGetInt(key string) (uint64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (a Attrs) Equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy that can be extended without aliasing.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// MarshalCanonical renders the attrs as canonical JSON: keys sorted
// lexicographically, integers rendered bare. encoding/json sorts map keys,
// which is exactly the stable order required for cache keys.
func (a Attrs) MarshalCanonical() ([]byte, error) {
	m := make(map[string]any, len(a))
	for k, v := range a {
		if s, ok := v.AsString(); ok {
			m[k] = s
		} else if n, ok := v.AsInt(); ok {
			m[k] = n
		} else {
			return nil, fmt.Errorf("attribute %q has no value", k)
		}
	}
	return json.Marshal(m)
}

// Parse decodes the JSON form produced by MarshalCanonical. Values must be
// strings or non-negative integers.
func Parse(data []byte) (Attrs, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing attrs: %w", err)
	}

	out := make(Attrs, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			out[k] = String(v)
		case json.Number:
			n, err := strconv.ParseUint(v.String(), 10, 64)
			if err != nil {
				return nil, &WrongAttrTypeError{Attr: k, Want: "non-negative integer"}
			}
			out[k] = Int(n)
		default:
			return nil, &WrongAttrTypeError{Attr: k, Want: "string or integer"}
		}
	}
	return out, nil
}
