// Package attr models disclosed credential attributes as a closed set of
// scalar value kinds. Attribute maps travel from the verification layer into
// sessions and are evaluated by policy constraints; keeping the value space
// closed means constraint evaluation never has to guess at dynamic shapes.
package attr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
)

// Kind identifies which member of the Value union is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ErrUnsupportedValue is returned when decoding a JSON value that is not a
// number, boolean or string.
var ErrUnsupportedValue = errors.New("attr: unsupported attribute value")

// Value is an immutable tagged union over number, boolean and string.
// The zero Value is invalid.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
}

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Kind reports the populated member.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsNumber returns the numeric member and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean member and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsString returns the string member and whether v is a string.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// Equal reports whether two values have the same kind and the same content.
// A number never equals a string, even when their renderings match.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.str == o.str
	default:
		return true
	}
}

// String renders the value the way pattern constraints see it: integral
// numbers without a fractional part, booleans as true/false.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.str
	default:
		return ""
	}
}

// Interface returns the underlying Go value (float64, bool or string), or nil
// for the zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindString:
		return v.str
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON scalar (or a Go numeric type) into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return Number(f), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

// Attributes maps attribute names to scalar values.
type Attributes map[string]Value

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// Names returns the attribute names in sorted order.
func (a Attributes) Names() []string {
	return slices.Sorted(maps.Keys(a))
}

// Lookup returns the value for name and whether it is present.
func (a Attributes) Lookup(name string) (Value, bool) {
	v, ok := a[name]
	return v, ok && v.IsValid()
}

// Equal reports whether both maps hold the same names and values.
func (a Attributes) Equal(o Attributes) bool {
	return maps.EqualFunc(a, o, Value.Equal)
}

// FromMap converts a map of decoded JSON values into Attributes. Nested
// objects are flattened using dotted names ("address.country"); arrays are
// rejected.
func FromMap(m map[string]any) (Attributes, error) {
	out := make(Attributes, len(m))
	if err := flatten(out, "", m); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(out Attributes, prefix string, m map[string]any) error {
	for k, raw := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := raw.(map[string]any); ok {
			if err := flatten(out, name, nested); err != nil {
				return err
			}
			continue
		}
		v, err := FromAny(raw)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = v
	}
	return nil
}
