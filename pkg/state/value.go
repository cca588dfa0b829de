package state

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindUnknown is the sentinel for a value that is not known yet.
	KindUnknown Kind = iota

	// KindBool holds a boolean.
	KindBool

	// KindInt64 holds a signed 64-bit integer.
	KindInt64

	// KindFloat64 holds a 64-bit float.
	KindFloat64

	// KindString holds a string.
	KindString

	// KindArray holds an ordered list of values.
	KindArray

	// KindTime holds a wall-clock timestamp.
	KindTime
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union of the types a state variable can hold.
// The zero Value is Unknown.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	a    []Value
	t    time.Time
}

// Unknown returns the Unknown sentinel.
func Unknown() Value { return Value{} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int64 wraps an int64.
func Int64(i int64) Value { return Value{kind: KindInt64, i: i} }

// Float64 wraps a float64.
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Time wraps a timestamp.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Array wraps a list of values. The slice is copied.
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, a: cp}
}

// Strings builds an Array of String values.
func Strings(items ...string) Value {
	vals := make([]Value, len(items))
	for i, s := range items {
		vals[i] = String(s)
	}
	return Value{kind: KindArray, a: vals}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsUnknown reports whether v is the Unknown sentinel.
func (v Value) IsUnknown() bool { return v.kind == KindUnknown }

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt64 returns the int64 held by v.
func (v Value) AsInt64() (int64, bool) { return v.i, v.kind == KindInt64 }

// AsFloat64 returns the float64 held by v.
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsTime returns the timestamp held by v.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// AsArray returns a copy of the items held by v.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.a))
	copy(cp, v.a)
	return cp, true
}

// AsStrings returns the items of an Array of strings. Non-string items fail the conversion.
func (v Value) AsStrings() ([]string, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	out := make([]string, 0, len(v.a))
	for _, item := range v.a {
		s, ok := item.AsString()
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Equal reports structural equality. Unknown equals only Unknown and NaN
// equals NaN, so a state holding NaN still compares equal to itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUnknown:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt64:
		return v.i == o.i
	case KindFloat64:
		return v.f == o.f || math.IsNaN(v.f) && math.IsNaN(o.f)
	case KindString:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	case KindArray:
		if len(v.a) != len(o.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(o.a[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v for humans. Use EncodeValue for the tagged wire form.
func (v Value) String() string {
	switch v.kind {
	case KindUnknown:
		return "UNKNOWN"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindArray:
		parts := make([]string, len(v.a))
		for i, item := range v.a {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return ""
}

// FromInterface converts a plain Go value (as produced by JSON, YAML or Starlark
// decoding) into a Value. Nil becomes Unknown.
func FromInterface(x interface{}) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Unknown(), nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return Int64(int64(val)), nil
	case int32:
		return Int64(int64(val)), nil
	case int64:
		return Int64(val), nil
	case uint8:
		return Int64(int64(val)), nil
	case float32:
		return Float64(float64(val)), nil
	case float64:
		return Float64(val), nil
	case string:
		if val == "UNKNOWN" {
			return Unknown(), nil
		}
		return String(val), nil
	case time.Time:
		return Time(val), nil
	case []string:
		return Strings(val...), nil
	case []interface{}:
		items := make([]Value, len(val))
		for i, item := range val {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = v
		}
		return Value{kind: KindArray, a: items}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}
