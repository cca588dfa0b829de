package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Type tags prefixed to every exported value. Each tag is exactly TagLen bytes.
const (
	TagArray   = "array__"
	TagBool    = "bool___"
	TagFloat   = "float__"
	TagString  = "string_"
	TagInt     = "int____"
	TagTime    = "time___"
	TagUnknown = "unknown"

	TagLen = 7
)

// EncodeValue renders v as its tag followed by the value text. Arrays render
// as a JSON list of encoded items so nesting survives the round trip.
func EncodeValue(v Value) string {
	switch v.kind {
	case KindBool:
		return TagBool + strconv.FormatBool(v.b)
	case KindInt64:
		return TagInt + strconv.FormatInt(v.i, 10)
	case KindFloat64:
		return TagFloat + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return TagString + v.s
	case KindTime:
		return TagTime + v.t.Format(time.RFC3339Nano)
	case KindArray:
		items := make([]string, len(v.a))
		for i, item := range v.a {
			items[i] = EncodeValue(item)
		}
		data, _ := json.Marshal(items)
		return TagArray + string(data)
	default:
		return TagUnknown
	}
}

// DecodeValue parses the output of EncodeValue.
func DecodeValue(text string) (Value, error) {
	if len(text) < TagLen {
		return Value{}, fmt.Errorf("encoded value %q is shorter than its tag", text)
	}
	tag, body := text[:TagLen], text[TagLen:]

	switch tag {
	case TagUnknown:
		if body != "" {
			return Value{}, fmt.Errorf("unknown tag carries a payload: %q", body)
		}
		return Unknown(), nil
	case TagBool:
		switch body {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("invalid bool %q", body)
	case TagInt:
		i, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int %q: %w", body, err)
		}
		return Int64(i), nil
	case TagFloat:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q: %w", body, err)
		}
		return Float64(f), nil
	case TagString:
		return String(body), nil
	case TagTime:
		t, err := time.Parse(time.RFC3339Nano, body)
		if err != nil {
			return Value{}, fmt.Errorf("invalid time %q: %w", body, err)
		}
		return Time(t), nil
	case TagArray:
		var items []string
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return Value{}, fmt.Errorf("invalid array %q: %w", body, err)
		}
		vals := make([]Value, len(items))
		for i, item := range items {
			v, err := DecodeValue(item)
			if err != nil {
				return Value{}, fmt.Errorf("array item %d: %w", i, err)
			}
			vals[i] = v
		}
		return Value{kind: KindArray, a: vals}, nil
	}
	return Value{}, fmt.Errorf("unrecognised type tag %q", tag)
}

// Export encodes every variable of s.
func Export(s State) map[string]string {
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = EncodeValue(v)
	}
	return out
}

// Import is the inverse of Export.
func Import(encoded map[string]string) (State, error) {
	vars := make(map[string]Value, len(encoded))
	for k, text := range encoded {
		v, err := DecodeValue(text)
		if err != nil {
			return State{}, fmt.Errorf("variable %s: %w", k, err)
		}
		vars[k] = v
	}
	return State{vars: vars}, nil
}

// MarshalJSON encodes the state as a map of tagged strings.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(Export(s))
}

// UnmarshalJSON decodes a map of tagged strings.
func (s *State) UnmarshalJSON(data []byte) error {
	var encoded map[string]string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := Import(encoded)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// MarshalYAML encodes the state as a map of tagged strings.
func (s State) MarshalYAML() (interface{}, error) {
	return Export(s), nil
}

// UnmarshalYAML decodes a map of tagged strings.
func (s *State) UnmarshalYAML(node *yaml.Node) error {
	var encoded map[string]string
	if err := node.Decode(&encoded); err != nil {
		return err
	}
	decoded, err := Import(encoded)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}
