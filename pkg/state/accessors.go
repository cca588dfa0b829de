package state

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Typed accessors come in two flavours.
//
// The GetX accessors never default: a missing variable returns ErrNotFound, a
// variable of another kind returns ErrTypeMismatch and an Unknown variable
// returns ErrUnknownValue.
//
// The GetOrDefaultX accessors recover locally: any of the failures above yields
// the zero value of the requested type and a warning tagged with target.

func typed(s State, name string, want Kind) (Value, error) {
	v, ok := s.vars[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if v.kind == KindUnknown {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownValue, name)
	}
	if v.kind != want {
		return Value{}, fmt.Errorf("%w: %s is %s, want %s", ErrTypeMismatch, name, v.kind, want)
	}
	return v, nil
}

// GetBool returns the bool held by name.
func (s State) GetBool(name string) (bool, error) {
	v, err := typed(s, name, KindBool)
	return v.b, err
}

// GetInt64 returns the int64 held by name.
func (s State) GetInt64(name string) (int64, error) {
	v, err := typed(s, name, KindInt64)
	return v.i, err
}

// GetFloat64 returns the float64 held by name.
func (s State) GetFloat64(name string) (float64, error) {
	v, err := typed(s, name, KindFloat64)
	return v.f, err
}

// GetString returns the string held by name.
func (s State) GetString(name string) (string, error) {
	v, err := typed(s, name, KindString)
	return v.s, err
}

// GetStrings returns the strings held by an array variable.
func (s State) GetStrings(name string) ([]string, error) {
	v, err := typed(s, name, KindArray)
	if err != nil {
		return nil, err
	}
	out, ok := v.AsStrings()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array of strings", ErrTypeMismatch, name)
	}
	return out, nil
}

func warnDefault(target, name string, err error) {
	log.Warn().
		Str("target", target).
		Str("variable", name).
		Err(err).
		Msg("Using default value")
}

// GetOrDefaultBool returns the bool held by name, or false.
func (s State) GetOrDefaultBool(target, name string) bool {
	b, err := s.GetBool(name)
	if err != nil {
		warnDefault(target, name, err)
		return false
	}
	return b
}

// GetOrDefaultInt64 returns the int64 held by name, or 0.
func (s State) GetOrDefaultInt64(target, name string) int64 {
	i, err := s.GetInt64(name)
	if err != nil {
		warnDefault(target, name, err)
		return 0
	}
	return i
}

// GetOrDefaultFloat64 returns the float64 held by name, or 0.
func (s State) GetOrDefaultFloat64(target, name string) float64 {
	f, err := s.GetFloat64(name)
	if err != nil {
		warnDefault(target, name, err)
		return 0
	}
	return f
}

// GetOrDefaultString returns the string held by name, or "".
func (s State) GetOrDefaultString(target, name string) string {
	str, err := s.GetString(name)
	if err != nil {
		warnDefault(target, name, err)
		return ""
	}
	return str
}

// GetOrDefaultStrings returns the strings held by name, or an empty slice.
func (s State) GetOrDefaultStrings(target, name string) []string {
	out, err := s.GetStrings(name)
	if err != nil {
		warnDefault(target, name, err)
		return []string{}
	}
	return out
}
