package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is returned when a variable has not been declared.
	ErrNotFound = errors.New("variable not found")

	// ErrTypeMismatch is returned when a variable holds a different kind than requested.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnknownValue is returned by non-defaulting accessors when a variable is Unknown.
	ErrUnknownValue = errors.New("value is unknown")
)

// State is an immutable snapshot of named values. Every mutation returns a new
// State; existing snapshots are never changed.
type State struct {
	vars map[string]Value
}

// New returns an empty State.
func New() State {
	return State{vars: map[string]Value{}}
}

// FromMap builds a State from a map of values.
func FromMap(m map[string]Value) State {
	vars := make(map[string]Value, len(m))
	for k, v := range m {
		vars[k] = v
	}
	return State{vars: vars}
}

// Len returns the number of declared variables.
func (s State) Len() int { return len(s.vars) }

// Contains reports whether name is declared.
func (s State) Contains(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Get returns the value of name and whether it is declared.
func (s State) Get(name string) (Value, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Value returns the value of name or ErrNotFound.
func (s State) Value(name string) (Value, error) {
	v, ok := s.vars[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Update returns a copy of s with name set to v. Undeclared names are declared.
func (s State) Update(name string, v Value) State {
	vars := make(map[string]Value, len(s.vars)+1)
	for k, existing := range s.vars {
		vars[k] = existing
	}
	vars[name] = v
	return State{vars: vars}
}

// UpdateMany returns a copy of s with every entry of updates applied.
func (s State) UpdateMany(updates map[string]Value) State {
	if len(updates) == 0 {
		return s
	}
	vars := make(map[string]Value, len(s.vars)+len(updates))
	for k, existing := range s.vars {
		vars[k] = existing
	}
	for k, v := range updates {
		vars[k] = v
	}
	return State{vars: vars}
}

// Extend returns the union of s and other. Values in other win on conflicts.
func (s State) Extend(other State) State {
	return s.UpdateMany(other.vars)
}

// Names returns the declared variable names in sorted order.
func (s State) Names() []string {
	names := make([]string, 0, len(s.vars))
	for k := range s.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying values.
func (s State) Map() map[string]Value {
	out := make(map[string]Value, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Equal reports whether both states declare the same names with equal values.
func (s State) Equal(o State) bool {
	if len(s.vars) != len(o.vars) {
		return false
	}
	for k, v := range s.vars {
		ov, ok := o.vars[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Diff returns the sorted names whose value differs between s and o, including
// names declared in only one of them.
func (s State) Diff(o State) []string {
	var changed []string
	for k, v := range s.vars {
		ov, ok := o.vars[k]
		if !ok || !v.Equal(ov) {
			changed = append(changed, k)
		}
	}
	for k := range o.vars {
		if _, ok := s.vars[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Hash returns a canonical hash of the state. Equal states hash equally.
func (s State) Hash() uint64 {
	d := xxhash.New()
	for _, name := range s.Names() {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(EncodeValue(s.vars[name]))
		_, _ = d.WriteString("\x00")
	}
	return d.Sum64()
}
