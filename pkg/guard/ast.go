// Package guard implements the guard and action language used by transitions.
//
// Grammar:
//
//	guard  ::= term ("&&" term)*
//	term   ::= "true" | "var:" name "==" value | "var:" name "!=" value
//	action ::= "var:" name "<-" (value | "var:" name)
//
// A value is a bool, int, float or string literal, or the UNKNOWN sentinel.
// Text is parsed once into the node types below. Evaluation is fail-closed: a
// guard that reads an undeclared variable, or compares values of different
// kinds, is false.
package guard

import (
	"strings"

	"github.com/openfroyo/riskcell/pkg/state"
	"github.com/rs/zerolog/log"
)

// Expr is a parsed guard.
type Expr interface {
	// Eval evaluates the guard against s without modifying it.
	Eval(s state.State) bool

	// String renders the guard in source form.
	String() string
}

// Operand is the right-hand side of an assignment.
type Operand interface {
	// Resolve returns the operand's value in s.
	Resolve(s state.State) (state.Value, bool)

	// String renders the operand in source form.
	String() string
}

// Literal is a constant value. As a guard term it is true only when it holds
// the boolean true.
type Literal struct {
	Value state.Value
}

// Eval implements Expr.
func (l Literal) Eval(state.State) bool {
	b, ok := l.Value.AsBool()
	return ok && b
}

// Resolve implements Operand.
func (l Literal) Resolve(state.State) (state.Value, bool) { return l.Value, true }

// String implements Expr and Operand.
func (l Literal) String() string { return l.Value.String() }

// VarRef names a state variable.
type VarRef struct {
	Name string
}

// Resolve implements Operand.
func (r VarRef) Resolve(s state.State) (state.Value, bool) { return s.Get(r.Name) }

// String implements Operand.
func (r VarRef) String() string { return "var:" + r.Name }

// Eq is true when the variable holds a value equal to the literal.
type Eq struct {
	Var     VarRef
	Literal Literal
}

// Eval implements Expr.
func (e Eq) Eval(s state.State) bool {
	v, ok := s.Get(e.Var.Name)
	if !ok {
		return false
	}
	want := e.Literal.Value
	if v.IsUnknown() || want.IsUnknown() {
		return v.IsUnknown() && want.IsUnknown()
	}
	if v.Kind() != want.Kind() {
		return false
	}
	return v.Equal(want)
}

// String implements Expr.
func (e Eq) String() string { return e.Var.String() + " == " + e.Literal.String() }

// Neq is true when the variable holds a value different from the literal.
type Neq struct {
	Var     VarRef
	Literal Literal
}

// Eval implements Expr.
func (n Neq) Eval(s state.State) bool {
	v, ok := s.Get(n.Var.Name)
	if !ok {
		return false
	}
	want := n.Literal.Value
	if v.IsUnknown() || want.IsUnknown() {
		return v.IsUnknown() != want.IsUnknown()
	}
	if v.Kind() != want.Kind() {
		return false
	}
	return !v.Equal(want)
}

// String implements Expr.
func (n Neq) String() string { return n.Var.String() + " != " + n.Literal.String() }

// And is the conjunction of its terms.
type And struct {
	Terms []Expr
}

// Eval implements Expr.
func (a And) Eval(s state.State) bool {
	for _, t := range a.Terms {
		if !t.Eval(s) {
			return false
		}
	}
	return true
}

// String implements Expr.
func (a And) String() string {
	parts := make([]string, len(a.Terms))
	for i, t := range a.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " && ")
}

// Assign sets Target to the value of Source.
type Assign struct {
	Target string
	Source Operand
}

// Apply returns s with the assignment applied. When Source names an undeclared
// variable the assignment is skipped and s is returned unchanged.
func (a *Assign) Apply(s state.State) state.State {
	v, ok := a.Source.Resolve(s)
	if !ok {
		log.Warn().
			Str("action", a.String()).
			Msg("Skipping assignment from undeclared variable")
		return s
	}
	return s.Update(a.Target, v)
}

// String renders the assignment in source form.
func (a *Assign) String() string { return "var:" + a.Target + " <- " + a.Source.String() }

// ApplyAll applies actions to s in order.
func ApplyAll(actions []*Assign, s state.State) state.State {
	for _, a := range actions {
		s = a.Apply(s)
	}
	return s
}

// True is the guard that always holds.
var True Expr = Literal{Value: state.Bool(true)}

// Variables returns the variable names read by e, in order of appearance.
func Variables(e Expr) []string {
	var out []string
	switch x := e.(type) {
	case Eq:
		out = append(out, x.Var.Name)
	case Neq:
		out = append(out, x.Var.Name)
	case And:
		for _, t := range x.Terms {
			out = append(out, Variables(t)...)
		}
	}
	return out
}
