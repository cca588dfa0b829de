package guard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/riskcell/pkg/state"
)

const (
	varPrefix = "var:"
	unknown   = "UNKNOWN"
)

// ParseError reports malformed guard or action text.
type ParseError struct {
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Text, e.Msg)
}

// ParseGuard parses guard text. decl supplies the declared variables; a literal
// compared against a declared variable is read as that variable's kind.
func ParseGuard(text string, decl state.State) (Expr, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &ParseError{Text: text, Msg: "empty guard"}
	}

	parts := strings.Split(trimmed, "&&")
	terms := make([]Expr, 0, len(parts))
	for _, part := range parts {
		term, err := parseTerm(strings.TrimSpace(part), decl)
		if err != nil {
			return nil, &ParseError{Text: text, Msg: err.Error()}
		}
		terms = append(terms, term)
	}

	if len(terms) == 1 {
		return terms[0], nil
	}
	return And{Terms: terms}, nil
}

// MustParseGuard is like ParseGuard but panics on error. Intended for static models.
func MustParseGuard(text string, decl state.State) Expr {
	e, err := ParseGuard(text, decl)
	if err != nil {
		panic(err)
	}
	return e
}

func parseTerm(term string, decl state.State) (Expr, error) {
	if term == "true" {
		return True, nil
	}
	if term == "" {
		return nil, fmt.Errorf("empty term")
	}

	op := "=="
	idx := strings.Index(term, "==")
	if nidx := strings.Index(term, "!="); nidx >= 0 && (idx < 0 || nidx < idx) {
		op, idx = "!=", nidx
	}
	if idx < 0 {
		return nil, fmt.Errorf("term %q has no == or != operator", term)
	}

	name, err := parseVarName(strings.TrimSpace(term[:idx]))
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(term[idx+2:])
	if raw == "" {
		return nil, fmt.Errorf("term %q has no value", term)
	}
	if strings.HasPrefix(raw, varPrefix) {
		return nil, fmt.Errorf("term %q compares against a variable, only literals are allowed", term)
	}

	lit := Literal{Value: parseLiteral(raw, name, decl)}
	ref := VarRef{Name: name}
	if op == "==" {
		return Eq{Var: ref, Literal: lit}, nil
	}
	return Neq{Var: ref, Literal: lit}, nil
}

// ParseAction parses a single assignment.
func ParseAction(text string, decl state.State) (*Assign, error) {
	trimmed := strings.TrimSpace(text)
	idx := strings.Index(trimmed, "<-")
	if idx < 0 {
		return nil, &ParseError{Text: text, Msg: "missing <- operator"}
	}

	target, err := parseVarName(strings.TrimSpace(trimmed[:idx]))
	if err != nil {
		return nil, &ParseError{Text: text, Msg: err.Error()}
	}

	raw := strings.TrimSpace(trimmed[idx+2:])
	if raw == "" {
		return nil, &ParseError{Text: text, Msg: "missing value"}
	}

	if strings.HasPrefix(raw, varPrefix) {
		src, err := parseVarName(raw)
		if err != nil {
			return nil, &ParseError{Text: text, Msg: err.Error()}
		}
		return &Assign{Target: target, Source: VarRef{Name: src}}, nil
	}

	return &Assign{Target: target, Source: Literal{Value: parseLiteral(raw, target, decl)}}, nil
}

// ParseActions parses an ordered list of assignments.
func ParseActions(texts []string, decl state.State) ([]*Assign, error) {
	out := make([]*Assign, 0, len(texts))
	for _, text := range texts {
		a, err := ParseAction(text, decl)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseVarName(text string) (string, error) {
	if !strings.HasPrefix(text, varPrefix) {
		return "", fmt.Errorf("expected %q prefix in %q", varPrefix, text)
	}
	name := text[len(varPrefix):]
	if name == "" {
		return "", fmt.Errorf("empty variable name")
	}
	for _, r := range name {
		if !(r == '_' || r == '-' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return "", fmt.Errorf("invalid character %q in variable name %q", r, name)
		}
	}
	return name, nil
}

// parseLiteral reads raw as the declared kind of name when that kind is known
// and the text fits it; otherwise the kind is inferred from the text.
func parseLiteral(raw, name string, decl state.State) state.Value {
	if raw == unknown {
		return state.Unknown()
	}

	if declared, ok := decl.Get(name); ok {
		switch declared.Kind() {
		case state.KindString:
			return state.String(raw)
		case state.KindBool:
			if raw == "true" || raw == "false" {
				return state.Bool(raw == "true")
			}
		case state.KindInt64:
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return state.Int64(i)
			}
		case state.KindFloat64:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				return state.Float64(f)
			}
		}
	}

	return inferLiteral(raw)
}

func inferLiteral(raw string) state.Value {
	switch raw {
	case "true":
		return state.Bool(true)
	case "false":
		return state.Bool(false)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return state.Int64(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return state.Float64(f)
	}
	return state.String(raw)
}
