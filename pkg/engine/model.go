package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// TransitionSpec is the textual form of a Transition.
type TransitionSpec struct {
	Name           string   `json:"name" yaml:"name" validate:"required"`
	PlannerGuard   string   `json:"planner_guard" yaml:"planner_guard" validate:"required"`
	RunnerGuard    string   `json:"runner_guard" yaml:"runner_guard" validate:"required"`
	PlannerActions []string `json:"planner_actions,omitempty" yaml:"planner_actions,omitempty"`
	RunnerActions  []string `json:"runner_actions,omitempty" yaml:"runner_actions,omitempty"`
}

// OperationSpec is the textual form of an Operation. A nil Reset never fires.
type OperationSpec struct {
	Name          string          `json:"name" yaml:"name" validate:"required"`
	Device        string          `json:"device,omitempty" yaml:"device,omitempty"`
	Deadline      time.Duration   `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	RetryLimit    int             `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty" validate:"gte=0"`
	Precondition  TransitionSpec  `json:"precondition" yaml:"precondition"`
	Postcondition TransitionSpec  `json:"postcondition" yaml:"postcondition"`
	Reset         *TransitionSpec `json:"reset,omitempty" yaml:"reset,omitempty"`
}

// NewTransition parses spec against the declared variables in decl. Every
// variable a guard reads or an action writes must be declared.
func NewTransition(spec TransitionSpec, decl state.State) (Transition, error) {
	t := Transition{Name: spec.Name}

	var err error
	if t.PlannerGuard, err = parseGuard(spec.Name, "planner guard", spec.PlannerGuard, decl); err != nil {
		return Transition{}, err
	}
	if t.RunnerGuard, err = parseGuard(spec.Name, "runner guard", spec.RunnerGuard, decl); err != nil {
		return Transition{}, err
	}
	if t.PlannerActions, err = parseActions(spec.Name, spec.PlannerActions, decl); err != nil {
		return Transition{}, err
	}
	if t.RunnerActions, err = parseActions(spec.Name, spec.RunnerActions, decl); err != nil {
		return Transition{}, err
	}
	return t, nil
}

// MustNewTransition is like NewTransition but panics on error. Intended for static models.
func MustNewTransition(spec TransitionSpec, decl state.State) Transition {
	t, err := NewTransition(spec, decl)
	if err != nil {
		panic(err)
	}
	return t
}

func parseGuard(transition, what, text string, decl state.State) (guard.Expr, error) {
	g, err := guard.ParseGuard(text, decl)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("invalid %s in transition %s", what, transition), err).
			WithCode(ErrCodeParse)
	}
	for _, name := range guard.Variables(g) {
		if !decl.Contains(name) {
			return nil, NewPermanentError(fmt.Sprintf("%s in transition %s reads undeclared variable %s", what, transition, name), nil).
				WithCode(ErrCodeLookup)
		}
	}
	return g, nil
}

func parseActions(transition string, texts []string, decl state.State) ([]*guard.Assign, error) {
	actions, err := guard.ParseActions(texts, decl)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("invalid action in transition %s", transition), err).
			WithCode(ErrCodeParse)
	}
	for _, a := range actions {
		if !decl.Contains(a.Target) {
			return nil, NewPermanentError(fmt.Sprintf("action in transition %s writes undeclared variable %s", transition, a.Target), nil).
				WithCode(ErrCodeLookup)
		}
	}
	return actions, nil
}

// NewOperation parses spec against the declared variables in decl.
func NewOperation(spec OperationSpec, decl state.State) (Operation, error) {
	if spec.Name == "" {
		return Operation{}, NewPermanentError("operation name is empty", nil).WithCode(ErrCodeModel)
	}
	if spec.RetryLimit < 0 {
		return Operation{}, NewPermanentError("retry limit must not be negative", nil).
			WithCode(ErrCodeModel).WithOperation(spec.Name)
	}

	op := Operation{
		Name:       spec.Name,
		Device:     spec.Device,
		Deadline:   spec.Deadline,
		RetryLimit: spec.RetryLimit,
	}

	var err error
	if op.Precondition, err = NewTransition(spec.Precondition, decl); err != nil {
		return Operation{}, withOperation(err, spec.Name)
	}
	if op.Postcondition, err = NewTransition(spec.Postcondition, decl); err != nil {
		return Operation{}, withOperation(err, spec.Name)
	}
	if spec.Reset == nil {
		op.Reset = EmptyTransition("reset_" + spec.Name)
	} else if op.Reset, err = NewTransition(*spec.Reset, decl); err != nil {
		return Operation{}, withOperation(err, spec.Name)
	}
	return op, nil
}

func withOperation(err error, name string) error {
	if e, ok := err.(*EngineError); ok {
		return e.WithOperation(name)
	}
	return err
}

// NewModel validates and indexes a model. Operation names must be unique.
func NewModel(name string, autos []Transition, ops []Operation) (*Model, error) {
	if name == "" {
		return nil, NewPermanentError("model name is empty", nil).WithCode(ErrCodeModel)
	}

	m := &Model{
		Name:            name,
		AutoTransitions: append([]Transition(nil), autos...),
		Operations:      append([]Operation(nil), ops...),
		index:           make(map[string]int, len(ops)),
	}
	for i, op := range m.Operations {
		if op.Name == "" {
			return nil, NewPermanentError(fmt.Sprintf("operation %d has no name", i), nil).
				WithCode(ErrCodeModel)
		}
		if _, dup := m.index[op.Name]; dup {
			return nil, NewPermanentError("duplicate operation", nil).
				WithCode(ErrCodeModel).WithOperation(op.Name)
		}
		m.index[op.Name] = i
	}
	return m, nil
}

// BuildModel parses every transition and operation spec against decl and
// returns the resulting model.
func BuildModel(name string, autos []TransitionSpec, ops []OperationSpec, decl state.State) (*Model, error) {
	transitions := make([]Transition, 0, len(autos))
	for _, spec := range autos {
		t, err := NewTransition(spec, decl)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}

	operations := make([]Operation, 0, len(ops))
	for _, spec := range ops {
		op, err := NewOperation(spec, decl)
		if err != nil {
			return nil, err
		}
		operations = append(operations, op)
	}

	return NewModel(name, transitions, operations)
}
