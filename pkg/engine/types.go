package engine

import (
	"time"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Transition is a guarded state change. The planner half describes the
// abstract effect used during search; the runner half refines it during
// execution.
type Transition struct {
	// Name identifies the transition in logs.
	Name string

	// PlannerGuard must hold for the planner to take the transition.
	PlannerGuard guard.Expr

	// RunnerGuard must additionally hold for the runner to take the transition.
	RunnerGuard guard.Expr

	// PlannerActions are applied whenever the transition is taken.
	PlannerActions []*guard.Assign

	// RunnerActions are applied after PlannerActions during execution only.
	RunnerActions []*guard.Assign
}

var never guard.Expr = guard.Literal{Value: state.Bool(false)}

// EmptyTransition returns a transition that never fires.
func EmptyTransition(name string) Transition {
	return Transition{Name: name, PlannerGuard: never, RunnerGuard: never}
}

// EvalPlanning reports whether the planner guard holds in s.
func (t Transition) EvalPlanning(s state.State) bool {
	return t.PlannerGuard != nil && t.PlannerGuard.Eval(s)
}

// TakePlanning applies the planner actions to s.
func (t Transition) TakePlanning(s state.State) state.State {
	return guard.ApplyAll(t.PlannerActions, s)
}

// EvalRunning reports whether both guards hold in s.
func (t Transition) EvalRunning(s state.State) bool {
	return t.EvalPlanning(s) && t.RunnerGuard != nil && t.RunnerGuard.Eval(s)
}

// TakeRunning applies the planner actions then the runner actions to s.
func (t Transition) TakeRunning(s state.State) state.State {
	return guard.ApplyAll(t.RunnerActions, guard.ApplyAll(t.PlannerActions, s))
}

// Operation is a STRIPS-like operation executed against one device.
type Operation struct {
	// Name is the unique operation name, used in plans.
	Name string

	// Device is the device the operation drives. The runner maintains the
	// device's fail counters when it is set.
	Device string

	// Deadline is reserved; zero means no deadline.
	Deadline time.Duration

	// RetryLimit is how many consecutive failures are retried in place before
	// the runner escalates to recovery. Zero disables retries.
	RetryLimit int

	// Precondition arms the device.
	Precondition Transition

	// Postcondition recognises success.
	Postcondition Transition

	// Reset recognises failure and restores the request slot.
	Reset Transition
}

// EvalPlanning reports whether the operation is applicable during search.
func (o Operation) EvalPlanning(s state.State) bool {
	return o.Precondition.EvalPlanning(s)
}

// TakePlanning returns the abstract successor of s under the operation.
func (o Operation) TakePlanning(s state.State) state.State {
	return o.Postcondition.TakePlanning(o.Precondition.TakePlanning(s))
}

// Model is a named set of operations and auto-transitions. It is read-only
// after NewModel.
type Model struct {
	// Name prefixes the runner variables.
	Name string

	// AutoTransitions are evaluated on every runner tick, in order.
	AutoTransitions []Transition

	// Operations are searched in registration order.
	Operations []Operation

	index map[string]int
}

// Operation returns the operation registered under name.
func (m *Model) Operation(name string) (Operation, bool) {
	i, ok := m.index[name]
	if !ok {
		return Operation{}, false
	}
	return m.Operations[i], true
}

// Devices returns the distinct devices driven by the model, in registration order.
func (m *Model) Devices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range m.Operations {
		if op.Device != "" && !seen[op.Device] {
			seen[op.Device] = true
			out = append(out, op.Device)
		}
	}
	return out
}

// Plan is the result of a search.
type Plan struct {
	// Found is true when a plan reaching the goal was found.
	Found bool `json:"found"`

	// Operations are the operation names in execution order.
	Operations []string `json:"operations"`

	// Expanded is the number of search nodes expanded.
	Expanded int `json:"expanded"`

	// Duration is how long the search took.
	Duration time.Duration `json:"duration"`
}

// Len returns the number of steps in the plan.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Operations)
}

// Event represents a timeline event emitted by the planner, runner or harness.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Model is the model the event belongs to.
	Model string `json:"model"`

	// Operation is the operation, if applicable.
	Operation string `json:"operation,omitempty"`

	// Device is the device, if applicable.
	Device string `json:"device,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
