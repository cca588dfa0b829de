package engine

import (
	"testing"

	"github.com/openfroyo/riskcell/pkg/state"
)

// graphModel builds a model over a single string variable "node" with one
// operation per edge. Edges are registered in the given order.
func graphModel(t *testing.T, start string, edges [][2]string) (*Model, state.State) {
	t.Helper()
	decl := state.FromMap(map[string]state.Value{"node": state.String(start)})

	specs := make([]OperationSpec, 0, len(edges))
	for _, e := range edges {
		name := e[0] + "_to_" + e[1]
		specs = append(specs, OperationSpec{
			Name: name,
			Precondition: TransitionSpec{
				Name:           "start_" + name,
				PlannerGuard:   "var:node == " + e[0],
				RunnerGuard:    "true",
				PlannerActions: []string{"var:node <- " + e[1]},
			},
			Postcondition: TransitionSpec{
				Name:         "complete_" + name,
				PlannerGuard: "true",
				RunnerGuard:  "true",
			},
		})
	}

	m, err := BuildModel("graph", nil, specs, decl)
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	return m, decl
}

const testModel = "cell"

// deviceModel builds a model with a single device "dev" that can be moved to
// a or b. The reset transitions restore the request slot on failure.
func deviceModel(t *testing.T, retryLimit int) (*Model, state.State) {
	t.Helper()
	decl := VarsFor(testModel).Declare(DeviceVarsFor("dev").Declare(state.New()))
	decl = decl.Update("dev_position_estimated", state.Unknown())

	var specs []OperationSpec
	for _, pos := range []string{"a", "b"} {
		name := "op_dev_move_to_" + pos
		specs = append(specs, OperationSpec{
			Name:       name,
			Device:     "dev",
			RetryLimit: retryLimit,
			Precondition: TransitionSpec{
				Name:         "start_" + name,
				PlannerGuard: "var:dev_request_state == initial && var:dev_request_trigger == false",
				RunnerGuard:  "true",
				PlannerActions: []string{
					"var:dev_command_command <- move",
					"var:dev_request_trigger <- true",
				},
			},
			Postcondition: TransitionSpec{
				Name:         "complete_" + name,
				PlannerGuard: "true",
				RunnerGuard:  "var:dev_request_state == succeeded",
				PlannerActions: []string{
					"var:dev_request_trigger <- false",
					"var:dev_request_state <- initial",
					"var:dev_position_estimated <- " + pos,
				},
			},
			Reset: &TransitionSpec{
				Name:         "reset_" + name,
				PlannerGuard: "var:dev_request_state == failed",
				RunnerGuard:  "true",
				PlannerActions: []string{
					"var:dev_request_trigger <- false",
					"var:dev_request_state <- initial",
					"var:dev_position_estimated <- UNKNOWN",
				},
			},
		})
	}

	m, err := BuildModel(testModel, nil, specs, decl)
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	return m, decl
}

// simulateDevice answers an armed request of "dev" with outcome.
func simulateDevice(outcome ServiceRequestState) func(state.State) state.State {
	dv := DeviceVarsFor("dev")
	return func(s state.State) state.State {
		trigger, _ := s.GetBool(dv.RequestTrigger())
		rs, _ := s.GetString(dv.RequestState())
		if !trigger || rs != string(RequestInitial) {
			return s
		}
		return s.Update(dv.RequestState(), outcome.Value())
	}
}

// requestGoal writes a goal the way the harness does.
func requestGoal(s state.State, goal string) state.State {
	v := VarsFor(testModel)
	return s.UpdateMany(map[string]state.Value{
		v.Goal():          state.String(goal),
		v.ReplanTrigger(): state.Bool(true),
		v.Replanned():     state.Bool(false),
	})
}

// recordingObserver records notifications for assertions.
type recordingObserver struct {
	NopObserver
	steps       []bool
	replans     int
	transitions []PlanState
	denied      int
}

func (o *recordingObserver) StepFinished(_, _, _ string, succeeded bool) {
	o.steps = append(o.steps, succeeded)
}

func (o *recordingObserver) Replanned(string) { o.replans++ }

func (o *recordingObserver) PlanStateChanged(_ string, _, to PlanState) {
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) PlanDenied(string, *Plan, *PolicyResult) { o.denied++ }
