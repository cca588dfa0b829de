// Package minimal defines the minimal work-cell model: a single gantry that
// can be locked, unlocked, calibrated and moved between four positions.
package minimal

import (
	"fmt"

	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/state"
)

// ModelName is the name of the minimal model and the prefix of its runner variables.
const ModelName = "minimal_model"

// Positions the gantry can be moved to.
var Positions = []string{"a", "b", "c", "d"}

const gantryIdle = "var:gantry_request_state == initial && var:gantry_request_trigger == false"

// Build returns the minimal model together with its full initial state: the
// device variables from State plus the runner variables of the model.
func Build() (*engine.Model, state.State, error) {
	decl := engine.VarsFor(ModelName).Declare(State())
	model, err := Model(decl)
	if err != nil {
		return nil, state.State{}, err
	}
	return model, decl, nil
}

// Model parses the minimal model's operations against decl.
func Model(decl state.State) (*engine.Model, error) {
	ops := []engine.OperationSpec{
		gantryOp("lock", gantryIdle, nil, "var:gantry_locked_estimated <- true", "var:gantry_locked_estimated <- UNKNOWN"),
		gantryOp("unlock", gantryIdle, nil, "var:gantry_locked_estimated <- false", "var:gantry_locked_estimated <- UNKNOWN"),
		gantryOp("calibrate", gantryIdle, nil, "var:gantry_calibrated_estimated <- true", "var:gantry_calibrated_estimated <- UNKNOWN"),
	}

	for _, pos := range Positions {
		spec := gantryOp("move",
			gantryIdle+" && var:gantry_locked_estimated == false && var:gantry_calibrated_estimated == true",
			[]string{"var:gantry_position_command <- " + pos},
			"var:gantry_position_estimated <- "+pos,
			"var:gantry_position_estimated <- UNKNOWN",
		)
		spec.Name = "op_gantry_move_to_" + pos
		spec.Precondition.Name = "start_" + spec.Name
		spec.Postcondition.Name = "complete_" + spec.Name
		spec.Reset.Name = "reset_" + spec.Name
		ops = append(ops, spec)
	}

	return engine.BuildModel(ModelName, nil, ops, decl)
}

// gantryOp builds a gantry operation that arms the request slot with command,
// records effect on success and invalidates with reset on failure.
func gantryOp(command, precondition string, extra []string, effect, reset string) engine.OperationSpec {
	name := fmt.Sprintf("op_gantry_%s", command)

	arm := append([]string{"var:gantry_command_command <- " + command}, extra...)
	arm = append(arm, "var:gantry_request_trigger <- true")

	return engine.OperationSpec{
		Name:   name,
		Device: Gantry,
		Precondition: engine.TransitionSpec{
			Name:           "start_" + name,
			PlannerGuard:   precondition,
			RunnerGuard:    "true",
			PlannerActions: arm,
		},
		Postcondition: engine.TransitionSpec{
			Name:         "complete_" + name,
			PlannerGuard: "true",
			RunnerGuard:  "var:gantry_request_state == succeeded",
			PlannerActions: []string{
				"var:gantry_request_trigger <- false",
				"var:gantry_request_state <- initial",
				effect,
			},
		},
		Reset: &engine.TransitionSpec{
			Name:         "reset_" + name,
			PlannerGuard: "var:gantry_request_state == failed",
			RunnerGuard:  "true",
			PlannerActions: []string{
				"var:gantry_request_trigger <- false",
				"var:gantry_request_state <- initial",
				reset,
			},
		},
	}
}
