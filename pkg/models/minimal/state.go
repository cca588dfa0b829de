package minimal

import (
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Device names of the minimal cell.
const (
	Gantry = "gantry"
	Robot  = "robot"
)

// State returns the device variables of the minimal cell. Estimates start
// out Unknown since nothing has been measured yet.
func State() state.State {
	s := state.New()

	// gantry: command is one of move, calibrate, lock, unlock
	s = engine.DeviceVarsFor(Gantry).Declare(s)
	s = s.UpdateMany(map[string]state.Value{
		"gantry_speed_command":        state.Float64(0),
		"gantry_position_command":     state.Unknown(),
		"gantry_speed_estimated":      state.Unknown(),
		"gantry_position_estimated":   state.Unknown(),
		"gantry_calibrated_estimated": state.Unknown(),
		"gantry_locked_estimated":     state.Unknown(),
	})

	// robot: command is one of move, pick, place, mount, unmount, check_mounted_tool
	s = engine.DeviceVarsFor(Robot).Declare(s)
	s = s.UpdateMany(map[string]state.Value{
		"robot_speed_command":             state.Float64(0),
		"robot_position_command":          state.Unknown(),
		"robot_tool_command":              state.Unknown(),
		"robot_position_estimated":        state.Unknown(),
		"robot_mounted_estimated":         state.Unknown(),
		"robot_mounted_one_time_measured": state.Unknown(),
	})

	return s
}
