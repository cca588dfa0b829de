package ticker

import (
	"github.com/openfroyo/riskcell/pkg/device/protocol"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Driver maps between a device's state variables and its requests.
type Driver interface {
	// Prepare fills the command fields of req from s. req.Command is
	// already set.
	Prepare(s state.State, req *protocol.Request)

	// Outcome returns the variables to write for a finished request and
	// whether the request counts as succeeded. resp is nil when no response
	// was received.
	Outcome(req *protocol.Request, resp *protocol.Response) (map[string]state.Value, bool)
}

// GantryDriver drives a gantry: move sets position_estimated, calibrate
// sets calibrated_estimated and lock/unlock set locked_estimated.
type GantryDriver struct {
	vars engine.DeviceVars
}

// NewGantryDriver returns the driver for the gantry called device.
func NewGantryDriver(device string) *GantryDriver {
	return &GantryDriver{vars: engine.DeviceVarsFor(device)}
}

// Prepare implements Driver.
func (g *GantryDriver) Prepare(s state.State, req *protocol.Request) {
	target := g.vars.Name("interface")
	req.Speed = s.GetOrDefaultFloat64(target, g.vars.Name("speed_command"))
	if req.Command == protocol.CommandMove {
		req.Position = s.GetOrDefaultString(target, g.vars.Name("position_command"))
	}
}

// Outcome implements Driver.
func (g *GantryDriver) Outcome(req *protocol.Request, resp *protocol.Response) (map[string]state.Value, bool) {
	if resp == nil || !resp.Success {
		return nil, false
	}
	switch req.Command {
	case protocol.CommandMove:
		return map[string]state.Value{g.vars.Name("position_estimated"): state.String(req.Position)}, true
	case protocol.CommandCalibrate:
		return map[string]state.Value{g.vars.Name("calibrated_estimated"): state.Bool(true)}, true
	case protocol.CommandLock:
		return map[string]state.Value{g.vars.Name("locked_estimated"): state.Bool(true)}, true
	case protocol.CommandUnlock:
		return map[string]state.Value{g.vars.Name("locked_estimated"): state.Bool(false)}, true
	default:
		return nil, false
	}
}

// RobotDriver drives a robot arm.
type RobotDriver struct {
	vars engine.DeviceVars
}

// NewRobotDriver returns the driver for the robot called device.
func NewRobotDriver(device string) *RobotDriver {
	return &RobotDriver{vars: engine.DeviceVarsFor(device)}
}

// Prepare implements Driver.
func (r *RobotDriver) Prepare(s state.State, req *protocol.Request) {
	target := r.vars.Name("interface")
	req.Speed = s.GetOrDefaultFloat64(target, r.vars.Name("speed_command"))
	switch req.Command {
	case protocol.CommandMove:
		req.Position = s.GetOrDefaultString(target, r.vars.Name("position_command"))
	case protocol.CommandMount:
		req.Tool = s.GetOrDefaultString(target, r.vars.Name("tool_command"))
	}
}

// Outcome implements Driver. A failed tool check records the mounted tool
// as "unknown".
func (r *RobotDriver) Outcome(req *protocol.Request, resp *protocol.Response) (map[string]state.Value, bool) {
	ok := resp != nil && resp.Success
	if req.Command == protocol.CommandCheckMountedTool {
		measured := "unknown"
		if ok {
			measured = resp.Measured
		}
		return map[string]state.Value{r.vars.Name("mounted_one_time_measured"): state.String(measured)}, ok
	}
	if !ok {
		return nil, false
	}

	switch req.Command {
	case protocol.CommandMove:
		return map[string]state.Value{r.vars.Name("position_estimated"): state.String(req.Position)}, true
	case protocol.CommandMount:
		return map[string]state.Value{r.vars.Name("mounted_estimated"): state.String(req.Tool)}, true
	case protocol.CommandUnmount:
		return map[string]state.Value{r.vars.Name("mounted_estimated"): state.String("none")}, true
	case protocol.CommandPick, protocol.CommandPlace:
		return nil, true
	default:
		return nil, false
	}
}
