package engine

import "github.com/openfroyo/riskcell/pkg/state"

// RunnerVars names the runner variables of a model.
type RunnerVars struct {
	prefix string
}

// VarsFor returns the runner variable names for the model called name.
func VarsFor(name string) RunnerVars { return RunnerVars{prefix: name + "_"} }

// Goal is the goal guard text the planner searches for.
func (v RunnerVars) Goal() string { return v.prefix + "goal" }

// Plan is the published list of operation names.
func (v RunnerVars) Plan() string { return v.prefix + "plan" }

// PlanExists reports whether the last search found a plan.
func (v RunnerVars) PlanExists() string { return v.prefix + "plan_exists" }

// PlanInfo describes the last search or the failure that ended a plan.
func (v RunnerVars) PlanInfo() string { return v.prefix + "plan_info" }

// PlanState holds the PlanState of the current goal.
func (v RunnerVars) PlanState() string { return v.prefix + "plan_state" }

// PlanCurrentStep is the index of the step being executed.
func (v RunnerVars) PlanCurrentStep() string { return v.prefix + "plan_current_step" }

// StepState holds the StepState of the current step.
func (v RunnerVars) StepState() string { return v.prefix + "step_state" }

// ReplanTrigger asks the planner for a new plan.
func (v RunnerVars) ReplanTrigger() string { return v.prefix + "replan_trigger" }

// Replanned is set by the planner once it has answered a trigger.
func (v RunnerVars) Replanned() string { return v.prefix + "replanned" }

// ReplanCounter counts replans since the goal was set.
func (v RunnerVars) ReplanCounter() string { return v.prefix + "replan_counter" }

// ControllerState holds the ControllerState of the runner.
func (v RunnerVars) ControllerState() string { return v.prefix + "controller_state" }

// Declare returns s extended with the runner variables at their initial values.
func (v RunnerVars) Declare(s state.State) state.State {
	return s.Extend(state.FromMap(map[string]state.Value{
		v.Goal():            state.String(""),
		v.Plan():            state.Strings(),
		v.PlanExists():      state.Bool(false),
		v.PlanInfo():        state.String(""),
		v.PlanState():       PlanStateUnknown.Value(),
		v.PlanCurrentStep(): state.Int64(0),
		v.StepState():       StepIdle.Value(),
		v.ReplanTrigger():   state.Bool(false),
		v.Replanned():       state.Bool(false),
		v.ReplanCounter():   state.Int64(0),
		v.ControllerState(): ControllerPlanning.Value(),
	}))
}

// DeviceVars names the request slot, counters and emulation parameters of a device.
type DeviceVars struct {
	prefix string
}

// DeviceVarsFor returns the variable names for device.
func DeviceVarsFor(device string) DeviceVars { return DeviceVars{prefix: device + "_"} }

// Name returns the device-prefixed variable name for suffix.
func (d DeviceVars) Name(suffix string) string { return d.prefix + suffix }

// RequestTrigger is raised by a step to hand the device a command.
func (d DeviceVars) RequestTrigger() string { return d.prefix + "request_trigger" }

// RequestState holds the ServiceRequestState of the pending request.
func (d DeviceVars) RequestState() string { return d.prefix + "request_state" }

// Command is the command of the pending request.
func (d DeviceVars) Command() string { return d.prefix + "command_command" }

// SubsequentFailCounter counts failures since the last success.
func (d DeviceVars) SubsequentFailCounter() string { return d.prefix + "subsequent_fail_counter" }

// TotalFailCounter counts every failure of the device.
func (d DeviceVars) TotalFailCounter() string { return d.prefix + "total_fail_counter" }

// ExecTimeMode selects how long an emulated request takes.
func (d DeviceVars) ExecTimeMode() string { return d.prefix + "exec_time_mode" }

// ExecTimeValue is the emulated execution time in milliseconds.
func (d DeviceVars) ExecTimeValue() string { return d.prefix + "exec_time_value" }

// FailMode selects how emulated requests fail.
func (d DeviceVars) FailMode() string { return d.prefix + "fail_mode" }

// FailRatePercent is the failure probability for random failures.
func (d DeviceVars) FailRatePercent() string { return d.prefix + "fail_rate_percent" }

// FailCauseMode selects how a failure cause is drawn from FailCauseList.
func (d DeviceVars) FailCauseMode() string { return d.prefix + "fail_cause_mode" }

// FailCauseList holds the candidate failure causes.
func (d DeviceVars) FailCauseList() string { return d.prefix + "fail_cause_list" }

// Declare returns s extended with the device's request slot, counters and
// emulation parameters at their initial values.
func (d DeviceVars) Declare(s state.State) state.State {
	return s.Extend(state.FromMap(map[string]state.Value{
		d.RequestTrigger():        state.Bool(false),
		d.RequestState():          RequestInitial.Value(),
		d.Command():               state.Unknown(),
		d.SubsequentFailCounter(): state.Int64(0),
		d.TotalFailCounter():      state.Int64(0),
		d.ExecTimeMode():          state.Int64(0),
		d.ExecTimeValue():         state.Int64(0),
		d.FailMode():              state.Int64(0),
		d.FailRatePercent():       state.Int64(0),
		d.FailCauseMode():         state.Int64(0),
		d.FailCauseList():         state.Strings(),
	}))
}
