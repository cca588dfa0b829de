package engine

import (
	"fmt"

	"github.com/openfroyo/riskcell/pkg/state"
)

const controllerTarget = "runner"

// awaitPlan handles the planning state: it consumes a plan once the planner
// has set replanned.
func (r *Runner) awaitPlan(s state.State) state.State {
	if !s.GetOrDefaultBool(controllerTarget, r.vars.Replanned()) {
		return s
	}

	s = s.Update(r.vars.Replanned(), state.Bool(false))
	if !r.requested {
		s = s.Update(r.vars.ReplanCounter(), state.Int64(0))
	}
	r.requested = false
	r.failures = 0

	if !s.GetOrDefaultBool(controllerTarget, r.vars.PlanExists()) {
		r.logger.Warn().
			Str("info", s.GetOrDefaultString(controllerTarget, r.vars.PlanInfo())).
			Msg("No plan to execute")
		return s.Update(r.vars.PlanState(), PlanStateFailed.Value())
	}

	ops := s.GetOrDefaultStrings(controllerTarget, r.vars.Plan())
	if len(ops) == 0 {
		r.logger.Info().Msg("Goal already satisfied")
		return s.Update(r.vars.PlanState(), PlanStateCompleted.Value())
	}

	r.logger.Info().Strs("plan", ops).Msg("Executing plan")
	return s.UpdateMany(map[string]state.Value{
		r.vars.ControllerState(): ControllerExecuting.Value(),
		r.vars.PlanState():       PlanStateExecuting.Value(),
		r.vars.PlanCurrentStep(): state.Int64(0),
		r.vars.StepState():       StepIdle.Value(),
	})
}

// execute handles the executing state: it starts the current step, or
// observes its outcome.
func (r *Runner) execute(s state.State) state.State {
	ops := s.GetOrDefaultStrings(controllerTarget, r.vars.Plan())
	step := int(s.GetOrDefaultInt64(controllerTarget, r.vars.PlanCurrentStep()))
	if step >= len(ops) {
		return r.finish(s, PlanStateCompleted)
	}

	op, ok := r.model.Operation(ops[step])
	if !ok {
		r.logger.Error().Str("operation", ops[step]).Int("step", step).Msg("Plan names an unknown operation")
		s = s.Update(r.vars.PlanInfo(), state.String(fmt.Sprintf("unknown operation %s at step %d", ops[step], step)))
		return r.finish(s, PlanStateFailed)
	}

	if StepState(s.GetOrDefaultString(controllerTarget, r.vars.StepState())) != StepExecuting {
		if !op.Precondition.EvalRunning(s) {
			return s
		}
		r.logger.Info().Str("operation", op.Name).Int("step", step).Msg("Starting step")
		s = op.Precondition.TakeRunning(s)
		return s.Update(r.vars.StepState(), StepExecuting.Value())
	}

	if op.Postcondition.EvalRunning(s) {
		s = op.Postcondition.TakeRunning(s)
		if op.Device != "" {
			s = s.Update(DeviceVarsFor(op.Device).SubsequentFailCounter(), state.Int64(0))
		}
		r.failures = 0
		r.notify(func(o Observer) { o.StepFinished(r.model.Name, op.Name, op.Device, true) })
		r.logger.Info().Str("operation", op.Name).Int("step", step).Msg("Step succeeded")

		step++
		s = s.UpdateMany(map[string]state.Value{
			r.vars.PlanCurrentStep(): state.Int64(int64(step)),
			r.vars.StepState():       StepIdle.Value(),
		})
		if step >= len(ops) {
			return r.finish(s, PlanStateCompleted)
		}
		return s
	}

	if op.Reset.EvalRunning(s) {
		s = op.Reset.TakeRunning(s)
		if op.Device != "" {
			dv := DeviceVarsFor(op.Device)
			s = s.UpdateMany(map[string]state.Value{
				dv.SubsequentFailCounter(): state.Int64(s.GetOrDefaultInt64(controllerTarget, dv.SubsequentFailCounter()) + 1),
				dv.TotalFailCounter():      state.Int64(s.GetOrDefaultInt64(controllerTarget, dv.TotalFailCounter()) + 1),
			})
		}
		r.failures++
		r.notify(func(o Observer) { o.StepFinished(r.model.Name, op.Name, op.Device, false) })
		s = s.Update(r.vars.StepState(), StepIdle.Value())

		if r.failures <= op.RetryLimit {
			r.logger.Warn().
				Str("operation", op.Name).
				Int("attempt", r.failures).
				Int("retry_limit", op.RetryLimit).
				Msg("Step failed, retrying")
			return s
		}

		r.logger.Error().Str("operation", op.Name).Int("step", step).Msg("Step failed")
		return s.UpdateMany(map[string]state.Value{
			r.vars.ControllerState(): ControllerRecovering.Value(),
			r.vars.PlanInfo():        state.String(fmt.Sprintf("step %d (%s) failed", step, op.Name)),
		})
	}

	return s
}

// recover handles the recovering state: it requests a new plan while the
// replan budget lasts, then gives up.
func (r *Runner) recover(s state.State) state.State {
	counter := s.GetOrDefaultInt64(controllerTarget, r.vars.ReplanCounter())
	r.failures = 0

	if counter < int64(r.config.MaxReplans) {
		r.requested = true
		r.notify(func(o Observer) { o.Replanned(r.model.Name) })
		r.logger.Info().Int64("replan", counter+1).Int("max_replans", r.config.MaxReplans).Msg("Replanning")
		return s.UpdateMany(map[string]state.Value{
			r.vars.ReplanCounter():   state.Int64(counter + 1),
			r.vars.Plan():            state.Strings(),
			r.vars.PlanExists():      state.Bool(false),
			r.vars.PlanCurrentStep(): state.Int64(0),
			r.vars.StepState():       StepIdle.Value(),
			r.vars.ReplanTrigger():   state.Bool(true),
			r.vars.Replanned():       state.Bool(false),
			r.vars.PlanState():       PlanStateInitial.Value(),
			r.vars.ControllerState(): ControllerPlanning.Value(),
		})
	}

	r.logger.Error().Int64("replans", counter).Msg("Replan budget exhausted")
	info := s.GetOrDefaultString(controllerTarget, r.vars.PlanInfo())
	return r.finish(s.Update(r.vars.PlanInfo(), state.String(info+", replan budget exhausted")), PlanStateFailed)
}

func (r *Runner) finish(s state.State, outcome PlanState) state.State {
	r.failures = 0
	if outcome == PlanStateCompleted {
		r.logger.Info().Msg("Plan completed")
	}
	return s.UpdateMany(map[string]state.Value{
		r.vars.ControllerState(): ControllerPlanning.Value(),
		r.vars.PlanState():       outcome.Value(),
		r.vars.StepState():       StepIdle.Value(),
	})
}
