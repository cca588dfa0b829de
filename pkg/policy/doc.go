// Package policy admits plans using Open Policy Agent (OPA).
//
// The planner task hands every found plan to an Engine before publishing it.
// Each enabled policy is a Rego module whose deny set is evaluated against
// the plan, the device of each planned operation and the exported state the
// plan was computed from. Violations of error or critical severity deny the
// plan; lower severities are reported as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.SetLimits(policy.Limits{MaxPlanLength: 8})
//
//	if err := eng.LoadPolicies(ctx, []string{"/etc/riskcell/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	task := engine.NewPlannerTask(model, planner, store, logger, engine.WithPlanPolicy(eng))
//
// # Built-in Policies
//
//   - max-plan-length: denies plans longer than Limits.MaxPlanLength (error)
//   - forbidden-operations: denies forbidden operations and disabled devices (critical)
//   - device-busy: warns when a planned device still has a request armed (warning)
//
// # Writing Policies
//
// A policy file declares a package and a deny set. The leading comment block
// becomes the description, and a "severity:" line sets the severity:
//
//	# The gripper may only move while locked.
//	# severity: error
//	package riskcell.custom.gripper
//
//	import rego.v1
//
//	deny contains msg if {
//	    some op in input.plan.operations
//	    input.plan.devices[op] == "gripper"
//	    input.plan.state["gripper_locked"] == "bool___false"
//	    msg := sprintf("%s needs a locked gripper", [op])
//	}
//
// The input document has two fields. plan holds model, goal, operations,
// devices and state. context holds timestamp, operation and limits.
//
// # Hot Reload
//
// Engine.Watch follows the loaded paths with fsnotify and swaps in the new
// policy set once every file compiles.
package policy
