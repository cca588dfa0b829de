// Package engine provides the planning and execution core of a work cell.
//
// # Overview
//
// A Model is a set of Operations, each made of three Transitions:
//
//   - Precondition: arms a device request. Its planner guard decides applicability during search.
//   - Postcondition: recognises success and records the operation's effect.
//   - Reset: recognises failure and restores the device's request slot.
//
// Every Transition has a planner half and a runner half. The planner searches
// only the planner half; the runner takes a transition when both guards hold
// and applies the planner actions before the runner actions.
//
// # Tasks
//
// Three periodic tasks share one state.Store:
//
//  1. PlannerTask watches <model>_replan_trigger, runs the BFSPlanner from a
//     snapshot and publishes <model>_plan with <model>_replanned = true.
//  2. Runner consumes a plan once replanned is set, arms each step's device
//     and observes its outcome, maintaining the device fail counters.
//  3. Device tickers (package ticker) serve armed requests.
//
// # Recovery
//
// The Runner is a controller state machine stored in <model>_controller_state:
//
//	planning   --replanned, plan found-->       executing
//	planning   --replanned, no plan-->          planning (plan_state failed)
//	executing  --all steps done-->              planning (plan_state completed)
//	executing  --step failed, retry allowed-->  executing (same step re-armed)
//	executing  --step failed-->                 recovering
//	recovering --replan budget left-->          planning (replan_trigger set)
//	recovering --budget exhausted-->            planning (plan_state failed)
//
// Each runner tick is one store Apply, so no observer sees a half-taken transition.
//
// # Error Handling
//
// Errors are classified for retry logic:
//
//   - Transient: device transport failures, cancelled searches
//   - Throttled: rate limiting
//   - Conflict: state conflicts
//   - Permanent: malformed model text, unknown operations, policy denial
//
// Use IsRetryable to decide whether an operation may be retried.
package engine
