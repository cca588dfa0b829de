package engine

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/riskcell/pkg/state"
)

// ServiceRequestState is the state of a device request slot.
type ServiceRequestState string

const (
	// RequestInitial indicates the slot is free or armed and not yet served.
	RequestInitial ServiceRequestState = "initial"

	// RequestSucceeded indicates the device call succeeded.
	RequestSucceeded ServiceRequestState = "succeeded"

	// RequestFailed indicates the device call failed or the transport errored.
	RequestFailed ServiceRequestState = "failed"
)

// Value returns the request state as a State value.
func (s ServiceRequestState) Value() state.Value { return state.String(string(s)) }

// Validate checks if the request state is valid.
func (s ServiceRequestState) Validate() error {
	switch s {
	case RequestInitial, RequestSucceeded, RequestFailed:
		return nil
	default:
		return fmt.Errorf("invalid service request state: %s", s)
	}
}

// PlanState is the lifecycle of the current plan as published in State.
type PlanState string

const (
	// PlanStateInitial indicates a plan has been requested but not yet started.
	PlanStateInitial PlanState = "initial"

	// PlanStateExecuting indicates the runner is executing the plan.
	PlanStateExecuting PlanState = "executing"

	// PlanStateCompleted indicates every step of the plan succeeded.
	PlanStateCompleted PlanState = "completed"

	// PlanStateFailed indicates no plan was found, or the plan failed beyond recovery.
	PlanStateFailed PlanState = "failed"

	// PlanStateAborted indicates the plan was abandoned on request.
	PlanStateAborted PlanState = "aborted"

	// PlanStateUnknown indicates no plan has been requested yet.
	PlanStateUnknown PlanState = "unknown"
)

// ParsePlanState reads a plan state, mapping anything unrecognised to PlanStateUnknown.
func ParsePlanState(s string) PlanState {
	ps := PlanState(s)
	if ps.Validate() != nil {
		return PlanStateUnknown
	}
	return ps
}

// IsTerminal returns true if the plan state represents a final state.
func (s PlanState) IsTerminal() bool {
	return s == PlanStateCompleted || s == PlanStateFailed || s == PlanStateAborted
}

// IsIdle returns true when no plan is in flight and a new goal can be accepted.
func (s PlanState) IsIdle() bool {
	return s == PlanStateCompleted || s == PlanStateFailed || s == PlanStateUnknown
}

// Value returns the plan state as a State value.
func (s PlanState) Value() state.Value { return state.String(string(s)) }

// Validate checks if the plan state is valid.
func (s PlanState) Validate() error {
	switch s {
	case PlanStateInitial, PlanStateExecuting, PlanStateCompleted,
		PlanStateFailed, PlanStateAborted, PlanStateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanState(str)
	return s.Validate()
}

// ControllerState is the runner's recovery state.
type ControllerState string

const (
	// ControllerPlanning waits for a plan from the planner.
	ControllerPlanning ControllerState = "planning"

	// ControllerExecuting steps through the current plan.
	ControllerExecuting ControllerState = "executing"

	// ControllerRecovering decides between replanning and giving up after a failed step.
	ControllerRecovering ControllerState = "recovering"
)

// Value returns the controller state as a State value.
func (s ControllerState) Value() state.Value { return state.String(string(s)) }

// Validate checks if the controller state is valid.
func (s ControllerState) Validate() error {
	switch s {
	case ControllerPlanning, ControllerExecuting, ControllerRecovering:
		return nil
	default:
		return fmt.Errorf("invalid controller state: %s", s)
	}
}

// StepState tracks whether the current plan step has been started.
type StepState string

const (
	// StepIdle indicates the step's precondition has not been taken yet.
	StepIdle StepState = "idle"

	// StepExecuting indicates the step is armed and awaiting its outcome.
	StepExecuting StepState = "executing"
)

// Value returns the step state as a State value.
func (s StepState) Value() state.Value { return state.String(string(s)) }

// EventType represents the type of event emitted by the engine.
type EventType string

const (
	// EventTypePlanFound indicates the planner found and published a plan.
	EventTypePlanFound EventType = "plan.found"

	// EventTypePlanNotFound indicates the planner found no plan, or the plan was denied.
	EventTypePlanNotFound EventType = "plan.not_found"

	// EventTypePlanStateChanged indicates the published plan state changed.
	EventTypePlanStateChanged EventType = "plan_state.changed"

	// EventTypeStepSucceeded indicates a plan step completed.
	EventTypeStepSucceeded EventType = "step.succeeded"

	// EventTypeStepFailed indicates a plan step failed.
	EventTypeStepFailed EventType = "step.failed"

	// EventTypeDeviceRequest indicates a device request was served.
	EventTypeDeviceRequest EventType = "device.request"

	// EventTypeTestCaseStarted indicates the harness injected a test case.
	EventTypeTestCaseStarted EventType = "test_case.started"

	// EventTypeTestCaseFinished indicates a test case reached a terminal plan state.
	EventTypeTestCaseFinished EventType = "test_case.finished"

	// EventTypePolicyViolation indicates a plan was denied by policy.
	EventTypePolicyViolation EventType = "policy.violation"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeStepFailed, EventTypePolicyViolation:
		return "error"
	case EventTypePlanNotFound:
		return "warning"
	default:
		return "info"
	}
}
