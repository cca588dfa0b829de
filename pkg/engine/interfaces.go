package engine

import (
	"context"
	"time"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Planner searches for an operation sequence that satisfies a goal.
type Planner interface {
	// Plan searches from s for a plan whose final state satisfies goal.
	Plan(ctx context.Context, s state.State, goal guard.Expr, model *Model) (*Plan, error)
}

// PlanPolicy admits or denies a found plan before it is published.
type PlanPolicy interface {
	// AdmitPlan evaluates the plan admission policies against req.
	AdmitPlan(ctx context.Context, req *PlanAdmission) (*PolicyResult, error)
}

// PlanAdmission is the input to plan admission policies.
type PlanAdmission struct {
	// Model is the model name.
	Model string `json:"model"`

	// Goal is the goal text the plan was computed for.
	Goal string `json:"goal"`

	// Operations are the planned operation names in order.
	Operations []string `json:"operations"`

	// Devices maps each planned operation to its device.
	Devices map[string]string `json:"devices"`

	// State is the exported state the plan was computed from.
	State map[string]string `json:"state"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the plan is admitted.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`

	// Operation is the operation that violated the policy, if applicable.
	Operation string `json:"operation,omitempty"`
}

// Observer receives planner and runner notifications. Implementations must
// not block: they are called while the state store applies a write.
type Observer interface {
	// PlanComputed is called after every search.
	PlanComputed(model string, plan *Plan)

	// PlanDenied is called when policy denies a found plan.
	PlanDenied(model string, plan *Plan, result *PolicyResult)

	// StepFinished is called when a plan step succeeds or fails.
	StepFinished(model, operation, device string, succeeded bool)

	// Replanned is called when the runner requests a new plan after a failure.
	Replanned(model string)

	// PlanStateChanged is called when the published plan state changes.
	PlanStateChanged(model string, from, to PlanState)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) PlanComputed(string, *Plan)                    {}
func (NopObserver) PlanDenied(string, *Plan, *PolicyResult)       {}
func (NopObserver) StepFinished(string, string, string, bool)     {}
func (NopObserver) Replanned(string)                              {}
func (NopObserver) PlanStateChanged(string, PlanState, PlanState) {}
