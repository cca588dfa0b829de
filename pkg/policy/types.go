package policy

import (
	"time"

	"github.com/openfroyo/riskcell/pkg/engine"
)

// Severity of a violation. Error and critical violations deny the plan;
// info and warning ones are reported as warnings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies a plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is one Rego module. Its deny set holds the violations, as message
// strings or as objects carrying a message.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Builtin policies cannot be shadowed by loaded ones.
	Builtin bool `json:"builtin,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Metadata records where a loaded policy came from: its source file or
	// bundle.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Limits parameterise the built-in policies for a cell.
type Limits struct {
	// MaxPlanLength denies plans longer than this. Zero means unlimited.
	MaxPlanLength int `json:"max_plan_length" yaml:"max_plan_length"`

	// ForbiddenOperations may never be planned.
	ForbiddenOperations []string `json:"forbidden_operations" yaml:"forbidden_operations"`

	// DisabledDevices may not be driven by any planned operation.
	DisabledDevices []string `json:"disabled_devices" yaml:"disabled_devices"`
}

// admissionInput is the Rego input document: input.plan is the plan under
// review, input.context the evaluation time and the cell limits.
type admissionInput struct {
	Plan    *engine.PlanAdmission `json:"plan"`
	Context admissionContext      `json:"context"`
}

type admissionContext struct {
	Timestamp time.Time `json:"timestamp"`
	Limits    Limits    `json:"limits"`
}

// PolicyBundle is a versioned set of policies shipped as one
// *.bundle.json file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
