package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		maxPlanLengthPolicy(),
		forbiddenOperationsPolicy(),
		deviceBusyPolicy(),
	}
}

func builtin(p Policy) Policy {
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	return p
}

// maxPlanLengthPolicy bounds the number of steps in a plan.
func maxPlanLengthPolicy() Policy {
	return builtin(Policy{
		Name:        "max-plan-length",
		Description: "Denies plans with more steps than the cell allows",
		Severity:    SeverityError,
		Tags:        []string{"plan", "limits"},
		Rego: `package riskcell.policies.length

import rego.v1

deny contains violation if {
	limit := input.context.limits.max_plan_length
	limit > 0
	n := count(input.plan.operations)
	n > limit
	violation := {
		"message": sprintf("Plan has %d steps, more than the allowed %d", [n, limit]),
		"severity": "error",
	}
}`,
	})
}

// forbiddenOperationsPolicy rejects plans using forbidden operations or
// disabled devices.
func forbiddenOperationsPolicy() Policy {
	return builtin(Policy{
		Name:        "forbidden-operations",
		Description: "Denies plans that use forbidden operations or disabled devices",
		Severity:    SeverityCritical,
		Tags:        []string{"operations", "safety"},
		Rego: `package riskcell.policies.operations

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op in input.context.limits.forbidden_operations
	violation := {
		"message": sprintf("Operation %s is forbidden", [op]),
		"severity": "critical",
		"operation": op,
	}
}

deny contains violation if {
	some op in input.plan.operations
	device := input.plan.devices[op]
	device in input.context.limits.disabled_devices
	violation := {
		"message": sprintf("Operation %s uses disabled device %s", [op, device]),
		"severity": "critical",
		"operation": op,
	}
}`,
	})
}

// deviceBusyPolicy warns when a plan starts while one of its devices still
// has a request armed.
func deviceBusyPolicy() Policy {
	return builtin(Policy{
		Name:        "device-busy",
		Description: "Warns when a planned device still has a request armed",
		Severity:    SeverityWarning,
		Tags:        []string{"devices"},
		Rego: `package riskcell.policies.busy

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	device := input.plan.devices[op]
	input.plan.state[sprintf("%s_request_trigger", [device])] == "bool___true"
	violation := {
		"message": sprintf("Device %s has a request armed", [device]),
		"severity": "warning",
		"operation": op,
	}
}`,
	})
}
