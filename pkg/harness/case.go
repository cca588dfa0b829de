// Package harness feeds risk-test cases into the shared state and records
// the outcome of each case once its plan reaches a terminal state.
package harness

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/state"
)

var validate = validator.New()

// Case is one risk test: a goal and the faults injected into each device
// while the goal is pursued.
type Case struct {
	// Name identifies the case in reports. Generated when empty.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Goal is the guard text written to <model>_goal.
	Goal string `json:"goal" yaml:"goal" validate:"required"`

	// Faults are the emulation parameters per device.
	Faults map[string]faults.Params `json:"faults,omitempty" yaml:"faults,omitempty" validate:"dive"`

	// Setup holds variables written together with the goal, for example a
	// commanded speed.
	Setup map[string]interface{} `json:"setup,omitempty" yaml:"setup,omitempty"`
}

// Validate checks the case fields.
func (c *Case) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid case %q: %w", c.Name, err)
	}
	return nil
}

// Devices returns the devices the case injects faults into, sorted.
func (c *Case) Devices() []string {
	devices := make([]string, 0, len(c.Faults))
	for d := range c.Faults {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// SetupValues converts Setup to state values.
func (c *Case) SetupValues() (map[string]state.Value, error) {
	values := make(map[string]state.Value, len(c.Setup))
	for name, raw := range c.Setup {
		v, err := state.FromInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("case %q: setup %s: %w", c.Name, name, err)
		}
		values[name] = v
	}
	return values, nil
}

// Suite is a YAML file of test cases.
type Suite struct {
	Name  string `yaml:"name"`
	Seed  int64  `yaml:"seed,omitempty"`
	Cases []Case `yaml:"cases" validate:"required,min=1,dive"`
}

// ParseSuite decodes and validates a suite.
func ParseSuite(data []byte) (*Suite, error) {
	var suite Suite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse suite: %w", err)
	}
	for i := range suite.Cases {
		if suite.Cases[i].Name == "" {
			suite.Cases[i].Name = fmt.Sprintf("case-%03d", i)
		}
	}
	if err := validate.Struct(&suite); err != nil {
		return nil, fmt.Errorf("invalid suite %q: %w", suite.Name, err)
	}
	return &suite, nil
}

// LoadSuite reads a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file %s: %w", path, err)
	}
	suite, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return suite, nil
}
