package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/riskcell/pkg/device/faults"
)

const suiteYAML = `
name: gantry-smoke
seed: 7
cases:
  - name: nominal
    goal: "var:gantry_position_estimated == b"
  - goal: "var:gantry_position_estimated == c"
    faults:
      gantry:
        exec_time_mode: 2
        exec_time_value: 200
        fail_mode: 2
        fail_rate_percent: 30
        fail_cause_mode: 1
        fail_cause_list: [violation, collision]
    setup:
      gantry_speed_command: 1.5
`

func TestParseSuite(t *testing.T) {
	suite, err := ParseSuite([]byte(suiteYAML))
	if err != nil {
		t.Fatalf("ParseSuite failed: %v", err)
	}
	if suite.Name != "gantry-smoke" || suite.Seed != 7 {
		t.Errorf("Expected gantry-smoke with seed 7, got %s with %d", suite.Name, suite.Seed)
	}
	if len(suite.Cases) != 2 {
		t.Fatalf("Expected 2 cases, got %d", len(suite.Cases))
	}
	if suite.Cases[1].Name != "case-001" {
		t.Errorf("Expected generated name case-001, got %s", suite.Cases[1].Name)
	}

	want := faults.Params{
		ExecTimeMode:    faults.ExecTimeUniform,
		ExecTimeValue:   200,
		FailMode:        faults.FailProbabilistic,
		FailRatePercent: 30,
		FailCauseMode:   faults.CauseFirst,
	}
	got := suite.Cases[1].Faults["gantry"]
	if got.ExecTimeMode != want.ExecTimeMode || got.ExecTimeValue != want.ExecTimeValue ||
		got.FailMode != want.FailMode || got.FailRatePercent != want.FailRatePercent ||
		got.FailCauseMode != want.FailCauseMode {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if len(got.FailCauseList) != 2 || got.FailCauseList[0] != "violation" {
		t.Errorf("Expected cause list [violation collision], got %v", got.FailCauseList)
	}

	setup, err := suite.Cases[1].SetupValues()
	if err != nil {
		t.Fatalf("SetupValues failed: %v", err)
	}
	if f, ok := setup["gantry_speed_command"].AsFloat64(); !ok || f != 1.5 {
		t.Errorf("Expected speed 1.5, got %v", setup["gantry_speed_command"])
	}
}

func TestParseSuiteErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "not yaml", yaml: "cases: [unterminated"},
		{name: "no cases", yaml: "name: empty\ncases: []\n"},
		{name: "missing goal", yaml: "cases:\n  - name: x\n"},
		{name: "rate out of range", yaml: "cases:\n  - goal: \"true\"\n    faults:\n      gantry:\n        fail_rate_percent: 150\n"},
		{name: "fail mode out of range", yaml: "cases:\n  - goal: \"true\"\n    faults:\n      gantry:\n        fail_mode: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSuite([]byte(tt.yaml)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	if err := os.WriteFile(path, []byte(suiteYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cases, err := SuiteGenerator{Path: path}.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cases) != 2 {
		t.Errorf("Expected 2 cases, got %d", len(cases))
	}

	if _, err := LoadSuite(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestCaseDevicesSorted(t *testing.T) {
	c := Case{Goal: "true", Faults: map[string]faults.Params{"robot": {}, "gantry": {}}}
	devices := c.Devices()
	if len(devices) != 2 || devices[0] != "gantry" || devices[1] != "robot" {
		t.Errorf("Expected [gantry robot], got %v", devices)
	}
}
