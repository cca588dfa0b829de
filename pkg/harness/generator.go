package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/device/faults"
)

// Generator produces a finite list of test cases.
type Generator interface {
	Generate(ctx context.Context) ([]Case, error)
}

// SuiteGenerator returns the cases of a suite file.
type SuiteGenerator struct {
	Path string
}

// Generate loads the suite.
func (g SuiteGenerator) Generate(context.Context) ([]Case, error) {
	suite, err := LoadSuite(g.Path)
	if err != nil {
		return nil, err
	}
	return suite.Cases, nil
}

// RandomConfig bounds the cases drawn by RandomGenerator.
type RandomConfig struct {
	// Device is the gantry device the goals are about.
	Device string

	// Count is the number of cases to generate.
	Count int

	// Seed seeds the generator. Equal seeds give equal cases.
	Seed uint64

	// MaxExecTimeMs bounds the emulated execution time.
	MaxExecTimeMs int64

	// Causes are the failure causes offered to the device.
	Causes []string
}

// RandomGenerator draws a random command, speed and position per case and
// turns the command into a goal, with random faults on the device.
type RandomGenerator struct {
	cfg RandomConfig
	rng *rand.Rand
}

var (
	randomCommands  = []string{"move", "calibrate", "lock", "unlock"}
	randomSpeeds    = []float64{0.0, 1.0, 2.0}
	randomPositions = []string{"a", "b", "c", "d"}
)

// NewRandomGenerator creates a generator for cfg.
func NewRandomGenerator(cfg RandomConfig) *RandomGenerator {
	if cfg.Device == "" {
		cfg.Device = "gantry"
	}
	if cfg.MaxExecTimeMs == 0 {
		cfg.MaxExecTimeMs = 500
	}
	return &RandomGenerator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}
}

// Generate draws cfg.Count cases.
func (g *RandomGenerator) Generate(context.Context) ([]Case, error) {
	if g.cfg.Count <= 0 {
		return nil, fmt.Errorf("random generator needs a positive case count, got %d", g.cfg.Count)
	}
	cases := make([]Case, 0, g.cfg.Count)
	for i := 0; i < g.cfg.Count; i++ {
		cases = append(cases, g.next(i))
	}
	return cases, nil
}

func (g *RandomGenerator) next(i int) Case {
	dev := g.cfg.Device
	command := randomCommands[g.rng.IntN(len(randomCommands))]
	speed := randomSpeeds[g.rng.IntN(len(randomSpeeds))]
	position := randomPositions[g.rng.IntN(len(randomPositions))]

	var goal string
	switch command {
	case "move":
		goal = fmt.Sprintf("var:%s_position_estimated == %s", dev, position)
	case "calibrate":
		goal = fmt.Sprintf("var:%s_calibrated_estimated == true", dev)
	case "lock":
		goal = fmt.Sprintf("var:%s_locked_estimated == true", dev)
	default:
		goal = fmt.Sprintf("var:%s_locked_estimated == false", dev)
	}

	params := faults.Params{
		ExecTimeMode:    g.rng.Int64N(3),
		ExecTimeValue:   g.rng.Int64N(g.cfg.MaxExecTimeMs + 1),
		FailMode:        g.rng.Int64N(3),
		FailRatePercent: g.rng.Int64N(101),
	}
	if len(g.cfg.Causes) > 0 {
		params.FailCauseMode = g.rng.Int64N(3)
		params.FailCauseList = append([]string(nil), g.cfg.Causes...)
	}

	return Case{
		Name:   fmt.Sprintf("random-%03d-%s", i, command),
		Goal:   goal,
		Faults: map[string]faults.Params{dev: params},
		Setup:  map[string]interface{}{dev + "_speed_command": speed},
	}
}

// StarlarkGenerator runs a script that defines a global list named cases.
// The script sees the globals seed and count, and the evaluator's randint,
// choice and goal helpers draw from a source seeded with seed.
type StarlarkGenerator struct {
	evaluator *config.StarlarkEvaluator
	script    string
	input     map[string]interface{}
}

// NewStarlarkGenerator creates a generator for script.
func NewStarlarkGenerator(script string, seed int64, count int, timeout time.Duration) *StarlarkGenerator {
	return &StarlarkGenerator{
		evaluator: config.NewStarlarkEvaluator(timeout),
		script:    script,
		input: map[string]interface{}{
			"seed":  seed,
			"count": int64(count),
		},
	}
}

// NewStarlarkFileGenerator reads the script at path.
func NewStarlarkFileGenerator(path string, seed int64, count int, timeout time.Duration) (*StarlarkGenerator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read generator script %s: %w", path, err)
	}
	return NewStarlarkGenerator(string(data), seed, count, timeout), nil
}

// Generate evaluates the script and decodes its cases.
func (g *StarlarkGenerator) Generate(ctx context.Context) ([]Case, error) {
	result, err := g.evaluator.Evaluate(ctx, g.script, g.input)
	if err != nil {
		return nil, fmt.Errorf("generator script failed: %w", err)
	}
	raw, ok := result.Output["cases"]
	if !ok {
		return nil, fmt.Errorf("generator script does not define cases")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generated cases: %w", err)
	}
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("generated cases have the wrong shape: %w", err)
	}
	for i := range cases {
		if cases[i].Name == "" {
			cases[i].Name = fmt.Sprintf("generated-%03d", i)
		}
		if err := cases[i].Validate(); err != nil {
			return nil, err
		}
	}
	return cases, nil
}
