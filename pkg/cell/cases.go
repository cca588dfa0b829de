package cell

import (
	"context"
	"fmt"

	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/harness"
)

// Cases generates the test cases cfg selects: a suite file, a Starlark
// script or random cases, in that order of preference. source names where
// the cases came from.
func Cases(ctx context.Context, cfg config.HarnessConfig, model *engine.Model) (cases []harness.Case, source string, err error) {
	var gen harness.Generator
	switch {
	case cfg.Suite != "":
		gen = harness.SuiteGenerator{Path: cfg.Suite}
		source = "suite:" + cfg.Suite

	case cfg.Script != "":
		gen, err = harness.NewStarlarkFileGenerator(cfg.Script, cfg.Seed, cfg.ScriptCount, cfg.ScriptTimeout())
		if err != nil {
			return nil, "", err
		}
		source = "script:" + cfg.Script

	case cfg.Random > 0:
		device := ""
		for _, d := range model.Devices() {
			if KindOf(d) == KindGantry {
				device = d
				break
			}
		}
		gen = harness.NewRandomGenerator(harness.RandomConfig{
			Device: device,
			Count:  cfg.Random,
			Seed:   uint64(cfg.Seed),
		})
		source = "random"

	default:
		return nil, "", engine.NewPermanentError("no test case source configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	cases, err = gen.Generate(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate cases from %s: %w", source, err)
	}
	for i := range cases {
		if err := cases[i].Validate(); err != nil {
			return nil, "", fmt.Errorf("case %d from %s: %w", i, source, err)
		}
	}
	return cases, source, nil
}
