package cell

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/policy"
)

// NewPolicy builds the plan admission engine for cfg. With cfg.Watch set the
// policy paths are reloaded on change until ctx ends.
func NewPolicy(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	eng.SetLimits(policy.Limits{
		MaxPlanLength:       cfg.MaxPlanLength,
		ForbiddenOperations: cfg.ForbiddenOperations,
		DisabledDevices:     cfg.DisabledDevices,
	})

	if len(cfg.Paths) == 0 {
		return eng, nil
	}
	if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := eng.Watch(ctx); err != nil {
			return nil, err
		}
	}
	return eng, nil
}
