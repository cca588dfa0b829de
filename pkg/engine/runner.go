package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/state"
)

// RunnerWriter is the store writer name used by the runner.
const RunnerWriter = "runner"

// DefaultMaxReplans is the replan budget when RunnerConfig.MaxReplans is unset.
const DefaultMaxReplans = 3

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// MaxReplans is how many times a failed plan is replanned before the
	// runner gives up. Negative disables replanning.
	MaxReplans int `json:"max_replans"`
}

// Runner executes the published plan of a model step by step. Each tick is
// a single atomic write to the store.
type Runner struct {
	model    *Model
	vars     RunnerVars
	config   RunnerConfig
	store    *state.Store
	observer Observer
	logger   zerolog.Logger

	// requested is set while a replan the runner asked for is outstanding.
	requested bool

	// failures counts consecutive failures of the current step.
	failures int

	// pending holds observer notifications raised by Step. Tick delivers
	// them once the store write has returned.
	pending []func(Observer)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerObserver sets the observer notified of step outcomes and plan state changes.
func WithRunnerObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a runner for model over store.
func NewRunner(model *Model, store *state.Store, cfg RunnerConfig, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	if cfg.MaxReplans == 0 {
		cfg.MaxReplans = DefaultMaxReplans
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	r := &Runner{
		model:    model,
		vars:     VarsFor(model.Name),
		config:   cfg,
		store:    store,
		observer: NopObserver{},
		logger:   logger.With().Str("component", "runner").Str("model", model.Name).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks every period until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, period time.Duration) error {
	r.logger.Info().Dur("period", period).Int("max_replans", r.config.MaxReplans).Msg("Runner started")
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Runner stopped")
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error().Err(err).Msg("Runner tick failed")
			}
		}
	}
}

// Tick applies one runner step to the store, then notifies the observer of
// what the step did.
func (r *Runner) Tick(ctx context.Context) error {
	var notes []func(Observer)
	_, err := r.store.Apply(ctx, RunnerWriter, func(s state.State) state.State {
		s = r.Step(s)
		notes, r.pending = r.pending, nil
		return s
	})
	if err != nil {
		return err
	}
	for _, note := range notes {
		note(r.observer)
	}
	return nil
}

func (r *Runner) notify(note func(Observer)) {
	r.pending = append(r.pending, note)
}

// Step returns the runner's successor of s: auto-transitions first, then the
// controller transition for the current controller state. Observer
// notifications are queued for Tick rather than delivered.
func (r *Runner) Step(s state.State) state.State {
	const target = "runner"
	before := ParsePlanState(s.GetOrDefaultString(target, r.vars.PlanState()))

	for _, t := range r.model.AutoTransitions {
		if t.EvalRunning(s) {
			s = t.TakeRunning(s)
			r.logger.Debug().Str("transition", t.Name).Msg("Auto transition taken")
		}
	}

	switch ControllerState(s.GetOrDefaultString(target, r.vars.ControllerState())) {
	case ControllerExecuting:
		s = r.execute(s)
	case ControllerRecovering:
		s = r.recover(s)
	default:
		s = r.awaitPlan(s)
	}

	after := ParsePlanState(s.GetOrDefaultString(target, r.vars.PlanState()))
	if after != before {
		r.logger.Info().Str("from", string(before)).Str("to", string(after)).Msg("Plan state changed")
		r.notify(func(o Observer) { o.PlanStateChanged(r.model.Name, before, after) })
	}
	return s
}
