package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// PlannerWriter is the store writer name used by the planner task.
const PlannerWriter = "planner"

// PlannerTask watches the replan trigger of a model and publishes plans.
type PlannerTask struct {
	model    *Model
	vars     RunnerVars
	planner  Planner
	store    *state.Store
	policy   PlanPolicy
	observer Observer
	logger   zerolog.Logger
}

// PlannerTaskOption configures a PlannerTask.
type PlannerTaskOption func(*PlannerTask)

// WithPlanPolicy makes the task ask policy to admit every found plan.
func WithPlanPolicy(policy PlanPolicy) PlannerTaskOption {
	return func(t *PlannerTask) { t.policy = policy }
}

// WithPlannerObserver sets the observer notified of search results.
func WithPlannerObserver(o Observer) PlannerTaskOption {
	return func(t *PlannerTask) { t.observer = o }
}

// NewPlannerTask creates a planner task for model over store.
func NewPlannerTask(model *Model, planner Planner, store *state.Store, logger zerolog.Logger, opts ...PlannerTaskOption) *PlannerTask {
	t := &PlannerTask{
		model:    model,
		vars:     VarsFor(model.Name),
		planner:  planner,
		store:    store,
		observer: NopObserver{},
		logger:   logger.With().Str("component", "planner").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run ticks every period until ctx is cancelled.
func (t *PlannerTask) Run(ctx context.Context, period time.Duration) error {
	t.logger.Info().Dur("period", period).Msg("Planner started")
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Planner stopped")
			return nil
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Error().Err(err).Msg("Planner tick failed")
			}
		}
	}
}

// Tick plans once if the replan trigger is set. The search runs on a snapshot;
// the result is published only if the trigger and goal are unchanged.
func (t *PlannerTask) Tick(ctx context.Context) error {
	snap, err := t.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	const target = "planner"
	if !snap.GetOrDefaultBool(target, t.vars.ReplanTrigger()) {
		return nil
	}
	goalText := snap.GetOrDefaultString(target, t.vars.Goal())

	plan, info := t.search(ctx, snap, goalText)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	published := false
	_, err = t.store.Apply(ctx, PlannerWriter, func(s state.State) state.State {
		trigger, _ := s.GetBool(t.vars.ReplanTrigger())
		goal, _ := s.GetString(t.vars.Goal())
		if !trigger || goal != goalText {
			return s
		}
		published = true
		return s.UpdateMany(map[string]state.Value{
			t.vars.Plan():          state.Strings(plan.Operations...),
			t.vars.PlanExists():    state.Bool(plan.Found),
			t.vars.PlanInfo():      state.String(info),
			t.vars.ReplanTrigger(): state.Bool(false),
			t.vars.Replanned():     state.Bool(true),
		})
	})
	if err != nil {
		return err
	}

	if !published {
		t.logger.Debug().Str("goal", goalText).Msg("Goal changed during search, plan discarded")
		return nil
	}
	if plan.Found {
		t.logger.Info().
			Str("goal", goalText).
			Strs("plan", plan.Operations).
			Int("expanded", plan.Expanded).
			Msg("Plan found")
	} else {
		t.logger.Warn().Str("goal", goalText).Str("info", info).Msg("No plan published")
	}
	return nil
}

// search runs the planner and the admission policy. The returned plan is
// never nil; failures are folded into a not-found plan with info set.
func (t *PlannerTask) search(ctx context.Context, snap state.State, goalText string) (*Plan, string) {
	notFound := &Plan{Operations: []string{}}

	goal, err := guard.ParseGuard(goalText, snap)
	if err != nil {
		t.logger.Error().Err(err).Str("goal", goalText).Msg("Invalid goal")
		return notFound, fmt.Sprintf("invalid goal: %v", err)
	}

	plan, err := t.planner.Plan(ctx, snap, goal, t.model)
	if err != nil {
		t.logger.Error().Err(err).Str("goal", goalText).Msg("Search failed")
		return notFound, fmt.Sprintf("search failed: %v", err)
	}
	t.observer.PlanComputed(t.model.Name, plan)

	if !plan.Found {
		return plan, fmt.Sprintf("no plan within depth reaches %s", goalText)
	}
	if t.policy == nil {
		return plan, fmt.Sprintf("found plan of length %d", plan.Len())
	}

	result, err := t.policy.AdmitPlan(ctx, t.admission(snap, goalText, plan))
	if err != nil {
		t.logger.Error().Err(err).Msg("Plan admission failed")
		return notFound, fmt.Sprintf("plan admission failed: %v", err)
	}
	if !result.Allowed {
		t.observer.PlanDenied(t.model.Name, plan, result)
		msgs := make([]string, 0, len(result.Violations))
		for _, v := range result.Violations {
			msgs = append(msgs, v.Message)
		}
		return notFound, "plan denied: " + strings.Join(msgs, "; ")
	}
	return plan, fmt.Sprintf("found plan of length %d", plan.Len())
}

func (t *PlannerTask) admission(snap state.State, goal string, plan *Plan) *PlanAdmission {
	devices := make(map[string]string, plan.Len())
	for _, name := range plan.Operations {
		if op, ok := t.model.Operation(name); ok {
			devices[name] = op.Device
		}
	}
	return &PlanAdmission{
		Model:      t.model.Name,
		Goal:       goal,
		Operations: plan.Operations,
		Devices:    devices,
		State:      state.Export(snap),
	}
}
