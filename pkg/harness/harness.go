package harness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Writer is the store writer name used by the harness.
const Writer = "harness"

// DefaultPeriod is the tick period of the harness.
const DefaultPeriod = 500 * time.Millisecond

// Counters are the fail counters of one device.
type Counters struct {
	Subsequent int64 `json:"subsequent"`
	Total      int64 `json:"total"`
}

// Started describes a case that has just been injected.
type Started struct {
	ID       string
	Sequence int
	Case     Case
	At       time.Time
}

// Outcome is the terminal result of a case.
type Outcome struct {
	Started

	PlanState    engine.PlanState
	Plan         []string
	PlanInfo     string
	ReplanCount  int64
	FailCounters map[string]Counters
	CompletedAt  time.Time
	Duration     time.Duration
}

// Recorder is notified when cases start and finish.
type Recorder interface {
	CaseStarted(ctx context.Context, s *Started) error
	CaseFinished(ctx context.Context, o *Outcome) error
}

// Harness injects queued cases one at a time and waits for each plan to
// reach a terminal state before injecting the next.
type Harness struct {
	model     string
	vars      engine.RunnerVars
	devices   []string
	store     *state.Store
	queue     *Queue
	recorders []Recorder
	logger    zerolog.Logger

	sequence int
	current  *running
	outcomes []*Outcome
}

type running struct {
	started Started
	span    trace.Span
}

// Option configures a Harness.
type Option func(*Harness)

// WithRecorder adds a recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Harness) { h.recorders = append(h.recorders, r) }
}

// WithDevices sets the devices whose faults are reset before each case.
// Faults of devices not named by a case are cleared so cases do not leak
// into each other.
func WithDevices(devices ...string) Option {
	return func(h *Harness) { h.devices = append([]string(nil), devices...) }
}

// New creates a harness for model over store.
func New(model *engine.Model, store *state.Store, queue *Queue, logger zerolog.Logger, opts ...Option) *Harness {
	h := &Harness{
		model:   model.Name,
		vars:    engine.VarsFor(model.Name),
		devices: model.Devices(),
		store:   store,
		queue:   queue,
		logger:  logger.With().Str("component", "harness").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Done reports whether the queue is empty and no case is in flight.
func (h *Harness) Done() bool {
	return h.current == nil && h.queue.Len() == 0
}

// Outcomes returns the outcomes recorded so far, in order.
func (h *Harness) Outcomes() []*Outcome {
	return append([]*Outcome(nil), h.outcomes...)
}

// Run ticks every period until every case has finished or ctx is cancelled.
func (h *Harness) Run(ctx context.Context, period time.Duration) error {
	h.logger.Info().Dur("period", period).Int("cases", h.queue.Len()).Msg("Harness started")
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Warn().Int("remaining", h.queue.Len()).Msg("Harness stopped before all cases finished")
			return ctx.Err()
		case <-ticker.C:
			if err := h.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.logger.Error().Err(err).Msg("Harness tick failed")
			}
			if h.Done() {
				h.logger.Info().Int("cases", len(h.outcomes)).Msg("All test cases finished")
				return nil
			}
		}
	}
}

// Tick finishes the running case once its plan is terminal, or injects the
// next case when the model is idle. A finished case and the next injection
// are one tick apart.
func (h *Harness) Tick(ctx context.Context) error {
	snap, err := h.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	if h.current != nil {
		if !h.idle(snap) {
			return nil
		}
		return h.finish(ctx, snap)
	}

	if !h.idle(snap) {
		return nil
	}
	for {
		c, ok := h.queue.Pop()
		if !ok {
			return nil
		}
		updates, err := h.updates(snap, c)
		if err != nil {
			h.logger.Error().Err(err).Str("case", c.Name).Msg("Skipping invalid test case")
			continue
		}
		return h.inject(ctx, c, updates)
	}
}

// idle reports whether no goal is pending and the plan state accepts a new
// goal. A case is not finished while the trigger or replanned flag is set,
// so a terminal state left by the previous case is never mistaken for the
// outcome of the current one.
func (h *Harness) idle(s state.State) bool {
	if s.GetOrDefaultBool(Writer, h.vars.ReplanTrigger()) || s.GetOrDefaultBool(Writer, h.vars.Replanned()) {
		return false
	}
	return engine.ParsePlanState(s.GetOrDefaultString(Writer, h.vars.PlanState())).IsIdle()
}

// updates computes the variables written for c, checked against the
// declared variables of s.
func (h *Harness) updates(s state.State, c Case) (map[string]state.Value, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if _, err := guard.ParseGuard(c.Goal, s); err != nil {
		return nil, fmt.Errorf("case %q: %w", c.Name, err)
	}

	updates := map[string]state.Value{}
	devices := append([]string(nil), h.devices...)
	devices = append(devices, c.Devices()...)
	for _, dev := range devices {
		dv := engine.DeviceVarsFor(dev)
		if !s.Contains(dv.FailMode()) {
			return nil, fmt.Errorf("case %q: unknown device %s", c.Name, dev)
		}
		p := c.Faults[dev]
		updates[dv.ExecTimeMode()] = state.Int64(p.ExecTimeMode)
		updates[dv.ExecTimeValue()] = state.Int64(p.ExecTimeValue)
		updates[dv.FailMode()] = state.Int64(p.FailMode)
		updates[dv.FailRatePercent()] = state.Int64(p.FailRatePercent)
		updates[dv.FailCauseMode()] = state.Int64(p.FailCauseMode)
		updates[dv.FailCauseList()] = state.Strings(p.FailCauseList...)
	}

	setup, err := c.SetupValues()
	if err != nil {
		return nil, err
	}
	for name, v := range setup {
		declared, ok := s.Get(name)
		if !ok {
			return nil, fmt.Errorf("case %q: setup variable %s is not declared", c.Name, name)
		}
		updates[name] = coerce(declared, v)
	}

	updates[h.vars.Goal()] = state.String(c.Goal)
	updates[h.vars.ReplanTrigger()] = state.Bool(true)
	updates[h.vars.Replanned()] = state.Bool(false)
	return updates, nil
}

func (h *Harness) inject(ctx context.Context, c Case, updates map[string]state.Value) error {
	if _, err := h.store.Apply(ctx, Writer, func(s state.State) state.State {
		return s.UpdateMany(updates)
	}); err != nil {
		return err
	}

	started := Started{
		ID:       uuid.New().String(),
		Sequence: h.sequence,
		Case:     c,
		At:       time.Now(),
	}
	h.sequence++

	_, span := otel.Tracer("riskcell/harness").Start(ctx, "harness.case")
	span.SetAttributes(
		attribute.String("case.id", started.ID),
		attribute.String("case.name", c.Name),
		attribute.String("goal", c.Goal),
		attribute.Int("sequence", started.Sequence),
	)
	h.current = &running{started: started, span: span}

	h.logger.Info().
		Str("case", c.Name).
		Int("sequence", started.Sequence).
		Str("goal", c.Goal).
		Strs("devices", c.Devices()).
		Msg("Test case injected")

	for _, r := range h.recorders {
		if err := r.CaseStarted(ctx, &started); err != nil {
			h.logger.Warn().Err(err).Str("case", c.Name).Msg("Failed to record case start")
		}
	}
	return nil
}

func (h *Harness) finish(ctx context.Context, s state.State) error {
	cur := h.current
	h.current = nil

	now := time.Now()
	outcome := &Outcome{
		Started:      cur.started,
		PlanState:    engine.ParsePlanState(s.GetOrDefaultString(Writer, h.vars.PlanState())),
		Plan:         s.GetOrDefaultStrings(Writer, h.vars.Plan()),
		PlanInfo:     s.GetOrDefaultString(Writer, h.vars.PlanInfo()),
		ReplanCount:  s.GetOrDefaultInt64(Writer, h.vars.ReplanCounter()),
		FailCounters: h.counters(s, cur.started.Case),
		CompletedAt:  now,
		Duration:     now.Sub(cur.started.At),
	}
	h.outcomes = append(h.outcomes, outcome)

	cur.span.SetAttributes(
		attribute.String("plan_state", string(outcome.PlanState)),
		attribute.Int64("replans", outcome.ReplanCount),
	)
	cur.span.End()

	event := h.logger.Info()
	if outcome.PlanState != engine.PlanStateCompleted {
		event = h.logger.Warn()
	}
	event.
		Str("case", outcome.Case.Name).
		Str("plan_state", string(outcome.PlanState)).
		Strs("plan", outcome.Plan).
		Int64("replans", outcome.ReplanCount).
		Dur("duration", outcome.Duration).
		Msg("Test case finished")

	for _, r := range h.recorders {
		if err := r.CaseFinished(ctx, outcome); err != nil {
			h.logger.Warn().Err(err).Str("case", outcome.Case.Name).Msg("Failed to record case outcome")
		}
	}
	return nil
}

func (h *Harness) counters(s state.State, c Case) map[string]Counters {
	seen := map[string]bool{}
	devices := append(append([]string(nil), h.devices...), c.Devices()...)
	sort.Strings(devices)

	out := make(map[string]Counters, len(devices))
	for _, dev := range devices {
		if seen[dev] {
			continue
		}
		seen[dev] = true
		dv := engine.DeviceVarsFor(dev)
		out[dev] = Counters{
			Subsequent: s.GetOrDefaultInt64(Writer, dv.SubsequentFailCounter()),
			Total:      s.GetOrDefaultInt64(Writer, dv.TotalFailCounter()),
		}
	}
	return out
}

// coerce converts numeric setup values to the declared numeric kind, since
// YAML and JSON do not preserve the int/float distinction.
func coerce(declared, v state.Value) state.Value {
	switch declared.Kind() {
	case state.KindFloat64:
		if i, ok := v.AsInt64(); ok {
			return state.Float64(float64(i))
		}
	case state.KindInt64:
		if f, ok := v.AsFloat64(); ok && f == float64(int64(f)) {
			return state.Int64(int64(f))
		}
	}
	return v
}

