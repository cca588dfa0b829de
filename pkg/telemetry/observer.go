package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/harness"
	"github.com/openfroyo/riskcell/pkg/stores"
	"github.com/openfroyo/riskcell/pkg/ticker"
)

var (
	_ engine.Observer  = (*Observer)(nil)
	_ ticker.Observer  = (*Observer)(nil)
	_ harness.Recorder = (*Observer)(nil)
)

// Observer turns planner, runner, ticker and harness notifications into
// metrics and events. It never blocks on delivery.
type Observer struct {
	model   string
	metrics *Metrics
	events  *EventPublisher
	logger  zerolog.Logger
}

// Observer returns an observer for model.
func (t *Telemetry) Observer(model string) *Observer {
	return NewObserver(model, t.Metrics, t.Events, t.Logger.NewComponentLogger("telemetry").Zerolog())
}

// NewObserver creates an observer. metrics and events may be nil.
func NewObserver(model string, metrics *Metrics, events *EventPublisher, logger zerolog.Logger) *Observer {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if events == nil {
		events = &EventPublisher{}
	}
	return &Observer{model: model, metrics: metrics, events: events, logger: logger}
}

func (o *Observer) publish(err error) {
	if err != nil {
		o.logger.Debug().Err(err).Msg("event not published")
	}
}

// PlanComputed implements engine.Observer.
func (o *Observer) PlanComputed(model string, plan *engine.Plan) {
	if plan != nil {
		o.metrics.RecordPlan(model, plan.Found, plan.Len(), plan.Duration)
	}
	o.publish(o.events.PublishPlan(model, plan))
}

// PlanDenied implements engine.Observer.
func (o *Observer) PlanDenied(model string, _ *engine.Plan, result *engine.PolicyResult) {
	o.metrics.RecordPlanDenied(model)
	if result == nil {
		return
	}
	for _, v := range result.Violations {
		o.publish(o.events.PublishPolicyViolation(model, v))
	}
}

// StepFinished implements engine.Observer.
func (o *Observer) StepFinished(model, operation, device string, succeeded bool) {
	o.metrics.RecordStep(model, operation, succeeded)
	o.publish(o.events.PublishStep(model, operation, device, succeeded))
}

// Replanned implements engine.Observer.
func (o *Observer) Replanned(model string) {
	o.metrics.RecordReplan(model)
}

// PlanStateChanged implements engine.Observer.
func (o *Observer) PlanStateChanged(model string, from, to engine.PlanState) {
	o.metrics.RecordPlanState(model, string(to))
	o.publish(o.events.PublishPlanStateChanged(model, from, to))
}

// DeviceRequest implements ticker.Observer.
func (o *Observer) DeviceRequest(device, command string, succeeded bool, duration time.Duration, err error) {
	o.metrics.RecordDeviceRequest(device, command, succeeded, duration)
	if err != nil {
		class := engine.ErrorClassOf(err)
		if class == "" {
			class = engine.ErrorClassTransient
		}
		o.metrics.RecordError(string(class))
	}
	o.publish(o.events.PublishDeviceRequest(device, command, succeeded, duration, err))
}

// CaseStarted implements harness.Recorder.
func (o *Observer) CaseStarted(_ context.Context, s *harness.Started) error {
	o.publish(o.events.PublishTestCaseStarted(o.model, s.ID, s.Case.Name, s.Case.Goal))
	return nil
}

// CaseFinished implements harness.Recorder.
func (o *Observer) CaseFinished(_ context.Context, out *harness.Outcome) error {
	o.metrics.RecordTestCase(string(out.PlanState), out.Duration)
	o.publish(o.events.PublishTestCaseFinished(o.model, out.ID, out.Case.Name, out.PlanState, out.Duration))
	return nil
}

// LogSubscriber logs every event at debug level, raised to warn for warning
// and error events.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		e := logger.Debug()
		if event.Level == EventLevelWarning || event.Level == EventLevelError {
			e = logger.Warn()
		}
		e = e.Str("event", string(event.Type))
		if event.Model != "" {
			e = e.Str("model", event.Model)
		}
		if event.Device != "" {
			e = e.Str("device", event.Device)
		}
		if event.Operation != "" {
			e = e.Str("operation", event.Operation)
		}
		e.Msg(event.Message)
	}
}

// StoreSubscriber appends events to the results store under runID. Test case
// events are skipped since harness.StoreRecorder writes them itself.
func StoreSubscriber(store stores.Store, runID string, logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		if strings.HasPrefix(string(event.Type), "test_case.") {
			return
		}
		ev := &stores.Event{
			RunID:     &runID,
			Type:      string(event.Type),
			Level:     stores.EventLevel(event.Level),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if len(event.Details) > 0 {
			data, err := json.Marshal(event.Details)
			if err == nil {
				text := string(data)
				ev.Details = &text
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.AppendEvent(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("event", string(event.Type)).Msg("failed to store event")
		}
	}
}
