package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/riskcell/pkg/engine"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

var errPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives delivered events.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event should go through.
type EventFilter func(event engine.Event) bool

// EventPublisher fans engine events out to subscribers. With EnableAsync a
// single goroutine delivers queued events in order and a full queue drops
// the event; otherwise Publish delivers before returning.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []subscription
	filters     []EventFilter

	queue    chan engine.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher returns a publisher. A disabled one accepts and drops
// every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	ep.stop = make(chan struct{})
	if cfg.EnableAsync {
		ep.queue = make(chan engine.Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Subscribe adds fn, called for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter adds a filter every published event must pass.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// Publish fills in the ID, timestamp and level when unset, then delivers or
// queues the event.
func (ep *EventPublisher) Publish(event engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}
	if !ep.admit(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

func (ep *EventPublisher) admit(event engine.Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) deliver(events ...engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, event := range events {
		for _, s := range ep.subscribers {
			if s.filter == nil || s.filter(event) {
				s.fn(event)
			}
		}
	}
}

// run delivers queued events in batches of up to MaxBatchSize. On stop it
// drains the queue before returning.
func (ep *EventPublisher) run() {
	defer close(ep.done)
	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.queue:
			batch = append(batch[:0], event)
		fill:
			for len(batch) < cap(batch) {
				select {
				case next := <-ep.queue:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			ep.deliver(batch...)

		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits, at most until ctx is done, for
// queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })
	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishPlan reports the outcome of a search as plan.found or
// plan.not_found.
func (ep *EventPublisher) PublishPlan(model string, plan *engine.Plan) error {
	ev := engine.Event{Model: model, Details: map[string]interface{}{}}
	if plan != nil {
		ev.Details["expanded"] = plan.Expanded
		ev.Details["duration"] = plan.Duration.Seconds()
	}
	if plan != nil && plan.Found {
		ev.Type = engine.EventTypePlanFound
		ev.Message = fmt.Sprintf("Plan found for %s: %d steps", model, plan.Len())
		ev.Details["operations"] = plan.Operations
	} else {
		ev.Type = engine.EventTypePlanNotFound
		ev.Message = "No plan found for " + model
	}
	return ep.Publish(ev)
}

func (ep *EventPublisher) PublishPolicyViolation(model string, v engine.PolicyViolation) error {
	return ep.Publish(engine.Event{
		Type:      engine.EventTypePolicyViolation,
		Model:     model,
		Operation: v.Operation,
		Message:   fmt.Sprintf("Policy %s denied plan: %s", v.Policy, v.Message),
		Details:   map[string]interface{}{"policy": v.Policy, "severity": v.Severity},
	})
}

func (ep *EventPublisher) PublishPlanStateChanged(model string, from, to engine.PlanState) error {
	return ep.Publish(engine.Event{
		Type:    engine.EventTypePlanStateChanged,
		Model:   model,
		Message: fmt.Sprintf("Plan state of %s: %s -> %s", model, from, to),
		Details: map[string]interface{}{"from": string(from), "to": string(to)},
	})
}

// PublishStep reports one executed plan step.
func (ep *EventPublisher) PublishStep(model, operation, device string, succeeded bool) error {
	ev := engine.Event{Type: engine.EventTypeStepSucceeded, Model: model, Operation: operation, Device: device}
	outcome := "succeeded"
	if !succeeded {
		ev.Type, outcome = engine.EventTypeStepFailed, "failed"
	}
	ev.Message = fmt.Sprintf("Step %s on %s %s", operation, device, outcome)
	return ep.Publish(ev)
}

// PublishDeviceRequest reports one device round trip. A transport error
// raises the level to warning.
func (ep *EventPublisher) PublishDeviceRequest(device, command string, succeeded bool, duration time.Duration, err error) error {
	ev := engine.Event{
		Type:    engine.EventTypeDeviceRequest,
		Device:  device,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Device %s served %s (succeeded=%t)", device, command, succeeded),
		Details: map[string]interface{}{"command": command, "succeeded": succeeded, "duration": duration.Seconds()},
	}
	if err != nil {
		ev.Level = EventLevelWarning
		ev.Details["error"] = err.Error()
	}
	return ep.Publish(ev)
}

func (ep *EventPublisher) PublishTestCaseStarted(model, caseID, name, goal string) error {
	return ep.Publish(engine.Event{
		Type:    engine.EventTypeTestCaseStarted,
		Model:   model,
		Message: fmt.Sprintf("Case %s started: %s", name, goal),
		Details: map[string]interface{}{"case_id": caseID, "goal": goal},
	})
}

// PublishTestCaseFinished is a warning unless the case completed.
func (ep *EventPublisher) PublishTestCaseFinished(model, caseID, name string, result engine.PlanState, duration time.Duration) error {
	level := EventLevelWarning
	if result == engine.PlanStateCompleted {
		level = EventLevelInfo
	}
	return ep.Publish(engine.Event{
		Type:    engine.EventTypeTestCaseFinished,
		Model:   model,
		Level:   level,
		Message: fmt.Sprintf("Case %s finished: %s", name, result),
		Details: map[string]interface{}{"case_id": caseID, "plan_state": string(result), "duration": duration.Seconds()},
	})
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event engine.Event) bool { return levelRank[event.Level] >= floor }
}

func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event engine.Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

func FilterByDevice(device string) EventFilter {
	return func(event engine.Event) bool { return event.Device == device }
}
