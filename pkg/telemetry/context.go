package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the logger, tracer, metrics and event publisher of one
// process, built together from a Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every part. With tracing on, log
// entries written with a span context carry the trace and span IDs.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		t.Logger = t.Logger.AddHook(TraceHook{})
	}
	return t, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
}

// Shutdown drains pending events, then flushes spans and stops the metrics
// server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	eventsErr := t.Events.Shutdown(ctx)
	return errors.Join(eventsErr, t.Tracer.Shutdown(ctx), t.Metrics.Shutdown(ctx))
}

// InstrumentedContext is one traced CLI operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation when ctx carries telemetry.
// Without it the result has a logger and timer but no span.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	op := &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}

	spanCtx, span := tel.Tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	op.Span = span
	op.Logger = tel.Logger.WithField("span", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.WithField("trace_id", sc.TraceID().String())
	}
	op.Ctx = op.Logger.WithContext(spanCtx)
	return op
}

// End closes the span, marking it failed when err is non-nil.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
