package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the Prometheus collectors of a cell on a private registry.
// A disabled Metrics has nil collectors and records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	plans          *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	planLength     *prometheus.HistogramVec

	runnerSteps *prometheus.CounterVec
	replans     *prometheus.CounterVec
	planStates  *prometheus.CounterVec

	deviceRequests        *prometheus.CounterVec
	deviceRequestDuration *prometheus.HistogramVec

	testCases    *prometheus.CounterVec
	caseDuration prometheus.Histogram

	errorsByClass *prometheus.CounterVec
}

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.registry = prometheus.NewRegistry()
	f := promauto.With(m.registry)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, b []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: b}, labels)
	}

	m.plans = counter("plans_total", "Plan searches by result.", "model", "result")
	m.searchDuration = histogram("plan_search_duration_seconds", "Breadth-first search time.", buckets, "model")
	m.planLength = histogram("plan_length", "Operations in found plans.", prometheus.LinearBuckets(0, 1, 12), "model")

	m.runnerSteps = counter("runner_steps_total", "Finished plan steps.", "model", "operation", "result")
	m.replans = counter("replans_total", "Replans requested after a failed step.", "model")
	m.planStates = counter("plan_state_transitions_total", "Published plan state changes.", "model", "state")

	m.deviceRequests = counter("device_requests_total", "Device requests by result.", "device", "command", "result")
	m.deviceRequestDuration = histogram("device_request_duration_seconds", "Device request round trips.", buckets, "device", "command")

	m.testCases = counter("test_cases_total", "Finished risk-test cases by final plan state.", "result")
	m.caseDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "test_case_duration_seconds",
		Help:      "Risk-test case duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	m.errorsByClass = counter("errors_by_class_total", "Errors by class.", "class")
	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPlan records a finished search. length is ignored when no plan was found.
func (m *Metrics) RecordPlan(model string, found bool, length int, duration time.Duration) {
	if m.plans == nil {
		return
	}
	result := "not_found"
	if found {
		result = "found"
		m.planLength.WithLabelValues(model).Observe(float64(length))
	}
	m.plans.WithLabelValues(model, result).Inc()
	m.searchDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordPlanDenied records a found plan rejected by admission policy.
func (m *Metrics) RecordPlanDenied(model string) {
	if m.plans == nil {
		return
	}
	m.plans.WithLabelValues(model, "denied").Inc()
}

// RecordStep records a finished plan step.
func (m *Metrics) RecordStep(model, operation string, succeeded bool) {
	if m.runnerSteps == nil {
		return
	}
	m.runnerSteps.WithLabelValues(model, operation, resultLabel(succeeded)).Inc()
}

// RecordReplan records a replan request.
func (m *Metrics) RecordReplan(model string) {
	if m.replans == nil {
		return
	}
	m.replans.WithLabelValues(model).Inc()
}

// RecordPlanState records a plan state change.
func (m *Metrics) RecordPlanState(model, state string) {
	if m.planStates == nil {
		return
	}
	m.planStates.WithLabelValues(model, state).Inc()
}

// RecordDeviceRequest records a device request with its duration.
func (m *Metrics) RecordDeviceRequest(device, command string, succeeded bool, duration time.Duration) {
	if m.deviceRequests == nil {
		return
	}
	m.deviceRequests.WithLabelValues(device, command, resultLabel(succeeded)).Inc()
	m.deviceRequestDuration.WithLabelValues(device, command).Observe(duration.Seconds())
}

// RecordTestCase records a finished test case by its final plan state.
func (m *Metrics) RecordTestCase(result string, duration time.Duration) {
	if m.testCases == nil {
		return
	}
	m.testCases.WithLabelValues(result).Inc()
	m.caseDuration.Observe(duration.Seconds())
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

func resultLabel(succeeded bool) string {
	if succeeded {
		return "succeeded"
	}
	return "failed"
}

// Timer measures one operation from NewTimer on.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// Handler serves the registry in the OpenMetrics format. A disabled
// Metrics answers 404.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true, Registry: m.registry})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are logged to logger.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("path", path).Msg("serving metrics")
	return nil
}

// Shutdown stops the metrics server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
