// Package telemetry provides logging, tracing, metrics and events for a cell.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher behind one
// Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
// Every long-running task gets a component logger. Tasks take a plain
// zerolog.Logger, obtained through Zerolog:
//
//	planner := tel.Logger.NewComponentLogger("planner").Zerolog()
//	tel.Logger.WithDevice("gantry").WithOperation("op_gantry_lock").Info("armed")
//
// With tracing enabled, TraceHook adds trace_id and span_id to events logged
// with a span context (zerolog's Ctx).
//
// # Tracing
//
// NewTracer installs its provider globally. The planner, device tickers and
// harness start planner.search, device.request and harness.case spans
// through otel.Tracer. Supported exporters: otlp (gRPC) and stdout.
//
// # Metrics
//
// Metrics are registered on a private registry and served by promhttp:
//
//	riskcell_plans_total{model,result}
//	riskcell_plan_search_duration_seconds{model}
//	riskcell_plan_length{model}
//	riskcell_runner_steps_total{model,operation,result}
//	riskcell_replans_total{model}
//	riskcell_device_requests_total{device,command,result}
//	riskcell_device_request_duration_seconds{device,command}
//	riskcell_test_cases_total{result}
//	riskcell_errors_by_class_total{class}
//
// # Events
//
// EventPublisher delivers engine.Event values to subscribers, in order. An
// Observer implements engine.Observer, ticker.Observer and harness.Recorder,
// so one value feeds metrics and events from every task:
//
//	obs := tel.Observer(model.Name)
//	engine.NewPlannerTask(model, planner, store, logger, engine.WithPlannerObserver(obs))
//	ticker.New(device, driver, client, store, logger, ticker.WithObserver(obs))
//
// LogSubscriber and StoreSubscriber log events and append them to the
// results store.
package telemetry
