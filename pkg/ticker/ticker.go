// Package ticker serves device requests armed in the shared state. There is
// one Ticker per device.
package ticker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/riskcell/pkg/device/client"
	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/state"
)

// DefaultPeriod is the tick period of a device ticker.
const DefaultPeriod = 100 * time.Millisecond

// Observer is notified of every finished device request.
type Observer interface {
	DeviceRequest(device, command string, succeeded bool, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) DeviceRequest(string, string, bool, time.Duration, error) {}

// Ticker sends the request armed in <device>_request_trigger to its device
// and writes the outcome back.
type Ticker struct {
	device   string
	vars     engine.DeviceVars
	writer   string
	driver   Driver
	client   client.Client
	store    *state.Store
	observer Observer
	logger   zerolog.Logger
}

// Option configures a Ticker.
type Option func(*Ticker)

// WithObserver sets the request observer.
func WithObserver(o Observer) Option {
	return func(t *Ticker) { t.observer = o }
}

// New creates a ticker for device.
func New(device string, driver Driver, c client.Client, store *state.Store, logger zerolog.Logger, opts ...Option) *Ticker {
	writer := Writer(device)
	t := &Ticker{
		device:   device,
		vars:     engine.DeviceVarsFor(device),
		writer:   writer,
		driver:   driver,
		client:   c,
		store:    store,
		observer: nopObserver{},
		logger:   logger.With().Str("component", writer).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Writer returns the store writer name of the ticker for device.
func Writer(device string) string {
	return device + "_interface"
}

// Run ticks every period until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context, period time.Duration) error {
	t.logger.Info().Dur("period", period).Msg("Device ticker started")
	tk := time.NewTicker(period)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Device ticker stopped")
			return nil
		case <-tk.C:
			if err := t.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Error().Err(err).Msg("Device tick failed")
			}
		}
	}
}

// Tick serves the armed request, if any. It acts only when the trigger is set
// and the request state is initial. A transport error is recorded as a failed
// request; the returned error reports store failures only.
func (t *Ticker) Tick(ctx context.Context) error {
	snap, err := t.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	if !snap.GetOrDefaultBool(t.writer, t.vars.RequestTrigger()) {
		return nil
	}
	if snap.GetOrDefaultString(t.writer, t.vars.RequestState()) != string(engine.RequestInitial) {
		return nil
	}

	req := t.request(snap)
	start := time.Now()
	resp, callErr := t.call(ctx, req)
	elapsed := time.Since(start)
	if callErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	updates, ok := t.driver.Outcome(req, resp)
	if updates == nil {
		updates = map[string]state.Value{}
	}
	result := engine.RequestFailed
	if ok {
		result = engine.RequestSucceeded
	}
	updates[t.vars.RequestState()] = result.Value()

	if _, err := t.store.Apply(ctx, t.writer, func(s state.State) state.State {
		return s.UpdateMany(updates)
	}); err != nil {
		return err
	}

	t.observer.DeviceRequest(t.device, req.Command, ok, elapsed, callErr)
	event := t.logger.Info()
	if !ok {
		event = t.logger.Warn()
	}
	if callErr != nil {
		event = event.Err(callErr)
	}
	if resp != nil {
		event = event.Str("info", resp.Info)
	}
	event.
		Str("request_id", req.ID).
		Str("command", req.Command).
		Str("result", string(result)).
		Dur("duration", elapsed).
		Msg("Device request finished")
	return nil
}

// request builds the request for the command armed in snap.
func (t *Ticker) request(snap state.State) *protocol.Request {
	req := &protocol.Request{
		ID:      uuid.New().String(),
		Device:  t.device,
		Command: snap.GetOrDefaultString(t.writer, t.vars.Command()),
		Emulation: faults.Params{
			ExecTimeMode:    snap.GetOrDefaultInt64(t.writer, t.vars.ExecTimeMode()),
			ExecTimeValue:   snap.GetOrDefaultInt64(t.writer, t.vars.ExecTimeValue()),
			FailMode:        snap.GetOrDefaultInt64(t.writer, t.vars.FailMode()),
			FailRatePercent: snap.GetOrDefaultInt64(t.writer, t.vars.FailRatePercent()),
			FailCauseMode:   snap.GetOrDefaultInt64(t.writer, t.vars.FailCauseMode()),
			FailCauseList:   snap.GetOrDefaultStrings(t.writer, t.vars.FailCauseList()),
		},
	}
	t.driver.Prepare(snap, req)
	return req
}

func (t *Ticker) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, span := otel.Tracer("riskcell/ticker").Start(ctx, "device.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("device", t.device),
		attribute.String("command", req.Command),
		attribute.String("request_id", req.ID),
	)

	resp, err := t.client.Call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn().Err(err).Str("command", req.Command).Msg("Device call failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("success", resp.Success))
	return resp, nil
}
