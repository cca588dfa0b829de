// Package cell assembles a runnable work cell from a cell configuration: the
// shared state store, the planner task, the runner and one ticker per device.
package cell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/device/client"
	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/harness"
	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/state"
	"github.com/openfroyo/riskcell/pkg/ticker"
)

// Observer receives notifications from the planner, runner and tickers.
type Observer interface {
	engine.Observer
	ticker.Observer
}

// Cell is an assembled work cell.
type Cell struct {
	cfg     config.CellConfig
	model   *engine.Model
	store   *state.Store
	planner *engine.PlannerTask
	runner  *engine.Runner
	tickers []*ticker.Ticker
	clients []client.Client

	nc       *nats.Conn
	ownsConn bool

	observer     Observer
	policy       engine.PlanPolicy
	updates      map[string]state.Value
	emulatorOpts []emulator.Option
	logger       zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    []error
	stopped bool
}

// Option configures a Cell.
type Option func(*Cell)

// WithLogger sets the base logger of every task.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cell) { c.logger = logger }
}

// WithObserver sets the observer of the planner, runner and tickers.
func WithObserver(o Observer) Option {
	return func(c *Cell) { c.observer = o }
}

// WithPlanPolicy sets the plan admission policy.
func WithPlanPolicy(p engine.PlanPolicy) Option {
	return func(c *Cell) { c.policy = p }
}

// WithNATSConn shares an existing connection with nats devices. The cell
// does not close it.
func WithNATSConn(nc *nats.Conn) Option {
	return func(c *Cell) { c.nc = nc }
}

// WithInitialUpdates overrides variables of the model's initial state.
func WithInitialUpdates(updates map[string]state.Value) Option {
	return func(c *Cell) { c.updates = updates }
}

// WithEmulatorOptions passes options to in-process device emulators.
func WithEmulatorOptions(opts ...emulator.Option) Option {
	return func(c *Cell) { c.emulatorOpts = append(c.emulatorOpts, opts...) }
}

// New builds the cell described by cfg. Every device the model uses must be
// configured. Stream devices are started and nats devices connected here.
func New(ctx context.Context, cfg config.CellConfig, opts ...Option) (*Cell, error) {
	c := &Cell{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}

	model, initial, err := models.Lookup(cfg.Model)
	if err != nil {
		return nil, err
	}
	if len(c.updates) > 0 {
		initial = initial.UpdateMany(c.updates)
	}
	c.model = model
	c.store = state.NewStore(initial, c.logger)

	plannerOpts := []engine.PlannerTaskOption{engine.WithPlannerObserver(c.observer)}
	if c.policy != nil {
		plannerOpts = append(plannerOpts, engine.WithPlanPolicy(c.policy))
	}
	c.planner = engine.NewPlannerTask(model,
		engine.NewPlanner(engine.PlannerConfig{MaxDepth: cfg.Planner.MaxDepth, PruneVisited: cfg.Planner.PruneVisited}),
		c.store, c.logger, plannerOpts...)
	c.runner = engine.NewRunner(model, c.store,
		engine.RunnerConfig{MaxReplans: cfg.Runner.MaxReplans},
		c.logger, engine.WithRunnerObserver(c.observer))

	for _, name := range model.Devices() {
		dc, ok := cfg.Device(name)
		if !ok {
			c.closeClients()
			c.store.Close()
			return nil, engine.NewPermanentError(
				fmt.Sprintf("device %s of model %s is not configured", name, model.Name), nil).
				WithCode(engine.ErrCodeValidation).WithDevice(name)
		}
		if err := c.addDevice(ctx, dc); err != nil {
			c.closeClients()
			c.store.Close()
			return nil, err
		}
	}

	return c, nil
}

// Model returns the cell's model.
func (c *Cell) Model() *engine.Model {
	return c.model
}

// Store returns the cell's state store.
func (c *Cell) Store() *state.Store {
	return c.store
}

// Start runs the planner, the runner and every device ticker at their
// configured periods until Stop is called or ctx ends.
func (c *Cell) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.spawn(ctx, "planner", func(ctx context.Context) error { return c.planner.Run(ctx, c.cfg.Periods.Planner()) })
	c.spawn(ctx, "runner", func(ctx context.Context) error { return c.runner.Run(ctx, c.cfg.Periods.Runner()) })
	for _, t := range c.tickers {
		t := t
		c.spawn(ctx, "ticker", func(ctx context.Context) error { return t.Run(ctx, c.cfg.Periods.Ticker()) })
	}

	c.logger.Info().
		Str("model", c.model.Name).
		Int("devices", len(c.tickers)).
		Msg("Cell started")
}

func (c *Cell) spawn(ctx context.Context, task string, run func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Str("task", task).Msg("Task stopped")
			c.mu.Lock()
			c.errs = append(c.errs, fmt.Errorf("%s: %w", task, err))
			c.mu.Unlock()
		}
	}()
}

// RunCases runs cases through the harness against the started cell and
// returns their outcomes in order.
func (c *Cell) RunCases(ctx context.Context, cases []harness.Case, recorders ...harness.Recorder) ([]*harness.Outcome, error) {
	opts := make([]harness.Option, 0, len(recorders))
	for _, r := range recorders {
		opts = append(opts, harness.WithRecorder(r))
	}
	h := harness.New(c.model, c.store, harness.NewQueue(cases...), c.logger, opts...)
	err := h.Run(ctx, c.cfg.Periods.Harness())
	return h.Outcomes(), err
}

// Stop stops every task, closes device clients and the store, and returns
// any error a task stopped with.
func (c *Cell) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	errs := append([]error(nil), c.errs...)
	errs = append(errs, c.closeClients())
	c.store.Close()
	c.logger.Info().Msg("Cell stopped")
	return errors.Join(errs...)
}

func (c *Cell) closeClients() error {
	var errs []error
	for _, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.clients = nil
	if c.ownsConn && c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	return errors.Join(errs...)
}

type nopObserver struct {
	engine.NopObserver
}

func (nopObserver) DeviceRequest(string, string, bool, time.Duration, error) {}
