// Package emulator implements emulated gantry and robot devices. Each request
// is answered after an injected delay with an injected outcome.
package emulator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/device/protocol"
)

// Handler answers device requests.
type Handler interface {
	// Device returns the name of the emulated device.
	Device() string

	// Commands lists the commands the device understands.
	Commands() []string

	// Handle performs one request. It returns an error only when ctx ends
	// before the emulated execution time has elapsed.
	Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// command describes one device command.
type command struct {
	// action renders the command for info strings, e.g. "move to b".
	action func(req *protocol.Request) string

	// measure produces the measured value of a successful request.
	measure func(req *protocol.Request) string
}

// Device is a table-driven emulated device.
type Device struct {
	name     string
	label    string
	commands map[string]command
	injector faults.Injector
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Device.
type Option func(*Device)

// WithInjector sets the fault injector. The default draws from a randomly
// seeded source.
func WithInjector(inj faults.Injector) Option {
	return func(d *Device) {
		d.injector = inj
	}
}

// WithLogger sets the device logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithSleeper replaces the function used to wait out emulated delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Device) {
		d.sleep = sleep
	}
}

func newDevice(name, label string, commands map[string]command, opts ...Option) *Device {
	d := &Device{
		name:     name,
		label:    label,
		commands: commands,
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.injector == nil {
		d.injector = faults.NewRandomInjector()
	}
	d.logger = d.logger.With().Str("component", name+"_emulator").Logger()
	return d
}

func fixed(text string) func(*protocol.Request) string {
	return func(*protocol.Request) string { return text }
}

func moveTo(req *protocol.Request) string {
	return "move to " + req.Position
}

// NewGantry returns an emulated gantry that understands move, calibrate,
// lock and unlock.
func NewGantry(name string, opts ...Option) *Device {
	return newDevice(name, "Gantry", map[string]command{
		protocol.CommandMove:      {action: moveTo},
		protocol.CommandCalibrate: {action: fixed("calibrate")},
		protocol.CommandLock:      {action: fixed("lock")},
		protocol.CommandUnlock:    {action: fixed("unlock")},
	}, opts...)
}

// NewRobot returns an emulated robot arm. check_mounted_tool measures a tool
// drawn from the request's fail cause list, or "none" when the list is empty.
func NewRobot(name string, opts ...Option) *Device {
	d := newDevice(name, "Robot", nil, opts...)
	d.commands = map[string]command{
		protocol.CommandMove:    {action: moveTo},
		protocol.CommandPick:    {action: fixed("pick")},
		protocol.CommandPlace:   {action: fixed("place")},
		protocol.CommandMount:   {action: fixed("mount")},
		protocol.CommandUnmount: {action: fixed("unmount")},
		protocol.CommandCheckMountedTool: {
			action:  fixed("check mounted tool"),
			measure: d.measureTool,
		},
	}
	return d
}

func (d *Device) measureTool(req *protocol.Request) string {
	tools := req.Emulation.FailCauseList
	if len(tools) == 0 {
		return "none"
	}
	if p, ok := d.injector.(interface{ Pick([]string) string }); ok {
		return p.Pick(tools)
	}
	return tools[0]
}

// Device implements Handler.
func (d *Device) Device() string {
	return d.name
}

// Commands implements Handler.
func (d *Device) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle implements Handler.
func (d *Device) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	logger := d.logger.With().Str("request_id", req.ID).Str("command", req.Command).Logger()
	logger.Debug().Msg("Got request")

	out := faults.Decide(d.injector, req.Emulation)
	if err := d.sleep(ctx, out.Delay); err != nil {
		return nil, err
	}

	resp := &protocol.Response{RequestID: req.ID}
	cmd, known := d.commands[req.Command]
	switch {
	case !known:
		resp.Info = fmt.Sprintf("%s: Failed, unknown command", d.label)
	case out.Fail:
		resp.Info = fmt.Sprintf("%s: Failed to %s.", d.label, cmd.action(req))
		if out.Cause != "" {
			resp.Info += " Cause: " + out.Cause + "."
		}
	default:
		resp.Success = true
		resp.Info = fmt.Sprintf("%s: Succeeded to %s.", d.label, cmd.action(req))
		if cmd.measure != nil {
			resp.Measured = cmd.measure(req)
		}
	}
	resp.Duration = time.Since(start).Seconds()

	if resp.Success {
		logger.Info().Msg(resp.Info)
	} else {
		logger.Warn().Msg(resp.Info)
	}
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
