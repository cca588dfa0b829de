package cell

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/device/client"
	"github.com/openfroyo/riskcell/pkg/device/emulator"
	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/ticker"
	"github.com/openfroyo/riskcell/pkg/transports/ssh"
)

// Device kinds.
const (
	KindGantry = "gantry"
	KindRobot  = "robot"
)

func (c *Cell) addDevice(ctx context.Context, dc config.DeviceConfig) error {
	driver, err := NewDriver(dc)
	if err != nil {
		return err
	}

	logger := c.logger.With().Str("device", dc.Name).Logger()
	cl, err := c.newClient(ctx, dc, logger)
	if err != nil {
		return err
	}
	c.clients = append(c.clients, cl)
	c.tickers = append(c.tickers, ticker.New(dc.Name, driver, cl, c.store, logger, ticker.WithObserver(c.observer)))

	logger.Debug().Str("kind", dc.Kind).Str("transport", dc.Transport).Msg("Device added")
	return nil
}

func (c *Cell) newClient(ctx context.Context, dc config.DeviceConfig, logger zerolog.Logger) (client.Client, error) {
	switch dc.Transport {
	case config.TransportLocal, "":
		opts := append([]emulator.Option{emulator.WithLogger(logger)}, c.emulatorOpts...)
		handler, err := NewHandler(dc, opts...)
		if err != nil {
			return nil, err
		}
		return client.NewLocal(handler), nil

	case config.TransportStream:
		if len(dc.Command) == 0 {
			return nil, deviceError(dc.Name, "stream device has no command")
		}
		var transport client.Transport = &client.ProcessTransport{Path: dc.Command[0], Args: dc.Command[1:]}
		if dc.SSH != nil {
			transport = NewSSHTransport(dc, logger)
		}
		return client.NewStream(ctx, client.StreamConfig{Device: dc.Name, Transport: transport})

	case config.TransportNATS:
		if c.nc == nil {
			nc, err := nats.Connect(c.cfg.NATS.URL, nats.Name("riskcell"))
			if err != nil {
				return nil, engine.NewTransientError("failed to connect to NATS", err).
					WithCode(engine.ErrCodeTransport).
					WithDevice(dc.Name).
					WithDetail("url", c.cfg.NATS.URL)
			}
			c.nc = nc
			c.ownsConn = true
		}
		return client.NewNATS(c.nc, dc.Name, dc.Subject), nil

	default:
		return nil, deviceError(dc.Name, fmt.Sprintf("unknown transport %q", dc.Transport))
	}
}

// NewSSHTransport runs dc's command on the remote host named by dc.SSH.
func NewSSHTransport(dc config.DeviceConfig, logger zerolog.Logger) *ssh.StreamTransport {
	cfg := ssh.DefaultConfig(dc.SSH.Host, dc.SSH.User)
	if dc.SSH.Port != 0 {
		cfg.Port = dc.SSH.Port
	}
	cfg.PrivateKeyPath = dc.SSH.KeyPath
	cfg.KnownHostsPath = dc.SSH.KnownHosts
	cfg.StrictHostKeyChecking = dc.SSH.KnownHosts != ""

	t := &ssh.StreamTransport{Config: cfg, Command: dc.Command, Logger: logger}
	if dc.SSH.Upload != "" {
		t.Upload = &ssh.Upload{LocalPath: dc.SSH.Upload, RemotePath: dc.SSH.RemotePath}
	}
	return t
}

// NewHandler creates an in-process emulator for dc. A zero seed gives a
// randomly seeded fault injector. Options override the injector.
func NewHandler(dc config.DeviceConfig, opts ...emulator.Option) (emulator.Handler, error) {
	var inj faults.Injector
	if dc.Seed != 0 {
		inj = faults.NewInjector(dc.Seed)
	} else {
		inj = faults.NewRandomInjector()
	}
	opts = append([]emulator.Option{emulator.WithInjector(inj)}, opts...)

	switch dc.Kind {
	case KindGantry:
		return emulator.NewGantry(dc.Name, opts...), nil
	case KindRobot:
		return emulator.NewRobot(dc.Name, opts...), nil
	default:
		return nil, deviceError(dc.Name, fmt.Sprintf("unknown device kind %q", dc.Kind))
	}
}

// NewDriver returns the ticker driver for dc's kind.
func NewDriver(dc config.DeviceConfig) (ticker.Driver, error) {
	switch dc.Kind {
	case KindGantry:
		return ticker.NewGantryDriver(dc.Name), nil
	case KindRobot:
		return ticker.NewRobotDriver(dc.Name), nil
	default:
		return nil, deviceError(dc.Name, fmt.Sprintf("unknown device kind %q", dc.Kind))
	}
}

// DefaultConfig returns a cell configuration for the named model with an
// in-process emulator for every device it uses.
func DefaultConfig(modelName string) (config.CellConfig, error) {
	model, _, err := models.Lookup(modelName)
	if err != nil {
		return config.CellConfig{}, err
	}

	var devices []config.DeviceConfig
	for _, name := range model.Devices() {
		devices = append(devices, config.DeviceConfig{
			Name:      name,
			Kind:      KindOf(name),
			Transport: config.TransportLocal,
		})
	}
	cfg := config.DefaultCell(model.Name, devices)
	cfg.Planner.PruneVisited = true
	return cfg, nil
}

// KindOf guesses a device's kind from its name.
func KindOf(name string) string {
	if strings.Contains(name, KindRobot) {
		return KindRobot
	}
	return KindGantry
}

func deviceError(device, message string) error {
	return engine.NewPermanentError(message, nil).
		WithCode(engine.ErrCodeValidation).
		WithDevice(device)
}
