// Package main implements the device-emulator binary. It serves one emulated
// device either over JSON lines on stdio, for stream devices, or on a NATS
// subject, for nats devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/device/emulator"
)

// Version information (set via ldflags during build)
var Version = "dev"

type options struct {
	name     string
	kind     string
	seed     uint64
	natsURL  string
	subject  string
	logLevel string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "device-emulator",
		Short: "Serve an emulated gantry or robot",
		Long: `Serve an emulated device.

Without --nats the device speaks JSON lines on stdin and stdout: it announces
READY, answers each request in order and finishes with EXIT when stdin
closes. With --nats it answers requests on the device's NATS subject until
interrupted. Logs always go to stderr.`,
		Example: `  # Stream device, started by riskcell with transport "stream"
  device-emulator --kind gantry --name gantry

  # NATS device
  device-emulator --kind robot --name robot --nats nats://127.0.0.1:4222`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "device name (defaults to the kind)")
	cmd.Flags().StringVar(&opts.kind, "kind", cell.KindGantry, "device kind (gantry, robot)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "fault injector seed (0 for random)")
	cmd.Flags().StringVar(&opts.natsURL, "nats", "", "serve on NATS at this URL instead of stdio")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "NATS subject (defaults to "+emulator.SubjectPrefix+"<name>)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	return cmd
}

func run(ctx context.Context, opts options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if opts.name == "" {
		opts.name = opts.kind
	}
	handler, err := cell.NewHandler(config.DeviceConfig{
		Name: opts.name,
		Kind: opts.kind,
		Seed: opts.seed,
	}, emulator.WithLogger(logger))
	if err != nil {
		return err
	}

	if opts.natsURL == "" {
		logger.Debug().Str("device", opts.name).Msg("Serving on stdio")
		return emulator.NewStreamServer(handler, os.Stdin, os.Stdout).Serve(ctx)
	}

	nc, err := nats.Connect(opts.natsURL, nats.Name("device-emulator-"+opts.name))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	svc := emulator.NewNATSService(handler, opts.subject, logger)
	if err := svc.Start(ctx, nc); err != nil {
		return err
	}
	<-ctx.Done()
	if err := svc.Stop(); err != nil {
		return err
	}
	return nc.Drain()
}
