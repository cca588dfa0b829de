package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/harness"
	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/stores"
	"github.com/openfroyo/riskcell/pkg/telemetry"
)

type runOptions struct {
	suite         string
	script        string
	random        int
	seed          int64
	results       string
	metricsAddr   string
	policyPaths   []string
	watchPolicies bool
	maxPlanLength int
	forbidden     []string
	sets          []string
	strict        bool
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run test cases against the cell",
		Long: `Start the cell (planner, runner and one ticker per device) and feed it
test cases through the harness, one at a time.

Cases come from a YAML suite, a Starlark script or a seeded random
generator. Each case writes a goal, injects device faults and waits for the
plan to reach a terminal state. Outcomes and events are recorded in the
results store.`,
		Example: `  # Run a YAML suite against the default minimal model
  riskcell run --suite cases.yaml

  # Run 50 random cases with a fixed seed
  riskcell run --random 50 --seed 7

  # Run with a cell config, exposing metrics
  riskcell run -c cell.cue --metrics-addr 127.0.0.1:9464

  # Start from a known gantry state
  riskcell run --suite cases.yaml --set gantry_locked_estimated=false --set gantry_position_estimated=a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCell(cmd.Context())
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			return runCell(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.suite, "suite", "", "YAML test suite")
	cmd.Flags().StringVar(&opts.script, "script", "", "Starlark case generator script")
	cmd.Flags().IntVar(&opts.random, "random", 0, "number of random cases to generate")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "seed for generated cases")
	cmd.Flags().StringVar(&opts.results, "results", "", "results database path")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "plan admission policy files or directories")
	cmd.Flags().BoolVar(&opts.watchPolicies, "watch-policies", false, "reload policy files when they change")
	cmd.Flags().IntVar(&opts.maxPlanLength, "max-plan-length", 0, "deny plans longer than this")
	cmd.Flags().StringSliceVar(&opts.forbidden, "forbid", nil, "operations that may not be planned")
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "initial variable value (name=value)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "fail when any case does not complete")

	return cmd
}

// apply overrides cfg with the flags the user set.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.CellConfig) {
	flags := cmd.Flags()
	if flags.Changed("suite") || flags.Changed("script") || flags.Changed("random") {
		cfg.Harness.Suite = o.suite
		cfg.Harness.Script = o.script
		cfg.Harness.Random = o.random
	}
	if flags.Changed("seed") {
		cfg.Harness.Seed = o.seed
	}
	if o.results != "" {
		cfg.Results.Path = o.results
	}
	if o.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = o.metricsAddr
	}
	if len(o.policyPaths) > 0 {
		cfg.Policy.Paths = o.policyPaths
	}
	if o.watchPolicies {
		cfg.Policy.Watch = true
	}
	if o.maxPlanLength > 0 {
		cfg.Policy.MaxPlanLength = o.maxPlanLength
	}
	if len(o.forbidden) > 0 {
		cfg.Policy.ForbiddenOperations = append(cfg.Policy.ForbiddenOperations, o.forbidden...)
	}
}

func runCell(ctx context.Context, out io.Writer, cfg config.CellConfig, opts runOptions) error {
	tel, err := newTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return err
	}
	logger := tel.Logger.WithModel(cfg.Model)

	_, initial, err := models.Lookup(cfg.Model)
	if err != nil {
		return err
	}
	updates, err := initialUpdates(opts.sets, initial)
	if err != nil {
		return err
	}

	pol, err := cell.NewPolicy(ctx, cfg.Policy, logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	obs := tel.Observer(cfg.Model)
	c, err := cell.New(ctx, cfg,
		cell.WithLogger(logger.Zerolog()),
		cell.WithObserver(obs),
		cell.WithPlanPolicy(pol),
		cell.WithInitialUpdates(updates),
	)
	if err != nil {
		return err
	}

	cases, source, err := cell.Cases(ctx, cfg.Harness, c.Model())
	if err != nil {
		_ = c.Stop()
		return err
	}

	results, err := openResults(ctx, cfg.Results.Path)
	if err != nil {
		_ = c.Stop()
		return err
	}
	defer results.Close()

	rec, err := harness.NewStoreRecorder(ctx, results, harness.RunInfo{
		Model:  cfg.Model,
		Source: source,
		Seed:   cfg.Harness.Seed,
	})
	if err != nil {
		_ = c.Stop()
		return err
	}
	runLogger := logger.WithRunID(rec.RunID())
	tel.Events.Subscribe(telemetry.LogSubscriber(runLogger.NewComponentLogger("events").Zerolog()), nil)
	tel.Events.Subscribe(telemetry.StoreSubscriber(results, rec.RunID(), runLogger.Zerolog()), nil)

	runCtx, span := tel.Tracer.StartRunSpan(ctx, rec.RunID(), cfg.Model)
	runLogger.Infof("Running %d cases from %s", len(cases), source)

	c.Start(runCtx)
	outcomes, runErr := c.RunCases(runCtx, cases, rec, obs)
	runErr = errors.Join(runErr, c.Stop())
	telemetry.RecordError(span, runErr)
	span.End()

	// Drain queued events into the results store before summarizing.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if drainErr := tel.Events.Shutdown(drainCtx); drainErr != nil {
		runLogger.WithError(drainErr).Warn("Event drain failed")
	}
	if closeErr := rec.Close(drainCtx, runErr); closeErr != nil {
		runLogger.WithError(closeErr).Warn("Failed to close test run")
	}

	summary, err := results.SummarizeRun(drainCtx, rec.RunID())
	if err != nil {
		return errors.Join(runErr, err)
	}
	if jsonOutput {
		if err := printJSON(out, struct {
			Summary  *stores.RunSummary `json:"summary"`
			Outcomes []*harness.Outcome `json:"outcomes"`
		}{summary, outcomes}); err != nil {
			return err
		}
	} else {
		printRunSummary(out, summary, outcomes)
	}

	if runErr != nil {
		return runErr
	}
	if opts.strict && rec.Failed() > 0 {
		return fmt.Errorf("%d of %d cases did not complete", rec.Failed(), len(outcomes))
	}
	return nil
}

func printRunSummary(out io.Writer, summary *stores.RunSummary, outcomes []*harness.Outcome) {
	fmt.Fprintf(out, "Run %s: %d/%d cases finished, mean %s, %d replans\n",
		summary.RunID, summary.Finished, summary.Cases, summary.MeanDuration.Round(time.Millisecond), summary.TotalReplans)
	for _, s := range []engine.PlanState{engine.PlanStateCompleted, engine.PlanStateFailed, engine.PlanStateAborted} {
		fmt.Fprintf(out, "  %-10s %d\n", s, summary.ByPlanState[string(s)])
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSEQ\tCASE\tRESULT\tREPLANS\tDURATION\tPLAN")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%v\n",
			o.Sequence, o.Case.Name, o.PlanState, o.ReplanCount, o.Duration.Round(time.Millisecond), o.Plan)
	}
	tw.Flush()
}
