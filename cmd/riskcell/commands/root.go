package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
	"github.com/openfroyo/riskcell/pkg/stores"
	"github.com/openfroyo/riskcell/pkg/telemetry"
)

var (
	// Global flags
	configPaths []string
	modelName   string
	verbose     bool
	jsonOutput  bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "riskcell",
		Short: "riskcell - work cell planning, execution and risk testing",
		Long: `riskcell plans and executes device operations in a robotic work cell and
exercises the cell under injected device faults.

Features:
  - Cell configuration via CUE
  - Breadth-first planning over guarded operations
  - Plan execution with replanning on failure
  - Emulated devices in-process, over stdio or over NATS
  - Test case generation from YAML suites, Starlark scripts or a seed
  - Plan admission policies (OPA/rego)
  - Results in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "cell config files or directories (CUE)")
	rootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "minimal_model", "model to use when no config is given")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newCasesCommand())
	rootCmd.AddCommand(newResultsCommand())

	return rootCmd
}

// loadCell returns the cell configuration from --config, or the default
// configuration of --model.
func loadCell(ctx context.Context) (config.CellConfig, error) {
	if len(configPaths) == 0 {
		return cell.DefaultConfig(modelName)
	}
	cfg, err := config.NewCUEParser().LoadCell(ctx, configPaths...)
	if err != nil {
		return config.CellConfig{}, err
	}
	return *cfg, nil
}

// newTelemetry builds telemetry from the cell's telemetry settings.
func newTelemetry(cfg config.CellConfig) (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		tc.Logging.Level = "debug"
	}

	if cfg.Telemetry.MetricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	}

	if cfg.Telemetry.Tracing.Enabled {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
		tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	}

	return telemetry.NewTelemetry(tc)
}

// openResults opens the results store and applies its migrations.
func openResults(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open results store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize results store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate results store: %w", err)
	}
	return store, nil
}

// parseSets parses --set flags. Both "name=value" and the action form
// "var:name <- value" are accepted.
func parseSets(sets []string, decl state.State) ([]*guard.Assign, error) {
	texts := make([]string, 0, len(sets))
	for _, set := range sets {
		if strings.Contains(set, "<-") {
			texts = append(texts, set)
			continue
		}
		name, value, ok := strings.Cut(set, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, expected name=value", set)
		}
		texts = append(texts, fmt.Sprintf("var:%s <- %s", strings.TrimPrefix(strings.TrimSpace(name), "var:"), strings.TrimSpace(value)))
	}
	return guard.ParseActions(texts, decl)
}

// initialUpdates turns --set flags into variable updates for the model's
// initial state.
func initialUpdates(sets []string, initial state.State) (map[string]state.Value, error) {
	actions, err := parseSets(sets, initial)
	if err != nil {
		return nil, err
	}
	updated := guard.ApplyAll(actions, initial)
	updates := make(map[string]state.Value, len(actions))
	for _, a := range actions {
		if !initial.Contains(a.Target) {
			return nil, fmt.Errorf("--set %s: variable is not declared by the model", a.Target)
		}
		v, _ := updated.Get(a.Target)
		updates[a.Target] = v
	}
	return updates, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
