package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/harness"
	"github.com/openfroyo/riskcell/pkg/models"
)

func newCasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Generate and inspect test case suites",
	}

	cmd.AddCommand(newCasesGenerateCommand())
	cmd.AddCommand(newCasesShowCommand())

	return cmd
}

func newCasesGenerateCommand() *cobra.Command {
	var (
		name    string
		script  string
		count   int
		random  int
		seed    int64
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a YAML suite from a script or a seed",
		Long: `Generate test cases and write them as a YAML suite that 'run --suite'
accepts. Generating with the same seed gives the same cases, so a suite can
be reviewed, edited and replayed.`,
		Example: `  # Write 20 random cases
  riskcell cases generate --random 20 --seed 42 -o random.yaml

  # Expand a Starlark generator into a suite
  riskcell cases generate --script gen.star --count 10 --seed 1 -o gen.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCell(cmd.Context())
			if err != nil {
				return err
			}
			model, _, err := models.Lookup(cfg.Model)
			if err != nil {
				return err
			}

			hc := cfg.Harness
			hc.Suite = ""
			hc.Script = script
			hc.Random = random
			hc.Seed = seed
			if count > 0 {
				hc.ScriptCount = count
			}
			if hc.ScriptCount == 0 {
				hc.ScriptCount = 10
			}
			if hc.ScriptTimeoutMs == 0 {
				hc.ScriptTimeoutMs = int(config.DefaultStarlarkTimeout.Milliseconds())
			}

			cases, source, err := cell.Cases(cmd.Context(), hc, model)
			if err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("%s-%d", source, seed)
			}

			data, err := yaml.Marshal(&harness.Suite{Name: name, Seed: seed, Cases: cases})
			if err != nil {
				return fmt.Errorf("failed to encode suite: %w", err)
			}
			if outFile == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d cases to %s\n", len(cases), outFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "suite name")
	cmd.Flags().StringVar(&script, "script", "", "Starlark generator script")
	cmd.Flags().IntVar(&count, "count", 0, "number of cases the script should generate")
	cmd.Flags().IntVar(&random, "random", 0, "number of random cases")
	cmd.Flags().Int64Var(&seed, "seed", 0, "generator seed")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	cmd.MarkFlagsOneRequired("script", "random")
	cmd.MarkFlagsMutuallyExclusive("script", "random")

	return cmd
}

func newCasesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <suite>",
		Short: "Validate a suite and list its cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := harness.LoadSuite(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), suite)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Suite %s (%d cases)\n", suite.Name, len(suite.Cases))
			fmt.Fprintln(tw, "CASE\tGOAL\tFAULTS")
			for _, c := range suite.Cases {
				fmt.Fprintf(tw, "%s\t%s\t%v\n", c.Name, c.Goal, c.Devices())
			}
			return tw.Flush()
		},
	}
}
