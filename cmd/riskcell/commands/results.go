package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/stores"
)

func newResultsCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect recorded test runs",
		Example: `  # List recent runs
  riskcell results list

  # Summarize one run with its cases
  riskcell results show 3f2a...

  # Show the warnings and errors of a run
  riskcell results events 3f2a... --level warning`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "results database path (default from the cell config)")

	open := func(cmd *cobra.Command) (*stores.SQLiteStore, error) {
		path := dbPath
		if path == "" {
			cfg, err := loadCell(cmd.Context())
			if err != nil {
				return nil, err
			}
			path = cfg.Results.Path
		}
		return openResults(cmd.Context(), path)
	}

	cmd.AddCommand(newResultsListCommand(open))
	cmd.AddCommand(newResultsShowCommand(open))
	cmd.AddCommand(newResultsEventsCommand(open))

	return cmd
}

type storeOpener func(cmd *cobra.Command) (*stores.SQLiteStore, error)

func newResultsListCommand(open storeOpener) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListTestRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMODEL\tSOURCE\tSEED\tSTATUS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Model, r.Source, r.Seed, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newResultsShowCommand(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Summarize a run and list its cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetTestRun(ctx, args[0])
			if err != nil {
				return err
			}
			summary, err := store.SummarizeRun(ctx, run.ID)
			if err != nil {
				return err
			}
			cases, err := store.ListTestCasesByRun(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Run     *stores.TestRun    `json:"run"`
					Summary *stores.RunSummary `json:"summary"`
					Cases   []*stores.TestCase `json:"cases"`
				}{run, summary, cases})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run %s (%s, %s, seed %d): %s\n", run.ID, run.Model, run.Source, run.Seed, run.Status)
			if run.Error != nil {
				fmt.Fprintf(w, "  error: %s\n", *run.Error)
			}
			fmt.Fprintf(w, "  %d/%d finished, mean %s, %d replans\n",
				summary.Finished, summary.Cases, summary.MeanDuration.Round(time.Millisecond), summary.TotalReplans)
			for _, s := range sortedCounts(summary.ByPlanState) {
				fmt.Fprintf(w, "  %-10s %d\n", s, summary.ByPlanState[s])
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nSEQ\tCASE\tSTATUS\tRESULT\tREPLANS\tDURATION\tINFO")
			for _, c := range cases {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%dms\t%s\n",
					c.Sequence, c.Name, c.Status, c.PlanState, c.ReplanCount, c.DurationMs, c.PlanInfo)
			}
			return tw.Flush()
		},
	}
}

func newResultsEventsCommand(open storeOpener) *cobra.Command {
	var (
		level  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List the events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var lvl *stores.EventLevel
			if level != "" {
				l := stores.EventLevel(level)
				lvl = &l
			}
			runID := args[0]
			events, err := store.GetEvents(cmd.Context(), &runID, nil, lvl, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05.000"), e.Level, e.Type, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events at this level (info, warning, error)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "events to skip")

	return cmd
}

func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
