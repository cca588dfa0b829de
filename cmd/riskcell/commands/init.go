package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const sampleCell = `package cell

model: %q

devices: [{
	name: "gantry"
	kind: "gantry"
	// Emulated in-process. Use transport: "stream" with a command such as
	// ["device-emulator", "--kind", "gantry"] to run it as a child process,
	// add ssh: {host: "lab-1", user: "cell"} to run that command remotely,
	// or transport: "nats" with a device-emulator started with --nats.
	transport: "local"
	seed:      1
}]

harness: {
	suite: %q
}

results: {
	path: %q
}
`

const sampleSuite = `name: gantry-smoke
seed: 1
cases:
  - name: nominal-move
    goal: "var:gantry_position_estimated == b"
  - name: flaky-move
    goal: "var:gantry_position_estimated == c"
    faults:
      gantry:
        fail_mode: 2
        fail_rate_percent: 50
        fail_cause_mode: 1
        fail_cause_list: ["collision", "timeout"]
  - name: broken-gantry
    goal: "var:gantry_position_estimated == d"
    faults:
      gantry:
        fail_mode: 1
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cell workspace",
		Long: `Initialize a workspace with a cell configuration, a sample test suite and
an empty results database.`,
		Example: `  # Initialize in the current directory
  riskcell init

  # Initialize in ./lab
  riskcell init --dir lab`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("dir", dir).Str("model", modelName).Msg("Initializing workspace")

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			w := cmd.OutOrStdout()
			cellPath := filepath.Join(dir, "cell.cue")
			suitePath := filepath.Join(dir, "cases.yaml")
			dbPath := filepath.Join(dir, "riskcell.db")

			files := []struct {
				path    string
				content string
			}{
				{cellPath, fmt.Sprintf(sampleCell, modelName, "cases.yaml", "riskcell.db")},
				{suitePath, sampleSuite},
			}
			for _, f := range files {
				if _, err := os.Stat(f.path); err == nil && !force {
					fmt.Fprintf(w, "- Kept existing %s\n", f.path)
					continue
				}
				if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Fprintf(w, "✓ Created %s\n", f.path)
			}

			store, err := openResults(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Initialized results database: %s\n", dbPath)

			fmt.Fprintf(w, "\nNext steps:\n")
			fmt.Fprintf(w, "  cd %s\n", dir)
			fmt.Fprintf(w, "  riskcell validate cell.cue\n")
			fmt.Fprintf(w, "  riskcell run -c cell.cue --set gantry_locked_estimated=false --set gantry_calibrated_estimated=true\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
