package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/config"
	"github.com/openfroyo/riskcell/pkg/models"
)

func newValidateCommand() *cobra.Command {
	var export bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate cell configuration files",
		Long: `Validate CUE cell configuration files.

This command checks:
  - CUE syntax and schema conformance
  - Field constraints (transports, periods, addresses)
  - That the model exists and every device it uses is configured
  - That the configured policy files compile`,
		Example: `  # Validate a cell file
  riskcell validate cell.cue

  # Validate a directory of CUE files and print the result with defaults
  riskcell validate ./cell --export`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sources := args
			if len(sources) == 0 {
				sources = configPaths
			}
			if len(sources) == 0 {
				sources = []string{"."}
			}

			log.Info().Strs("sources", sources).Msg("Validating configuration")

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, sources)
			if err != nil {
				return err
			}

			problems := append([]config.ValidationError(nil), parsed.Errors...)
			if len(problems) == 0 {
				problems = append(problems, checkCell(parsed.Cell)...)
			}
			if len(problems) == 0 && len(parsed.Cell.Policy.Paths) > 0 {
				if _, err := cell.NewPolicy(ctx, parsed.Cell.Policy, log.Logger); err != nil {
					problems = append(problems, config.ValidationError{Path: "policy.paths", Message: err.Error(), Severity: "error"})
				}
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(w, struct {
					Files  []string                 `json:"files"`
					Errors []config.ValidationError `json:"errors"`
				}{parsed.SourceFiles, problems}); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					fmt.Fprintf(w, "%s: %s\n", p.Severity, p.String())
				}
			}
			if len(problems) > 0 {
				return config.ValidationErrors(problems)
			}

			if export {
				data, err := parser.ExportJSON(&parsed.Cell)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(data))
			} else if !jsonOutput {
				fmt.Fprintf(w, "OK: %d files, model %s, %d devices\n", len(parsed.SourceFiles), parsed.Cell.Model, len(parsed.Cell.Devices))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&export, "export", false, "print the validated configuration as JSON")

	return cmd
}

// checkCell checks the parts of a cell that depend on the model registry.
func checkCell(cfg config.CellConfig) []config.ValidationError {
	model, _, err := models.Lookup(cfg.Model)
	if err != nil {
		return []config.ValidationError{{Path: "model", Message: err.Error(), Severity: "error"}}
	}

	var problems []config.ValidationError
	for _, name := range model.Devices() {
		if _, ok := cfg.Device(name); !ok {
			problems = append(problems, config.ValidationError{
				Path:     "devices",
				Message:  fmt.Sprintf("device %s of model %s is not configured", name, model.Name),
				Severity: "error",
			})
		}
	}
	for i, dc := range cfg.Devices {
		if _, err := cell.NewDriver(dc); err != nil {
			problems = append(problems, config.ValidationError{
				Path:     fmt.Sprintf("devices[%d].kind", i),
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
	return problems
}
