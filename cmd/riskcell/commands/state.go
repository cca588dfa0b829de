package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Export, diff and check model states",
		Long: `Work with exported model states.

States are exported as a map from variable name to a tagged value, such as
"bool___true" or "string_a", in JSON or YAML.`,
	}

	cmd.AddCommand(newStateExportCommand())
	cmd.AddCommand(newStateDiffCommand())
	cmd.AddCommand(newStateCheckCommand())

	return cmd
}

func newStateExportCommand() *cobra.Command {
	var (
		format  string
		outFile string
		sets    []string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a model's initial state",
		Example: `  # Export the initial state as YAML
  riskcell state export --format yaml

  # Export with overrides to a file
  riskcell state export --set gantry_position_estimated=b -o state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCell(cmd.Context())
			if err != nil {
				return err
			}
			_, initial, err := models.Lookup(cfg.Model)
			if err != nil {
				return err
			}
			actions, err := parseSets(sets, initial)
			if err != nil {
				return err
			}
			s := guard.ApplyAll(actions, initial)

			if format == "" {
				format = formatOf(outFile)
			}
			data, err := encodeState(s, format)
			if err != nil {
				return err
			}
			if outFile == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(outFile, data, 0o644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "output format (json, yaml); defaults to the file extension, then json")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "variable value (name=value)")

	return cmd
}

func newStateDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <a> <b>",
		Short: "Show the variables that differ between two exported states",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readState(args[0])
			if err != nil {
				return err
			}
			b, err := readState(args[1])
			if err != nil {
				return err
			}

			changed := a.Diff(b)
			ea, eb := state.Export(a), state.Export(b)
			if jsonOutput {
				type change struct {
					Name string `json:"name"`
					A    string `json:"a,omitempty"`
					B    string `json:"b,omitempty"`
				}
				out := make([]change, 0, len(changed))
				for _, name := range changed {
					out = append(out, change{Name: name, A: ea[name], B: eb[name]})
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			printDiff(cmd.OutOrStdout(), changed, ea, eb)
			return nil
		},
	}
}

func newStateCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Check an exported state against the model's declared variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCell(cmd.Context())
			if err != nil {
				return err
			}
			_, initial, err := models.Lookup(cfg.Model)
			if err != nil {
				return err
			}
			s, err := readState(args[0])
			if err != nil {
				return err
			}

			var problems []string
			for _, name := range s.Names() {
				declared, ok := initial.Get(name)
				if !ok {
					problems = append(problems, fmt.Sprintf("%s: not declared by %s", name, cfg.Model))
					continue
				}
				v, _ := s.Get(name)
				if !v.IsUnknown() && !declared.IsUnknown() && v.Kind() != declared.Kind() {
					problems = append(problems, fmt.Sprintf("%s: %s, declared %s", name, v.Kind(), declared.Kind()))
				}
			}

			w := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintln(w, p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problems in %s", len(problems), args[0])
			}
			fmt.Fprintf(w, "OK: %d variables\n", s.Len())
			return nil
		},
	}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func encodeState(s state.State, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := s.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml":
		return yaml.Marshal(s)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func readState(path string) (state.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.State{}, fmt.Errorf("failed to read state: %w", err)
	}
	var s state.State
	if formatOf(path) == "yaml" {
		err = yaml.Unmarshal(data, &s)
	} else {
		err = s.UnmarshalJSON(data)
	}
	if err != nil {
		return state.State{}, fmt.Errorf("failed to decode state %s: %w", path, err)
	}
	return s, nil
}

func printDiff(w io.Writer, changed []string, a, b map[string]string) {
	if len(changed) == 0 {
		fmt.Fprintln(w, "States are equal")
		return
	}
	for _, name := range changed {
		switch {
		case a[name] == "":
			fmt.Fprintf(w, "+ %s = %s\n", name, b[name])
		case b[name] == "":
			fmt.Fprintf(w, "- %s = %s\n", name, a[name])
		default:
			fmt.Fprintf(w, "~ %s: %s -> %s\n", name, a[name], b[name])
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
