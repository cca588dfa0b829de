package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/state"
)

type modelInfo struct {
	Name       string            `json:"name"`
	Devices    []string          `json:"devices"`
	Operations []operationInfo   `json:"operations"`
	Initial    map[string]string `json:"initial_state,omitempty"`
}

type operationInfo struct {
	Name       string `json:"name"`
	Device     string `json:"device,omitempty"`
	RetryLimit int    `json:"retry_limit,omitempty"`
}

func newModelsCommand() *cobra.Command {
	var showState bool

	cmd := &cobra.Command{
		Use:   "models [name]",
		Short: "List the registered models",
		Example: `  # List models
  riskcell models

  # Show one model with its initial state
  riskcell models minimal_model --state`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := models.Names()
			if len(args) == 1 {
				names = args
			}

			infos := make([]modelInfo, 0, len(names))
			for _, name := range names {
				model, initial, err := models.Lookup(name)
				if err != nil {
					return err
				}
				info := modelInfo{Name: model.Name, Devices: model.Devices()}
				for _, op := range model.Operations {
					info.Operations = append(info.Operations, operationInfo{Name: op.Name, Device: op.Device, RetryLimit: op.RetryLimit})
				}
				if showState {
					info.Initial = state.Export(initial)
				}
				infos = append(infos, info)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), infos)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\tdevices: %v\n", info.Name, info.Devices)
				for _, op := range info.Operations {
					fmt.Fprintf(tw, "  %s\t%s\n", op.Name, op.Device)
				}
				for _, name := range sortedKeys(info.Initial) {
					fmt.Fprintf(tw, "  %s\t%s\n", name, info.Initial[name])
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&showState, "state", false, "include the initial state")

	return cmd
}
