package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/riskcell/pkg/cell"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/models"
	"github.com/openfroyo/riskcell/pkg/state"
)

type planOutput struct {
	Model  string               `json:"model"`
	Goal   string               `json:"goal"`
	Plan   *engine.Plan         `json:"plan"`
	Policy *engine.PolicyResult `json:"policy,omitempty"`
	Final  map[string]string    `json:"final_state,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		sets        []string
		maxDepth    int
		noPrune     bool
		checkPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Compute a plan for a goal without executing it",
		Long: `Search the model's operations for the shortest sequence that makes the
goal hold, starting from the model's initial state.

The goal is a guard: one or more terms joined by &&, each comparing a
variable with a literal (var:name == value, var:name != value) or true.`,
		Example: `  # Plan a gantry move
  riskcell plan "var:gantry_position_estimated == b"

  # Plan from a modified initial state
  riskcell plan "var:gantry_position_estimated == c" --set gantry_locked_estimated=false

  # Check the plan against admission policies
  riskcell plan "var:gantry_position_estimated == b" -c cell.cue --policy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadCell(ctx)
			if err != nil {
				return err
			}
			model, initial, err := models.Lookup(cfg.Model)
			if err != nil {
				return err
			}

			actions, err := parseSets(sets, initial)
			if err != nil {
				return err
			}
			initial = guard.ApplyAll(actions, initial)

			goal, err := guard.ParseGuard(args[0], initial)
			if err != nil {
				return engine.NewPermanentError("invalid goal", err).WithCode(engine.ErrCodeParse)
			}

			pc := engine.PlannerConfig{MaxDepth: cfg.Planner.MaxDepth, PruneVisited: cfg.Planner.PruneVisited && !noPrune}
			if maxDepth > 0 {
				pc.MaxDepth = maxDepth
			}
			log.Debug().
				Str("model", model.Name).
				Str("goal", args[0]).
				Int("max_depth", pc.MaxDepth).
				Msg("Planning")

			plan, err := engine.NewPlanner(pc).Plan(ctx, initial, goal, model)
			if err != nil {
				return err
			}

			out := planOutput{Model: model.Name, Goal: args[0], Plan: plan}
			if plan.Found {
				out.Final = state.Export(simulate(model, initial, plan))
			}

			if checkPolicy && plan.Found {
				pol, err := cell.NewPolicy(ctx, cfg.Policy, log.Logger)
				if err != nil {
					return err
				}
				devices := make(map[string]string, plan.Len())
				for _, name := range plan.Operations {
					if op, ok := model.Operation(name); ok {
						devices[name] = op.Device
					}
				}
				out.Policy, err = pol.AdmitPlan(ctx, &engine.PlanAdmission{
					Model:      model.Name,
					Goal:       args[0],
					Operations: plan.Operations,
					Devices:    devices,
					State:      state.Export(initial),
				})
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			if !plan.Found {
				fmt.Fprintf(w, "No plan found for %q (%d nodes expanded in %s)\n", args[0], plan.Expanded, plan.Duration)
				return nil
			}
			fmt.Fprintf(w, "Plan for %q (%d steps, %d nodes expanded in %s):\n", args[0], plan.Len(), plan.Expanded, plan.Duration)
			for i, name := range plan.Operations {
				fmt.Fprintf(w, "  %d. %s\n", i+1, name)
			}
			if out.Policy != nil {
				if out.Policy.Allowed {
					fmt.Fprintln(w, "Policy: admitted")
				} else {
					msgs := make([]string, 0, len(out.Policy.Violations))
					for _, v := range out.Policy.Violations {
						msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
					}
					fmt.Fprintf(w, "Policy: denied (%s)\n", strings.Join(msgs, "; "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "initial variable value (name=value)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum plan length searched")
	cmd.Flags().BoolVar(&noPrune, "no-prune", false, "do not prune revisited states")
	cmd.Flags().BoolVar(&checkPolicy, "policy", false, "evaluate admission policies for the plan")

	return cmd
}

// simulate applies the planning effects of the plan's operations to s.
func simulate(model *engine.Model, s state.State, plan *engine.Plan) state.State {
	for _, name := range plan.Operations {
		if op, ok := model.Operation(name); ok {
			s = op.TakePlanning(s)
		}
	}
	return s
}
