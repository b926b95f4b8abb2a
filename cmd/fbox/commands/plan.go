package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featherbox/featherbox/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var targets []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the deterministic execution order for the latest graph",
		Long: `Compute the execution plan over the latest graph snapshot without
creating a pipeline. With --target, the plan covers only the targets and
their transitive upstream dependencies.`,
		Example: `  # Plan a full run
  fbox plan

  # Plan a targeted run
  fbox plan --target reports --target metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			graph, err := rt.store.LatestGraph(ctx)
			if err != nil {
				return err
			}
			if graph == nil {
				return fmt.Errorf("no graph snapshot exists yet, run 'fbox graph build' first")
			}

			plan, err := engine.NewPlanner().Plan(graph, targets)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plan)
			}
			fmt.Printf("Plan over graph %s (%d actions):\n", graph.ID, len(plan))
			for _, action := range plan {
				fmt.Printf("  %3d  %s\n", action.ExecutionOrder, action.NodeName)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&targets, "target", "t", nil, "target node (repeatable); plans the node and its upstream closure")

	return cmd
}
