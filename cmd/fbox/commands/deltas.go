package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeltasCommand() *cobra.Command {
	var actionID string

	cmd := &cobra.Command{
		Use:   "deltas [node]",
		Short: "Inspect the delta ledger",
		Long: `With a node name, show the latest delta recorded for the node. With
--action, list every delta recorded for that action, oldest first.`,
		Example: `  # Latest delta of a node
  fbox deltas staged_orders

  # Full history of one action
  fbox deltas --action 4f7c9a4e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if actionID != "" {
				deltas, err := rt.store.ListDeltas(ctx, actionID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(deltas)
				}
				if len(deltas) == 0 {
					fmt.Println("No deltas recorded for action")
					return nil
				}
				for _, d := range deltas {
					fmt.Printf("%d  %s  insert=%q update=%q delete=%q\n",
						d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"),
						d.InsertPath, d.UpdatePath, d.DeletePath)
				}
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("either a node name or --action is required")
			}

			delta, err := rt.store.LatestDelta(ctx, args[0])
			if err != nil {
				return err
			}
			if delta == nil {
				fmt.Printf("Node %s has no recorded delta\n", args[0])
				return nil
			}
			if jsonOutput {
				return printJSON(delta)
			}
			fmt.Printf("Latest delta for %s (recorded %s):\n", args[0], delta.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  action: %s\n", delta.ActionID)
			fmt.Printf("  insert: %q\n", delta.InsertPath)
			fmt.Printf("  update: %q\n", delta.UpdatePath)
			fmt.Printf("  delete: %q\n", delta.DeletePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&actionID, "action", "", "list all deltas of this action")

	return cmd
}
