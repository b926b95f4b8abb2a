package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [pipeline-id]",
		Short: "Show pipeline status",
		Long: `Without arguments, list recent pipelines. With a pipeline id, show the
pipeline's actions with their current status in plan order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 0 {
				pipelines, err := rt.store.ListPipelines(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(pipelines)
				}
				if len(pipelines) == 0 {
					fmt.Println("No pipelines yet")
					return nil
				}
				for _, p := range pipelines {
					fmt.Printf("%s  %-10s  graph=%s  created=%s\n",
						p.ID, p.Status, p.GraphID, p.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			pipeline, err := rt.store.GetPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			actions, err := rt.store.ListActions(ctx, pipeline.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Pipeline interface{} `json:"pipeline"`
					Actions  interface{} `json:"actions"`
				}{pipeline, actions})
			}

			fmt.Printf("Pipeline %s: %s\n", pipeline.ID, pipeline.Status)
			for _, a := range actions {
				line := fmt.Sprintf("  %3d  %-10s  %s", a.ExecutionOrder, a.Status, a.TableName)
				if a.ErrorMessage != nil {
					line += fmt.Sprintf("  (%s)", *a.ErrorMessage)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of pipelines to list")

	return cmd
}
