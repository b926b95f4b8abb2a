package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featherbox/featherbox/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage dependency graph snapshots",
	}

	cmd.AddCommand(newGraphBuildCommand())
	cmd.AddCommand(newGraphShowCommand())

	return cmd
}

func newGraphBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a new graph snapshot from the configured declarations",
		Long: `Validate the configured nodes and edges and persist a new immutable
graph snapshot. Prior snapshots are kept; pipelines in flight retain their
stable reference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			nodes, edges := rt.cfg.ToDeclarations()
			builder := engine.NewGraphBuilder(rt.store, rt.logger)
			graph, err := builder.BuildGraph(ctx, nodes, edges)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(graph)
			}
			fmt.Printf("Graph snapshot created: %s (%d nodes, %d edges)\n",
				graph.ID, len(graph.Nodes), len(graph.Edges))
			return nil
		},
	}

	return cmd
}

func newGraphShowCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "show [graph-id]",
		Short: "Show a graph snapshot (latest by default)",
		Example: `  # Show the latest snapshot
  fbox graph show

  # Render the latest snapshot as Graphviz DOT
  fbox graph show --dot | dot -Tpng -o graph.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var graph *engine.Graph
			if len(args) > 0 {
				graph, err = rt.store.GetGraph(ctx, args[0])
			} else {
				graph, err = rt.store.LatestGraph(ctx)
			}
			if err != nil {
				return err
			}
			if graph == nil {
				return fmt.Errorf("no graph snapshot exists yet, run 'fbox graph build' first")
			}

			switch {
			case dot:
				fmt.Print(engine.ToDOT(graph))
			case jsonOutput:
				return printJSON(graph)
			default:
				fmt.Printf("Graph %s (created %s)\n", graph.ID, graph.CreatedAt.Format("2006-01-02 15:04:05"))
				for _, name := range graph.NodeNames() {
					ups := graph.Upstream(name)
					if len(ups) == 0 {
						fmt.Printf("  %s\n", name)
					} else {
						fmt.Printf("  %s <- %v\n", name, ups)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output in Graphviz DOT format")

	return cmd
}
