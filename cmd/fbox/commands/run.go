package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featherbox/featherbox/pkg/config"
	"github.com/featherbox/featherbox/pkg/engine"
	"github.com/featherbox/featherbox/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		targets   []string
		forceFull bool
		resumeID  string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline over the latest graph snapshot",
		Long: `Build a graph snapshot from the configured declarations, plan a pipeline,
and execute it. Actions run concurrently where the graph allows, failures
propagate to downstream actions, and all state transitions are durable so an
interrupted run can be resumed with --resume.`,
		Example: `  # Full run
  fbox run

  # Targeted run: the targets plus their upstream closure
  fbox run --target reports

  # Resume a previously interrupted pipeline
  fbox run --resume 4f7c9a4e-...

  # Re-run the whole pipeline on every config change
  fbox run --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			version := cmd.Root().Version
			tcfg := rt.telemetryConfig(version)

			var metrics *telemetry.Metrics
			if tcfg.Metrics.Enabled {
				metrics, err = telemetry.NewMetrics(tcfg.Metrics)
				if err != nil {
					return err
				}
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
			}

			var tracer *telemetry.Tracer
			if tcfg.Tracing.Enabled {
				tracer, err = telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
				if err != nil {
					return err
				}
				defer func() { _ = tracer.Shutdown(context.WithoutCancel(ctx)) }()
			}

			runCfg := rt.cfg.RunOptions()
			runCfg.ForceFull = forceFull

			coordinator := engine.NewCoordinator(
				rt.store,
				engine.DryRunExecutor{},
				rt.logger,
				metrics,
				tracer,
				runCfg,
			)

			if resumeID != "" {
				return runOnce(ctx, coordinator, resumeID)
			}

			runPipeline := func(ctx context.Context, cfg *config.Config) error {
				nodes, edges := cfg.ToDeclarations()
				graph, err := engine.NewGraphBuilder(rt.store, rt.logger).BuildGraph(ctx, nodes, edges)
				if err != nil {
					return err
				}
				pipeline, err := coordinator.CreatePipeline(ctx, graph.ID, targets)
				if err != nil {
					return err
				}
				return runOnce(ctx, coordinator, pipeline.ID)
			}

			if err := runPipeline(ctx, rt.cfg); err != nil {
				if !watch {
					return err
				}
				rt.logger.WithError(err).Error("run failed, waiting for config change")
			}
			if !watch {
				return nil
			}

			watcher := config.NewWatcher(configPath, rt.logger)
			err = watcher.Watch(ctx, func(cfg *config.Config) {
				if err := runPipeline(ctx, cfg); err != nil {
					rt.logger.WithError(err).Error("run failed, waiting for config change")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&targets, "target", "t", nil, "target node (repeatable); runs the node and its upstream closure")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "disable incremental mode, recompute everything")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing pipeline by id")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running, re-run on config file changes")

	return cmd
}

// runOnce executes one pipeline and reports its result.
func runOnce(ctx context.Context, coordinator *engine.Coordinator, pipelineID string) error {
	result, err := coordinator.RunPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("Pipeline %s: %s\n", result.PipelineID, result.Status)
	fmt.Printf("  completed=%d failed=%d skipped=%d pending=%d total=%d\n",
		result.Summary.Completed, result.Summary.Failed,
		result.Summary.Skipped, result.Summary.Pending, result.Summary.Total)
	if result.RootCause != nil {
		fmt.Printf("  root cause: %s: %s\n", result.RootCause.NodeName, result.RootCause.Error)
		for _, name := range result.FailurePath {
			fmt.Printf("    -> %s\n", name)
		}
	}
	if result.Status == engine.PipelineStatusFailed {
		return fmt.Errorf("pipeline %s failed", result.PipelineID)
	}
	return nil
}
