package engine

import (
	"context"
	"time"
)

// Store is the persistence contract the core requires: transactional CRUD
// over graph snapshots, pipelines, actions, and deltas. Every status
// transition must be a single atomic write (status, timestamps, and error
// message together), and action transitions must be compare-and-set against
// the expected current status.
type Store interface {
	// CreateGraph persists a new immutable graph snapshot in one
	// transaction. Prior snapshots remain retrievable so in-flight
	// pipelines keep a stable reference.
	CreateGraph(ctx context.Context, nodes []NodeDecl, edges []EdgeDecl) (*Graph, error)

	// GetGraph retrieves a graph snapshot with its nodes and edges.
	GetGraph(ctx context.Context, id string) (*Graph, error)

	// LatestGraph returns the most recently created snapshot, or nil when
	// no graph exists yet.
	LatestGraph(ctx context.Context) (*Graph, error)

	// TouchNode records when an action targeting the node last completed.
	TouchNode(ctx context.Context, graphID, name string, at time.Time) error

	// CreatePipeline persists a new pipeline referencing a graph snapshot.
	CreatePipeline(ctx context.Context, p *Pipeline) error

	// GetPipeline retrieves a pipeline by id.
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)

	// ListPipelines lists pipelines, most recent first.
	ListPipelines(ctx context.Context, limit, offset int) ([]*Pipeline, error)

	// SetPipelineStatus updates the pipeline status, setting started_at on
	// the first transition to running and completed_at on terminal states.
	SetPipelineStatus(ctx context.Context, id string, status PipelineStatus) error

	// CreateActions persists the planned action list for a pipeline.
	CreateActions(ctx context.Context, actions []*PipelineAction) error

	// ListActions returns a pipeline's actions ordered by execution_order.
	ListActions(ctx context.Context, pipelineID string) ([]*PipelineAction, error)

	// TransitionAction atomically moves an action from one status to
	// another. It returns false without error when the action is no longer
	// in the expected status, so concurrent attempts cannot both win.
	TransitionAction(ctx context.Context, id string, from, to ActionStatus, errMsg *string) (bool, error)

	// RecordDelta appends a delta for a completed action. Deltas are
	// append-only and never mutated.
	RecordDelta(ctx context.Context, d *Delta) (*Delta, error)

	// LatestDelta returns the most recent delta of the most recent
	// completed action targeting the node, or nil when none exists.
	LatestDelta(ctx context.Context, nodeName string) (*Delta, error)

	// ListDeltas returns all deltas recorded for an action, oldest first.
	ListDeltas(ctx context.Context, actionID string) ([]*Delta, error)
}

// Executor is the external transformation engine contract. Execute
// materializes one node, consuming the upstream deltas as incremental input
// hints, and returns the artifact paths of the change set it produced.
// Failures must be classified: transient errors are eligible for retry,
// permanent errors propagate immediately.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// DryRunExecutor is an Executor that performs no work and records empty
// artifact paths. Used by the CLI when no transformation engine is wired in,
// and by tests.
type DryRunExecutor struct{}

// Execute implements Executor.
func (DryRunExecutor) Execute(_ context.Context, _ ExecuteRequest) (*ExecuteResult, error) {
	return &ExecuteResult{}, nil
}
