package engine

import (
	"context"
	"time"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// DeltaLedger records the incremental change set of each completed action and
// resolves the latest deltas of a node's upstream dependencies. The ledger is
// append-only: a delta is never mutated or deleted once written; retention
// and compaction are external concerns.
type DeltaLedger struct {
	store  Store
	logger *telemetry.Logger
}

// NewDeltaLedger creates a new delta ledger.
func NewDeltaLedger(store Store, logger *telemetry.Logger) *DeltaLedger {
	return &DeltaLedger{
		store:  store,
		logger: logger.NewComponentLogger("delta-ledger"),
	}
}

// Record appends the delta produced by a completed action. The coordinator
// calls this exactly once per completion; a forced re-run of a completed
// action appends a new delta, it never overwrites the prior one. Empty paths
// mean "no rows of this kind".
func (l *DeltaLedger) Record(ctx context.Context, actionID, insertPath, updatePath, deletePath string) (*Delta, error) {
	delta, err := l.store.RecordDelta(ctx, &Delta{
		ActionID:   actionID,
		InsertPath: insertPath,
		UpdatePath: updatePath,
		DeletePath: deletePath,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, NewStoreError("record delta", err)
	}

	l.logger.WithField("action_id", actionID).Debug("delta recorded")
	return delta, nil
}

// Latest returns the most recent delta of the most recent completed action
// targeting the node, or nil when the node has never produced one.
func (l *DeltaLedger) Latest(ctx context.Context, nodeName string) (*Delta, error) {
	delta, err := l.store.LatestDelta(ctx, nodeName)
	if err != nil {
		return nil, NewStoreError("latest delta", err)
	}
	return delta, nil
}

// UpstreamInputs resolves the latest delta of each direct dependency of the
// node and decides between incremental and full mode. Full mode is forced
// when the caller requests it, when any upstream has no prior delta, or when
// an upstream delta predates the graph snapshot (the graph changed since it
// was recorded, so the increment can no longer be trusted).
func (l *DeltaLedger) UpstreamInputs(ctx context.Context, graph *Graph, nodeName string, forceFull bool) ([]UpstreamDelta, bool, error) {
	upstreams := graph.Upstream(nodeName)
	inputs := make([]UpstreamDelta, 0, len(upstreams))
	fullRefresh := forceFull

	for _, upstream := range upstreams {
		delta, err := l.Latest(ctx, upstream)
		if err != nil {
			return nil, false, err
		}
		if delta == nil || delta.CreatedAt.Before(graph.CreatedAt) {
			fullRefresh = true
		}
		inputs = append(inputs, UpstreamDelta{NodeName: upstream, Delta: delta})
	}

	return inputs, fullRefresh, nil
}
