package engine

import (
	"context"
	"testing"
	"time"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// completeWithDelta marks the action completed and appends a delta for it.
func completeWithDelta(t *testing.T, store *memStore, ledger *DeltaLedger, actionID, insertPath string) *Delta {
	t.Helper()
	ctx := context.Background()
	if _, err := store.TransitionAction(ctx, actionID, ActionStatusPending, ActionStatusRunning, nil); err != nil {
		t.Fatalf("Failed to start action: %v", err)
	}
	if _, err := store.TransitionAction(ctx, actionID, ActionStatusRunning, ActionStatusCompleted, nil); err != nil {
		t.Fatalf("Failed to complete action: %v", err)
	}
	delta, err := ledger.Record(ctx, actionID, insertPath, "", "")
	if err != nil {
		t.Fatalf("Failed to record delta: %v", err)
	}
	return delta
}

func TestDeltaLedger_RecordAndLatest(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())
	ctx := context.Background()

	seedAction(t, store, "a1", ActionStatusPending)
	first := completeWithDelta(t, store, ledger, "a1", "artifacts/run1/insert.parquet")

	latest, err := ledger.Latest(ctx, "node-a1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if latest == nil || latest.ID != first.ID {
		t.Fatalf("Expected latest delta %d, got %v", first.ID, latest)
	}
	if latest.InsertPath != "artifacts/run1/insert.parquet" {
		t.Errorf("Unexpected insert path: %s", latest.InsertPath)
	}
}

func TestDeltaLedger_LatestNone(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())

	latest, err := ledger.Latest(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil for node with no history, got %v", latest)
	}
}

func TestDeltaLedger_AppendOnly(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())
	ctx := context.Background()

	seedAction(t, store, "a1", ActionStatusPending)
	first := completeWithDelta(t, store, ledger, "a1", "run1")

	// A second delta for the same action accumulates, it never replaces.
	second, err := ledger.Record(ctx, "a1", "run2", "", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if second.ID == first.ID {
		t.Error("Second delta must get a new identity")
	}

	history, err := store.ListDeltas(ctx, "a1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 deltas, got %d", len(history))
	}
	if history[0].InsertPath != "run1" || history[1].InsertPath != "run2" {
		t.Error("Delta history must preserve both records oldest first")
	}
}

func TestDeltaLedger_UpstreamInputs_Incremental(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())
	ctx := context.Background()

	graph := &Graph{
		CreatedAt: time.Now().Add(-time.Hour),
		Nodes:     []Node{{Name: "node-a1"}, {Name: "staged"}},
		Edges:     []Edge{{From: "node-a1", To: "staged"}},
	}

	seedAction(t, store, "a1", ActionStatusPending)
	completeWithDelta(t, store, ledger, "a1", "insert.parquet")

	inputs, fullRefresh, err := ledger.UpstreamInputs(ctx, graph, "staged", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fullRefresh {
		t.Error("Expected incremental mode when every upstream has a fresh delta")
	}
	if len(inputs) != 1 || inputs[0].NodeName != "node-a1" || inputs[0].Delta == nil {
		t.Errorf("Unexpected inputs: %+v", inputs)
	}
}

func TestDeltaLedger_UpstreamInputs_NoDeltaForcesFull(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())

	graph := &Graph{
		CreatedAt: time.Now().Add(-time.Hour),
		Nodes:     []Node{{Name: "raw"}, {Name: "staged"}},
		Edges:     []Edge{{From: "raw", To: "staged"}},
	}

	inputs, fullRefresh, err := ledger.UpstreamInputs(context.Background(), graph, "staged", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fullRefresh {
		t.Error("Expected full refresh when an upstream has no prior delta")
	}
	if len(inputs) != 1 || inputs[0].Delta != nil {
		t.Errorf("Unexpected inputs: %+v", inputs)
	}
}

func TestDeltaLedger_UpstreamInputs_StaleDeltaForcesFull(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())

	seedAction(t, store, "a1", ActionStatusPending)
	completeWithDelta(t, store, ledger, "a1", "old.parquet")

	// The graph snapshot is newer than the recorded delta, so the increment
	// can no longer be trusted.
	graph := &Graph{
		CreatedAt: time.Now().Add(time.Hour),
		Nodes:     []Node{{Name: "node-a1"}, {Name: "staged"}},
		Edges:     []Edge{{From: "node-a1", To: "staged"}},
	}

	_, fullRefresh, err := ledger.UpstreamInputs(context.Background(), graph, "staged", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fullRefresh {
		t.Error("Expected full refresh when the delta predates the graph snapshot")
	}
}

func TestDeltaLedger_UpstreamInputs_Forced(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())
	ctx := context.Background()

	graph := &Graph{
		CreatedAt: time.Now().Add(-time.Hour),
		Nodes:     []Node{{Name: "node-a1"}, {Name: "staged"}},
		Edges:     []Edge{{From: "node-a1", To: "staged"}},
	}

	seedAction(t, store, "a1", ActionStatusPending)
	completeWithDelta(t, store, ledger, "a1", "fresh.parquet")

	_, fullRefresh, err := ledger.UpstreamInputs(ctx, graph, "staged", true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fullRefresh {
		t.Error("Expected full refresh when forced")
	}
}

func TestDeltaLedger_SourceNodeHasNoInputs(t *testing.T) {
	store := newMemStore()
	ledger := NewDeltaLedger(store, telemetry.NewNopLogger())

	graph := &Graph{
		CreatedAt: time.Now(),
		Nodes:     []Node{{Name: "raw"}},
	}

	inputs, fullRefresh, err := ledger.UpstreamInputs(context.Background(), graph, "raw", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("Expected no inputs for a source node, got %+v", inputs)
	}
	if fullRefresh {
		t.Error("A source node with no upstreams is not forced to full mode")
	}
}
