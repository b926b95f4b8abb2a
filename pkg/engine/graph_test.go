package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

func TestValidateDeclarations_Valid(t *testing.T) {
	nodes := []NodeDecl{{Name: "raw"}, {Name: "staged"}, {Name: "report"}}
	edges := []EdgeDecl{{From: "raw", To: "staged"}, {From: "staged", To: "report"}}

	if err := ValidateDeclarations(nodes, edges); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestValidateDeclarations_DuplicateNode(t *testing.T) {
	nodes := []NodeDecl{{Name: "raw"}, {Name: "raw"}}

	err := ValidateDeclarations(nodes, nil)
	if err == nil {
		t.Fatal("Expected error for duplicate node")
	}
	if ErrorCode(err) != ErrCodeDuplicateNode {
		t.Errorf("Expected code %s, got %s", ErrCodeDuplicateNode, ErrorCode(err))
	}
}

func TestValidateDeclarations_EmptyName(t *testing.T) {
	err := ValidateDeclarations([]NodeDecl{{Name: ""}}, nil)
	if err == nil {
		t.Fatal("Expected error for empty node name")
	}
	if ErrorCode(err) != ErrCodeValidation {
		t.Errorf("Expected code %s, got %s", ErrCodeValidation, ErrorCode(err))
	}
}

func TestValidateDeclarations_UnknownEdgeEndpoint(t *testing.T) {
	nodes := []NodeDecl{{Name: "raw"}}
	edges := []EdgeDecl{{From: "raw", To: "missing"}}

	err := ValidateDeclarations(nodes, edges)
	if err == nil {
		t.Fatal("Expected error for undeclared edge endpoint")
	}
	if ErrorCode(err) != ErrCodeUnknownNodeReference {
		t.Errorf("Expected code %s, got %s", ErrCodeUnknownNodeReference, ErrorCode(err))
	}
}

func TestValidateDeclarations_Cycle(t *testing.T) {
	nodes := []NodeDecl{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	edges := []EdgeDecl{
		{From: "a", To: "b"},
		{From: "b", To: "c"},
		{From: "c", To: "a"},
	}

	err := ValidateDeclarations(nodes, edges)
	if err == nil {
		t.Fatal("Expected error for cyclic dependencies")
	}
	if ErrorCode(err) != ErrCodeCyclicDependency {
		t.Errorf("Expected code %s, got %s", ErrCodeCyclicDependency, ErrorCode(err))
	}

	// The error must name every participating node.
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PipelineError, got %T", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(perr.Nodes, want) {
		t.Errorf("Expected cycle members %v, got %v", want, perr.Nodes)
	}
}

func TestValidateDeclarations_SelfLoop(t *testing.T) {
	nodes := []NodeDecl{{Name: "a"}}
	edges := []EdgeDecl{{From: "a", To: "a"}}

	err := ValidateDeclarations(nodes, edges)
	if err == nil {
		t.Fatal("Expected error for self-loop")
	}
	if ErrorCode(err) != ErrCodeCyclicDependency {
		t.Errorf("Expected code %s, got %s", ErrCodeCyclicDependency, ErrorCode(err))
	}
}

func TestGraphBuilder_BuildGraph(t *testing.T) {
	store := newMemStore()
	builder := NewGraphBuilder(store, telemetry.NewNopLogger())

	nodes := []NodeDecl{
		{Name: "raw", Config: map[string]interface{}{"source": "s3://bucket/raw"}},
		{Name: "staged"},
	}
	edges := []EdgeDecl{{From: "raw", To: "staged"}}

	graph, err := builder.BuildGraph(context.Background(), nodes, edges)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Nodes) != 2 || len(graph.Edges) != 1 {
		t.Errorf("Expected 2 nodes and 1 edge, got %d and %d", len(graph.Nodes), len(graph.Edges))
	}
	if graph.Node("raw").Config["source"] != "s3://bucket/raw" {
		t.Error("Node config not preserved through the store round-trip")
	}
}

func TestGraphBuilder_BuildGraph_InvalidNotPersisted(t *testing.T) {
	store := newMemStore()
	builder := NewGraphBuilder(store, telemetry.NewNopLogger())

	nodes := []NodeDecl{{Name: "a"}, {Name: "b"}}
	edges := []EdgeDecl{{From: "a", To: "b"}, {From: "b", To: "a"}}

	if _, err := builder.BuildGraph(context.Background(), nodes, edges); err == nil {
		t.Fatal("Expected validation error")
	}

	latest, err := store.LatestGraph(context.Background())
	if err != nil {
		t.Fatalf("Unexpected store error: %v", err)
	}
	if latest != nil {
		t.Error("Invalid declarations must not produce a snapshot")
	}
}

func TestGraph_Snapshots_Immutable(t *testing.T) {
	store := newMemStore()
	builder := NewGraphBuilder(store, telemetry.NewNopLogger())
	ctx := context.Background()

	first, err := builder.BuildGraph(ctx, []NodeDecl{{Name: "a"}}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := builder.BuildGraph(ctx, []NodeDecl{{Name: "a"}, {Name: "b"}}, []EdgeDecl{{From: "a", To: "b"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The first snapshot stays retrievable unchanged after the second exists.
	got, err := store.GetGraph(ctx, first.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(got.Nodes) != 1 {
		t.Errorf("Expected first snapshot to keep 1 node, got %d", len(got.Nodes))
	}

	latest, err := store.LatestGraph(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Expected latest graph %s, got %s", second.ID, latest.ID)
	}
}

func TestGraph_Adjacency(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{Name: "raw"}, {Name: "staged"}, {Name: "report"}, {Name: "metrics"}},
		Edges: []Edge{
			{From: "raw", To: "staged"},
			{From: "staged", To: "report"},
			{From: "staged", To: "metrics"},
		},
	}

	if ups := g.Upstream("report"); !reflect.DeepEqual(ups, []string{"staged"}) {
		t.Errorf("Expected upstream [staged], got %v", ups)
	}
	if downs := g.Downstream("staged"); !reflect.DeepEqual(downs, []string{"metrics", "report"}) {
		t.Errorf("Expected sorted downstream [metrics report], got %v", downs)
	}
	if ups := g.Upstream("raw"); len(ups) != 0 {
		t.Errorf("Expected no upstream for source node, got %v", ups)
	}
	if g.Node("missing") != nil {
		t.Error("Expected nil for unknown node")
	}
}

func TestToDOT(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{Name: "raw"}, {Name: "staged"}},
		Edges: []Edge{{From: "raw", To: "staged"}},
	}

	dot := ToDOT(g)
	if !strings.Contains(dot, `"raw" -> "staged";`) {
		t.Errorf("DOT output missing edge: %s", dot)
	}
	if !strings.HasPrefix(dot, "digraph") {
		t.Errorf("DOT output missing digraph header: %s", dot)
	}
}
