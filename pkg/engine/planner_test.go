package engine

import (
	"reflect"
	"testing"
)

func diamondGraph() *Graph {
	return &Graph{
		Nodes: []Node{{Name: "raw"}, {Name: "staged"}, {Name: "metrics"}, {Name: "report"}},
		Edges: []Edge{
			{From: "raw", To: "staged"},
			{From: "staged", To: "metrics"},
			{From: "staged", To: "report"},
		},
	}
}

func planNames(plan []PlannedAction) []string {
	names := make([]string, len(plan))
	for i, a := range plan {
		names[i] = a.NodeName
	}
	return names
}

func TestPlanner_LinearChain(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{Name: "report"}, {Name: "raw"}, {Name: "staged"}},
		Edges: []Edge{
			{From: "raw", To: "staged"},
			{From: "staged", To: "report"},
		},
	}

	plan, err := NewPlanner().Plan(g, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"raw", "staged", "report"}
	if !reflect.DeepEqual(planNames(plan), want) {
		t.Errorf("Expected order %v, got %v", want, planNames(plan))
	}
	for i, a := range plan {
		if a.ExecutionOrder != i {
			t.Errorf("Expected execution order %d for %s, got %d", i, a.NodeName, a.ExecutionOrder)
		}
	}
}

func TestPlanner_LexicographicTieBreak(t *testing.T) {
	// metrics and report become eligible at the same moment; the plan must
	// order them alphabetically.
	plan, err := NewPlanner().Plan(diamondGraph(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"raw", "staged", "metrics", "report"}
	if !reflect.DeepEqual(planNames(plan), want) {
		t.Errorf("Expected order %v, got %v", want, planNames(plan))
	}
}

func TestPlanner_Deterministic(t *testing.T) {
	g := diamondGraph()
	planner := NewPlanner()

	first, err := planner.Plan(g, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := planner.Plan(g, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("Plan not deterministic: %v vs %v", first, next)
		}
	}
}

func TestPlanner_TargetClosure(t *testing.T) {
	// Targeting report selects its ancestors but not the metrics sibling.
	plan, err := NewPlanner().Plan(diamondGraph(), []string{"report"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"raw", "staged", "report"}
	if !reflect.DeepEqual(planNames(plan), want) {
		t.Errorf("Expected order %v, got %v", want, planNames(plan))
	}
}

func TestPlanner_TargetIsSource(t *testing.T) {
	plan, err := NewPlanner().Plan(diamondGraph(), []string{"raw"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(planNames(plan), []string{"raw"}) {
		t.Errorf("Expected only [raw], got %v", planNames(plan))
	}
}

func TestPlanner_DuplicateTargets(t *testing.T) {
	plan, err := NewPlanner().Plan(diamondGraph(), []string{"report", "report", "staged"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"raw", "staged", "report"}
	if !reflect.DeepEqual(planNames(plan), want) {
		t.Errorf("Expected order %v, got %v", want, planNames(plan))
	}
}

func TestPlanner_UnknownTarget(t *testing.T) {
	_, err := NewPlanner().Plan(diamondGraph(), []string{"missing"})
	if err == nil {
		t.Fatal("Expected error for unknown target")
	}
	if ErrorCode(err) != ErrCodeUnknownNodeReference {
		t.Errorf("Expected code %s, got %s", ErrCodeUnknownNodeReference, ErrorCode(err))
	}
}

func TestPlanner_EmptyGraph(t *testing.T) {
	plan, err := NewPlanner().Plan(&Graph{}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan) != 0 {
		t.Errorf("Expected empty plan, got %v", plan)
	}
}

func TestPlanner_DisconnectedComponents(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{Name: "b"}, {Name: "a"}, {Name: "d"}, {Name: "c"}},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "c", To: "d"},
		},
	}

	plan, err := NewPlanner().Plan(g, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(planNames(plan), want) {
		t.Errorf("Expected order %v, got %v", want, planNames(plan))
	}
}
