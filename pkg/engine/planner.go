package engine

import (
	"fmt"
	"sort"
)

// Planner derives the deterministic execution order for one pipeline run.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan computes the ordered action list for the given targets: the induced
// subgraph of all transitive ancestors plus the targets themselves, in
// topological order. An empty target set plans the full graph.
//
// Ordering is produced by repeated removal of zero-remaining-in-degree nodes;
// when several nodes are simultaneously eligible the lexicographically
// smallest name wins, which makes the plan reproducible across runs of the
// same graph.
func (p *Planner) Plan(graph *Graph, targets []string) ([]PlannedAction, error) {
	selected, err := p.ancestorClosure(graph, targets)
	if err != nil {
		return nil, err
	}

	// In-degree within the induced subgraph only.
	inDegree := make(map[string]int, len(selected))
	for name := range selected {
		inDegree[name] = 0
	}
	for _, e := range graph.Edges {
		if selected[e.From] && selected[e.To] {
			inDegree[e.To]++
		}
	}

	ready := make([]string, 0, len(selected))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	plan := make([]PlannedAction, 0, len(selected))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]

		plan = append(plan, PlannedAction{
			NodeName:       name,
			ExecutionOrder: len(plan),
		})

		for _, dependent := range graph.Downstream(name) {
			if !selected[dependent] {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				i := sort.SearchStrings(ready, dependent)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = dependent
			}
		}
	}

	// A partial plan means the induced subgraph still holds a cycle.
	if len(plan) != len(selected) {
		return nil, NewPermanentError("cycle detected during planning", nil).
			WithCode(ErrCodeCyclicDependency)
	}

	return plan, nil
}

// ancestorClosure returns the targets plus all their transitive ancestors.
// An empty target set selects every node.
func (p *Planner) ancestorClosure(graph *Graph, targets []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(graph.Nodes))

	if len(targets) == 0 {
		for _, name := range graph.NodeNames() {
			selected[name] = true
		}
		return selected, nil
	}

	queue := make([]string, 0, len(targets))
	for _, target := range targets {
		if graph.Node(target) == nil {
			return nil, NewPermanentError(
				fmt.Sprintf("target node %s is not part of the graph", target),
				nil,
			).WithCode(ErrCodeUnknownNodeReference).WithNode(target)
		}
		if !selected[target] {
			selected[target] = true
			queue = append(queue, target)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, upstream := range graph.Upstream(name) {
			if !selected[upstream] {
				selected[upstream] = true
				queue = append(queue, upstream)
			}
		}
	}

	return selected, nil
}
