package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// GraphBuilder validates node and edge declarations and persists immutable
// graph snapshots. A snapshot is only written once the declarations passed
// validation, so no partial graph is ever created.
type GraphBuilder struct {
	store  Store
	logger *telemetry.Logger
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder(store Store, logger *telemetry.Logger) *GraphBuilder {
	return &GraphBuilder{
		store:  store,
		logger: logger.NewComponentLogger("graph-builder"),
	}
}

// BuildGraph validates the declarations and persists a new graph snapshot.
// The previous snapshot is never overwritten; in-flight pipelines keep their
// stable reference.
func (b *GraphBuilder) BuildGraph(ctx context.Context, nodes []NodeDecl, edges []EdgeDecl) (*Graph, error) {
	if err := ValidateDeclarations(nodes, edges); err != nil {
		return nil, err
	}

	graph, err := b.store.CreateGraph(ctx, nodes, edges)
	if err != nil {
		return nil, NewStoreError("create graph", err)
	}

	b.logger.WithField("graph_id", graph.ID).
		Infof("graph snapshot created: %d nodes, %d edges", len(nodes), len(edges))

	return graph, nil
}

// ValidateDeclarations checks a declaration set without persisting anything:
// node names must be unique, every edge endpoint must name a declared node,
// and the edge set must form a directed acyclic graph.
func ValidateDeclarations(nodes []NodeDecl, edges []EdgeDecl) error {
	adjacency := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			return NewPermanentError("node declaration has empty name", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := adjacency[n.Name]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate node name: %s", n.Name), nil).
				WithCode(ErrCodeDuplicateNode).
				WithNode(n.Name)
		}
		adjacency[n.Name] = nil
	}

	for _, e := range edges {
		for _, endpoint := range []string{e.From, e.To} {
			if _, exists := adjacency[endpoint]; !exists {
				return NewPermanentError(
					fmt.Sprintf("edge %s -> %s references undeclared node %s", e.From, e.To, endpoint),
					nil,
				).WithCode(ErrCodeUnknownNodeReference).WithNode(endpoint)
			}
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	if cycle := findCycle(adjacency); cycle != nil {
		return NewPermanentError(
			fmt.Sprintf("cyclic dependency detected: %s", formatCycle(cycle)),
			nil,
		).WithCode(ErrCodeCyclicDependency).WithNodes(cycleMembers(cycle))
	}

	return nil
}

// nodeColor marks DFS progress for cycle detection.
type nodeColor int

const (
	colorUnvisited nodeColor = iota
	colorInProgress
	colorDone
)

// findCycle runs a three-color depth-first traversal over the adjacency
// mapping. A back-edge to an in-progress node is a cycle; the returned slice
// is the cycle path, closed on its first member. Nodes are visited in sorted
// order so the reported cycle is deterministic.
func findCycle(adjacency map[string][]string) []string {
	colors := make(map[string]nodeColor, len(adjacency))

	names := make([]string, 0, len(adjacency))
	for name := range adjacency {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string, path []string) []string
	visit = func(name string, path []string) []string {
		colors[name] = colorInProgress
		path = append(path, name)

		successors := append([]string(nil), adjacency[name]...)
		sort.Strings(successors)
		for _, next := range successors {
			switch colors[next] {
			case colorUnvisited:
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			case colorInProgress:
				for i, member := range path {
					if member == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		colors[name] = colorDone
		return nil
	}

	for _, name := range names {
		if colors[name] == colorUnvisited {
			if cycle := visit(name, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// cycleMembers returns the distinct participating node names, sorted.
func cycleMembers(cycle []string) []string {
	seen := make(map[string]bool, len(cycle))
	members := make([]string, 0, len(cycle))
	for _, name := range cycle {
		if !seen[name] {
			seen[name] = true
			members = append(members, name)
		}
	}
	sort.Strings(members)
	return members
}

// ToDOT generates a DOT representation of a graph snapshot for rendering
// with Graphviz tools.
func ToDOT(g *Graph) string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range g.NodeNames() {
		sb.WriteString(fmt.Sprintf("  %q;\n", name))
	}
	sb.WriteString("\n")
	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
	}

	sb.WriteString("}\n")
	return sb.String()
}
