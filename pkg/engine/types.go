package engine

import (
	"sort"
	"time"
)

// NodeDecl declares one data asset in the dependency graph.
type NodeDecl struct {
	// Name uniquely identifies the node within its graph.
	Name string `json:"name"`

	// Config is the opaque configuration payload handed to the executor.
	Config map[string]interface{} `json:"config,omitempty"`
}

// EdgeDecl declares a directed dependency: To's computation depends on
// From's output.
type EdgeDecl struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node is a persisted node within an immutable graph snapshot.
type Node struct {
	ID            int64                  `json:"id"`
	Name          string                 `json:"name"`
	Config        map[string]interface{} `json:"config,omitempty"`
	LastUpdatedAt *time.Time             `json:"last_updated_at,omitempty"`
}

// Edge is a persisted directed dependency within a graph snapshot.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is an immutable snapshot of the node/edge dependency graph. Once
// created it is never mutated, only superseded by a newer snapshot.
type Graph struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`

	nodesByName map[string]*Node
	upstream    map[string][]string
	downstream  map[string][]string
}

// buildIndex populates the adjacency lookups. Called once after load; the
// snapshot is read-only afterwards.
func (g *Graph) buildIndex() {
	g.nodesByName = make(map[string]*Node, len(g.Nodes))
	g.upstream = make(map[string][]string, len(g.Nodes))
	g.downstream = make(map[string][]string, len(g.Nodes))

	for i := range g.Nodes {
		n := &g.Nodes[i]
		g.nodesByName[n.Name] = n
	}
	for _, e := range g.Edges {
		g.upstream[e.To] = append(g.upstream[e.To], e.From)
		g.downstream[e.From] = append(g.downstream[e.From], e.To)
	}
	for name := range g.upstream {
		sort.Strings(g.upstream[name])
	}
	for name := range g.downstream {
		sort.Strings(g.downstream[name])
	}
}

// Node returns the named node, or nil if it is not part of the snapshot.
func (g *Graph) Node(name string) *Node {
	if g.nodesByName == nil {
		g.buildIndex()
	}
	return g.nodesByName[name]
}

// Upstream returns the direct dependencies of the named node, sorted.
func (g *Graph) Upstream(name string) []string {
	if g.nodesByName == nil {
		g.buildIndex()
	}
	return g.upstream[name]
}

// Downstream returns the direct dependents of the named node, sorted.
func (g *Graph) Downstream(name string) []string {
	if g.nodesByName == nil {
		g.buildIndex()
	}
	return g.downstream[name]
}

// NodeNames returns all node names in the snapshot, sorted.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for i := range g.Nodes {
		names = append(names, g.Nodes[i].Name)
	}
	sort.Strings(names)
	return names
}

// Pipeline is one planned or executed run over a specific graph snapshot.
type Pipeline struct {
	ID          string         `json:"id"`
	GraphID     string         `json:"graph_id"`
	Status      PipelineStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// PipelineAction is one unit of work within a pipeline: materialize a single
// node in this run. ExecutionOrder fixes its position in the deterministic
// plan order.
type PipelineAction struct {
	ID             string       `json:"id"`
	PipelineID     string       `json:"pipeline_id"`
	TableName      string       `json:"table_name"`
	ExecutionOrder int          `json:"execution_order"`
	Status         ActionStatus `json:"status"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
}

// Delta records the incremental change set produced by one completed action:
// three opaque artifact paths. An empty path means "no rows of this kind".
// Deltas accumulate across runs and are never deleted by the core.
type Delta struct {
	ID         int64     `json:"id"`
	ActionID   string    `json:"action_id"`
	InsertPath string    `json:"insert_path"`
	UpdatePath string    `json:"update_path"`
	DeletePath string    `json:"delete_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// PlannedAction is one entry in the deterministic plan order for a run.
type PlannedAction struct {
	NodeName       string `json:"node_name"`
	ExecutionOrder int    `json:"execution_order"`
}

// UpstreamDelta pairs an upstream node with its most recent delta, handed to
// the executor as an incremental input hint. Delta is nil when the upstream
// has never produced one.
type UpstreamDelta struct {
	NodeName string `json:"node_name"`
	Delta    *Delta `json:"delta,omitempty"`
}

// ExecuteRequest is the input to the external transformation engine.
type ExecuteRequest struct {
	// NodeName is the target node to materialize.
	NodeName string

	// Config is the node's opaque configuration payload.
	Config map[string]interface{}

	// Upstream carries the latest delta of each direct dependency.
	Upstream []UpstreamDelta

	// FullRefresh requests a full recompute instead of an incremental one.
	// Set when an upstream has no prior delta or the graph changed since it
	// was recorded.
	FullRefresh bool
}

// ExecuteResult is the successful outcome of one executor invocation: the
// artifact paths of the produced change set. Failures are reported as
// classified errors instead.
type ExecuteResult struct {
	InsertPath string
	UpdatePath string
	DeletePath string
}

// ActionOutcome summarizes one action's result within a run.
type ActionOutcome struct {
	NodeName       string        `json:"node_name"`
	ExecutionOrder int           `json:"execution_order"`
	Status         ActionStatus  `json:"status"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// RunSummary counts action outcomes for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// RunResult aggregates the outcome of one pipeline run. RootCause is the
// first action that failed on its own (not by propagation); FailurePath lists
// the downstream actions marked failed or skipped because of it.
type RunResult struct {
	PipelineID  string          `json:"pipeline_id"`
	Status      PipelineStatus  `json:"status"`
	Summary     RunSummary      `json:"summary"`
	Actions     []ActionOutcome `json:"actions"`
	RootCause   *ActionOutcome  `json:"root_cause,omitempty"`
	FailurePath []string        `json:"failure_path,omitempty"`
}

// Skip reasons recorded in an action's error message.
const (
	SkipReasonCancelled = "cancelled"
	SkipReasonUnchanged = "inputs unchanged"
)
