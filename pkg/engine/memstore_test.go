package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store implementation for tests. All methods are
// safe for concurrent use, mirroring the guarantees of the SQLite store.
type memStore struct {
	mu         sync.Mutex
	graphs     map[string]*Graph
	graphOrder []string
	pipelines  map[string]*Pipeline
	actions    map[string]*PipelineAction
	byPipeline map[string][]string
	deltas     []*Delta
	nextDelta  int64
	nextNode   int64

	// failOn injects a store failure for the named operation.
	failOn map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		graphs:     make(map[string]*Graph),
		pipelines:  make(map[string]*Pipeline),
		actions:    make(map[string]*PipelineAction),
		byPipeline: make(map[string][]string),
		failOn:     make(map[string]error),
	}
}

func (s *memStore) fail(op string) error {
	if err, ok := s.failOn[op]; ok {
		return err
	}
	return nil
}

func (s *memStore) CreateGraph(_ context.Context, nodes []NodeDecl, edges []EdgeDecl) (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateGraph"); err != nil {
		return nil, err
	}

	g := &Graph{
		ID:        fmt.Sprintf("graph-%d", len(s.graphs)+1),
		CreatedAt: time.Now().UTC(),
	}
	for _, n := range nodes {
		s.nextNode++
		g.Nodes = append(g.Nodes, Node{ID: s.nextNode, Name: n.Name, Config: n.Config})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, Edge{From: e.From, To: e.To})
	}
	s.graphs[g.ID] = g
	s.graphOrder = append(s.graphOrder, g.ID)
	return copyGraph(g), nil
}

func (s *memStore) GetGraph(_ context.Context, id string) (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetGraph"); err != nil {
		return nil, err
	}
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph not found: %s", id)
	}
	return copyGraph(g), nil
}

func (s *memStore) LatestGraph(_ context.Context) (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.graphOrder) == 0 {
		return nil, nil
	}
	return copyGraph(s.graphs[s.graphOrder[len(s.graphOrder)-1]]), nil
}

func (s *memStore) TouchNode(_ context.Context, graphID, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TouchNode"); err != nil {
		return err
	}
	g, ok := s.graphs[graphID]
	if !ok {
		return fmt.Errorf("graph not found: %s", graphID)
	}
	for i := range g.Nodes {
		if g.Nodes[i].Name == name {
			t := at
			g.Nodes[i].LastUpdatedAt = &t
			return nil
		}
	}
	return fmt.Errorf("node not found: %s", name)
}

func (s *memStore) CreatePipeline(_ context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreatePipeline"); err != nil {
		return err
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *memStore) GetPipeline(_ context.Context, id string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetPipeline"); err != nil {
		return nil, err
	}
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPipelines(_ context.Context, limit, offset int) ([]*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Pipeline
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SetPipelineStatus(_ context.Context, id string, status PipelineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetPipelineStatus"); err != nil {
		return err
	}
	p, ok := s.pipelines[id]
	if !ok {
		return fmt.Errorf("pipeline not found: %s", id)
	}
	now := time.Now().UTC()
	if status == PipelineStatusRunning && p.StartedAt == nil {
		p.StartedAt = &now
	}
	if status.IsTerminal() {
		p.CompletedAt = &now
	}
	p.Status = status
	return nil
}

func (s *memStore) CreateActions(_ context.Context, actions []*PipelineAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateActions"); err != nil {
		return err
	}
	for _, a := range actions {
		cp := *a
		s.actions[a.ID] = &cp
		s.byPipeline[a.PipelineID] = append(s.byPipeline[a.PipelineID], a.ID)
	}
	return nil
}

func (s *memStore) ListActions(_ context.Context, pipelineID string) ([]*PipelineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListActions"); err != nil {
		return nil, err
	}
	var out []*PipelineAction
	for _, id := range s.byPipeline[pipelineID] {
		cp := *s.actions[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func (s *memStore) TransitionAction(_ context.Context, id string, from, to ActionStatus, errMsg *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TransitionAction"); err != nil {
		return false, err
	}
	a, ok := s.actions[id]
	if !ok {
		return false, fmt.Errorf("action not found: %s", id)
	}
	if a.Status != from {
		return false, nil
	}
	now := time.Now().UTC()
	a.Status = to
	a.ErrorMessage = errMsg
	switch {
	case to == ActionStatusRunning:
		a.StartedAt = &now
	case to == ActionStatusPending:
		a.StartedAt = nil
		a.CompletedAt = nil
	case to.IsTerminal():
		a.CompletedAt = &now
	}
	return true, nil
}

func (s *memStore) RecordDelta(_ context.Context, d *Delta) (*Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordDelta"); err != nil {
		return nil, err
	}
	s.nextDelta++
	cp := *d
	cp.ID = s.nextDelta
	s.deltas = append(s.deltas, &cp)
	out := cp
	return &out, nil
}

func (s *memStore) LatestDelta(_ context.Context, nodeName string) (*Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LatestDelta"); err != nil {
		return nil, err
	}
	var latest *Delta
	for _, d := range s.deltas {
		a, ok := s.actions[d.ActionID]
		if !ok || a.TableName != nodeName || a.Status != ActionStatusCompleted {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) ||
			(d.CreatedAt.Equal(latest.CreatedAt) && d.ID > latest.ID) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) ListDeltas(_ context.Context, actionID string) ([]*Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delta
	for _, d := range s.deltas {
		if d.ActionID == actionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// copyGraph deep-copies a graph so callers never share node structs with the
// store's canonical state.
func copyGraph(g *Graph) *Graph {
	cp := &Graph{
		ID:        g.ID,
		CreatedAt: g.CreatedAt,
		Nodes:     make([]Node, len(g.Nodes)),
		Edges:     append([]Edge(nil), g.Edges...),
	}
	for i, n := range g.Nodes {
		cp.Nodes[i] = n
		if n.LastUpdatedAt != nil {
			t := *n.LastUpdatedAt
			cp.Nodes[i].LastUpdatedAt = &t
		}
	}
	return cp
}

// actionStatus reads an action's durable status.
func (s *memStore) actionStatus(id string) ActionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[id].Status
}
