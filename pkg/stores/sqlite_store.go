package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/featherbox/featherbox/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, not covered by the DSN on every pool conn
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateGraph persists a new immutable graph snapshot in one transaction.
func (s *SQLiteStore) CreateGraph(ctx context.Context, nodes []engine.NodeDecl, edges []engine.EdgeDecl) (*engine.Graph, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	graph := &engine.Graph{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graphs (id, created_at) VALUES (?, ?)`,
		graph.ID, graph.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create graph: %w", err)
	}

	for _, decl := range nodes {
		var configJSON *string
		if decl.Config != nil {
			raw, err := json.Marshal(decl.Config)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal config for node %s: %w", decl.Name, err)
			}
			str := string(raw)
			configJSON = &str
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (graph_id, name, config_json) VALUES (?, ?, ?)`,
			graph.ID, decl.Name, configJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create node %s: %w", decl.Name, err)
		}
		nodeID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get node id: %w", err)
		}

		graph.Nodes = append(graph.Nodes, engine.Node{
			ID:     nodeID,
			Name:   decl.Name,
			Config: decl.Config,
		})
	}

	for _, decl := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (graph_id, from_node, to_node) VALUES (?, ?, ?)`,
			graph.ID, decl.From, decl.To,
		); err != nil {
			return nil, fmt.Errorf("failed to create edge %s -> %s: %w", decl.From, decl.To, err)
		}
		graph.Edges = append(graph.Edges, engine.Edge{From: decl.From, To: decl.To})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit graph: %w", err)
	}

	return graph, nil
}

// GetGraph retrieves a graph snapshot with its nodes and edges.
func (s *SQLiteStore) GetGraph(ctx context.Context, id string) (*engine.Graph, error) {
	graph := &engine.Graph{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM graphs WHERE id = ?`, id,
	).Scan(&graph.ID, &graph.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("graph not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph: %w", err)
	}

	if err := s.loadGraphContents(ctx, graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// LatestGraph returns the most recently created snapshot, or nil when no
// graph exists yet.
func (s *SQLiteStore) LatestGraph(ctx context.Context) (*engine.Graph, error) {
	graph := &engine.Graph{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM graphs ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&graph.ID, &graph.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest graph: %w", err)
	}

	if err := s.loadGraphContents(ctx, graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// loadGraphContents fills in the node and edge lists of a graph row.
func (s *SQLiteStore) loadGraphContents(ctx context.Context, graph *engine.Graph) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, config_json, last_updated_at FROM nodes WHERE graph_id = ? ORDER BY name`,
		graph.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var node engine.Node
		var configJSON *string
		if err := rows.Scan(&node.ID, &node.Name, &configJSON, &node.LastUpdatedAt); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		if configJSON != nil {
			if err := json.Unmarshal([]byte(*configJSON), &node.Config); err != nil {
				return fmt.Errorf("failed to unmarshal config for node %s: %w", node.Name, err)
			}
		}
		graph.Nodes = append(graph.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate nodes: %w", err)
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT from_node, to_node FROM edges WHERE graph_id = ? ORDER BY from_node, to_node`,
		graph.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var edge engine.Edge
		if err := edgeRows.Scan(&edge.From, &edge.To); err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		graph.Edges = append(graph.Edges, edge)
	}
	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate edges: %w", err)
	}

	return nil
}

// TouchNode records when an action targeting the node last completed.
func (s *SQLiteStore) TouchNode(ctx context.Context, graphID, name string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_updated_at = ? WHERE graph_id = ? AND name = ?`,
		at, graphID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to touch node: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node not found: %s", name)
	}
	return nil
}

// CreatePipeline persists a new pipeline referencing a graph snapshot.
func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *engine.Pipeline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, graph_id, status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.GraphID, p.Status, p.CreatedAt, p.StartedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*engine.Pipeline, error) {
	p := &engine.Pipeline{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, status, created_at, started_at, completed_at
		 FROM pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.GraphID, &p.Status, &p.CreatedAt, &p.StartedAt, &p.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines lists pipelines with pagination, most recent first.
func (s *SQLiteStore) ListPipelines(ctx context.Context, limit, offset int) ([]*engine.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, graph_id, status, created_at, started_at, completed_at
		 FROM pipelines ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	pipelines := []*engine.Pipeline{}
	for rows.Next() {
		p := &engine.Pipeline{}
		if err := rows.Scan(&p.ID, &p.GraphID, &p.Status, &p.CreatedAt, &p.StartedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipelines: %w", err)
	}
	return pipelines, nil
}

// SetPipelineStatus updates the pipeline status, setting started_at on the
// first transition to running and completed_at on terminal states.
func (s *SQLiteStore) SetPipelineStatus(ctx context.Context, id string, status engine.PipelineStatus) error {
	now := time.Now().UTC()
	starting := status == engine.PipelineStatusRunning
	terminal := status.IsTerminal()

	result, err := s.db.ExecContext(ctx,
		`UPDATE pipelines
		 SET status = ?,
		     started_at = CASE WHEN ? AND started_at IS NULL THEN ? ELSE started_at END,
		     completed_at = CASE WHEN ? THEN ? ELSE completed_at END
		 WHERE id = ?`,
		status, starting, now, terminal, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set pipeline status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pipeline not found: %s", id)
	}
	return nil
}

// CreateActions persists the planned action list for a pipeline.
func (s *SQLiteStore) CreateActions(ctx context.Context, actions []*engine.PipelineAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range actions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_actions (id, pipeline_id, table_name, execution_order, status)
			 VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.PipelineID, a.TableName, a.ExecutionOrder, a.Status,
		); err != nil {
			return fmt.Errorf("failed to create action for %s: %w", a.TableName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit actions: %w", err)
	}
	return nil
}

// ListActions returns a pipeline's actions ordered by execution order.
func (s *SQLiteStore) ListActions(ctx context.Context, pipelineID string) ([]*engine.PipelineAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, table_name, execution_order, status, started_at, completed_at, error_message
		 FROM pipeline_actions WHERE pipeline_id = ? ORDER BY execution_order`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*engine.PipelineAction{}
	for rows.Next() {
		a := &engine.PipelineAction{}
		if err := rows.Scan(
			&a.ID, &a.PipelineID, &a.TableName, &a.ExecutionOrder,
			&a.Status, &a.StartedAt, &a.CompletedAt, &a.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}

// TransitionAction atomically moves an action from one status to another.
// The WHERE clause carries the expected current status, so of two concurrent
// attempts only one observes an affected row. Timestamps move with the
// status in the same write: started_at on entry to running, completed_at on
// terminal states, both cleared on a reset back to pending.
func (s *SQLiteStore) TransitionAction(ctx context.Context, id string, from, to engine.ActionStatus, errMsg *string) (bool, error) {
	now := time.Now().UTC()
	starting := to == engine.ActionStatusRunning
	terminal := to.IsTerminal()
	resetting := to == engine.ActionStatusPending

	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_actions
		 SET status = ?,
		     error_message = ?,
		     started_at = CASE
		         WHEN ? THEN ?
		         WHEN ? THEN NULL
		         ELSE started_at
		     END,
		     completed_at = CASE
		         WHEN ? THEN ?
		         WHEN ? THEN NULL
		         ELSE completed_at
		     END
		 WHERE id = ? AND status = ?`,
		to, errMsg,
		starting, now, resetting,
		terminal, now, resetting,
		id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition action: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// RecordDelta appends a delta for a completed action.
func (s *SQLiteStore) RecordDelta(ctx context.Context, d *engine.Delta) (*engine.Delta, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO deltas (action_id, insert_path, update_path, delete_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ActionID, d.InsertPath, d.UpdatePath, d.DeletePath, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record delta: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get delta id: %w", err)
	}

	recorded := *d
	recorded.ID = id
	return &recorded, nil
}

// LatestDelta returns the most recent delta of the most recent completed
// action targeting the node, or nil when none exists. The join crosses
// pipelines: a node's history is global, not per run.
func (s *SQLiteStore) LatestDelta(ctx context.Context, nodeName string) (*engine.Delta, error) {
	d := &engine.Delta{}
	err := s.db.QueryRowContext(ctx,
		`SELECT d.id, d.action_id, d.insert_path, d.update_path, d.delete_path, d.created_at
		 FROM deltas d
		 JOIN pipeline_actions a ON a.id = d.action_id
		 WHERE a.table_name = ? AND a.status = ?
		 ORDER BY d.created_at DESC, d.id DESC
		 LIMIT 1`,
		nodeName, engine.ActionStatusCompleted,
	).Scan(&d.ID, &d.ActionID, &d.InsertPath, &d.UpdatePath, &d.DeletePath, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest delta: %w", err)
	}
	return d, nil
}

// ListDeltas returns all deltas recorded for an action, oldest first.
func (s *SQLiteStore) ListDeltas(ctx context.Context, actionID string) ([]*engine.Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, insert_path, update_path, delete_path, created_at
		 FROM deltas WHERE action_id = ? ORDER BY created_at, id`,
		actionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deltas: %w", err)
	}
	defer rows.Close()

	deltas := []*engine.Delta{}
	for rows.Next() {
		d := &engine.Delta{}
		if err := rows.Scan(&d.ID, &d.ActionID, &d.InsertPath, &d.UpdatePath, &d.DeletePath, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deltas: %w", err)
	}
	return deltas, nil
}
