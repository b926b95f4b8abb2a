package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// CoordinatorConfig configures one run coordinator.
type CoordinatorConfig struct {
	// MaxParallel bounds the number of concurrently executing actions.
	MaxParallel int

	// MaxAttempts is the total attempt limit per action. Only transient
	// failures are retried.
	MaxAttempts int

	// RetryBaseDelay is the base delay for exponential retry backoff.
	RetryBaseDelay time.Duration

	// ActionTimeout is the optional per-action wall-clock budget. Expiry is
	// treated as a transient failure. Zero disables the budget.
	ActionTimeout time.Duration

	// ForceFull disables incremental mode and skip-if-unchanged: every
	// action runs a full recompute.
	ForceFull bool
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// Coordinator orchestrates one pipeline run end-to-end: it derives or loads
// the plan, drives the execution state machine action by action with
// independent branches running concurrently, consults the delta ledger for
// the incremental-versus-full decision, and persists every state transition.
type Coordinator struct {
	store    Store
	executor Executor
	planner  *Planner
	machine  *StateMachine
	ledger   *DeltaLedger
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	cfg      CoordinatorConfig
}

// NewCoordinator creates a new run coordinator. Metrics and tracer may be
// nil when telemetry is disabled.
func NewCoordinator(
	store Store,
	executor Executor,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	cfg CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		store:    store,
		executor: executor,
		planner:  NewPlanner(),
		machine:  NewStateMachine(store, logger),
		ledger:   NewDeltaLedger(store, logger),
		logger:   logger.NewComponentLogger("coordinator"),
		metrics:  metrics,
		tracer:   tracer,
		cfg:      cfg.withDefaults(),
	}
}

// CreatePipeline plans a new run over the graph: it derives the deterministic
// action order for the targets (all nodes when targets is empty) and persists
// the pipeline with its pending actions.
func (c *Coordinator) CreatePipeline(ctx context.Context, graphID string, targets []string) (*Pipeline, error) {
	graph, err := c.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, NewStoreError("get graph", err)
	}

	plan, err := c.planner.Plan(graph, targets)
	if err != nil {
		return nil, err
	}

	pipeline := &Pipeline{
		ID:        uuid.New().String(),
		GraphID:   graph.ID,
		Status:    PipelineStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreatePipeline(ctx, pipeline); err != nil {
		return nil, NewStoreError("create pipeline", err)
	}

	actions := make([]*PipelineAction, 0, len(plan))
	for _, planned := range plan {
		actions = append(actions, &PipelineAction{
			ID:             uuid.New().String(),
			PipelineID:     pipeline.ID,
			TableName:      planned.NodeName,
			ExecutionOrder: planned.ExecutionOrder,
			Status:         ActionStatusPending,
		})
	}
	if err := c.store.CreateActions(ctx, actions); err != nil {
		return nil, NewStoreError("create actions", err)
	}

	c.logger.WithPipelineID(pipeline.ID).
		Infof("pipeline planned with %d actions", len(actions))
	return pipeline, nil
}

// actionDone is the completion message a worker sends back to the dispatcher.
type actionDone struct {
	action   *PipelineAction
	outcome  *ActionOutcome
	storeErr error
}

// RunPipeline executes one pipeline run. It is safe to re-invoke against the
// same pipeline after a partial failure or crash: completed and skipped
// actions are left untouched, stale running actions are reset, and pending
// actions are re-attempted. A single action failure never aborts sibling
// branches already in flight; only store failures or plan-time graph
// corruption are fatal to the run.
func (c *Coordinator) RunPipeline(ctx context.Context, pipelineID string) (*RunResult, error) {
	pipeline, err := c.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, NewStoreError("get pipeline", err)
	}
	graph, err := c.store.GetGraph(ctx, pipeline.GraphID)
	if err != nil {
		return nil, NewStoreError("get graph", err)
	}

	actions, err := c.store.ListActions(ctx, pipelineID)
	if err != nil {
		return nil, NewStoreError("list actions", err)
	}
	if len(actions) == 0 {
		plan, err := c.planner.Plan(graph, nil)
		if err != nil {
			return nil, err
		}
		for _, planned := range plan {
			actions = append(actions, &PipelineAction{
				ID:             uuid.New().String(),
				PipelineID:     pipeline.ID,
				TableName:      planned.NodeName,
				ExecutionOrder: planned.ExecutionOrder,
				Status:         ActionStatusPending,
			})
		}
		if err := c.store.CreateActions(ctx, actions); err != nil {
			return nil, NewStoreError("create actions", err)
		}
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].ExecutionOrder < actions[j].ExecutionOrder
	})

	if err := c.machine.ResetStale(ctx, actions); err != nil {
		return nil, err
	}

	log := c.logger.WithPipelineID(pipeline.ID)

	var span telemetry.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartPipelineSpan(ctx, pipeline.ID)
		defer span.End()
	}

	// Dispatcher-owned bookkeeping. Workers never touch these; they report
	// through the results channel.
	statuses := make(map[string]ActionStatus, len(actions))
	outcomes := make(map[string]*ActionOutcome, len(actions))
	for _, a := range actions {
		statuses[a.TableName] = a.Status
		if a.Status.IsTerminal() {
			outcome := &ActionOutcome{
				NodeName:       a.TableName,
				ExecutionOrder: a.ExecutionOrder,
				Status:         a.Status,
			}
			if a.ErrorMessage != nil {
				outcome.Error = *a.ErrorMessage
			}
			outcomes[a.TableName] = outcome
		}
	}

	allTerminal := true
	for _, s := range statuses {
		if !s.IsTerminal() {
			allTerminal = false
			break
		}
	}

	// Idempotent resume: nothing left to do means no new transitions at all.
	if allTerminal && pipeline.Status.IsTerminal() {
		log.Info("pipeline already terminal, nothing to do")
		return c.buildResult(pipeline, graph, actions, statuses, outcomes), nil
	}

	if !allTerminal {
		if err := c.store.SetPipelineStatus(ctx, pipeline.ID, PipelineStatusRunning); err != nil {
			return nil, NewStoreError("set pipeline status", err)
		}
		pipeline.Status = PipelineStatusRunning
		if c.metrics != nil {
			c.metrics.RecordPipelineStarted()
		}
		log.Info("pipeline run started")
	}

	// Store writes after cancellation still need to land; detach them from
	// the run context.
	detached := context.WithoutCancel(ctx)
	runStart := time.Now()

	results := make(chan actionDone)
	inFlight := 0
	cancelled := false
	var fatal error

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			if err := c.cancelPending(detached, actions, statuses, outcomes); err != nil && fatal == nil {
				fatal = err
			}
		}

		if fatal == nil && !cancelled {
			if err := c.dispatch(ctx, detached, graph, actions, statuses, outcomes, &inFlight, results); err != nil {
				fatal = err
			}
		}

		if inFlight == 0 {
			if fatal != nil || cancelled || countActive(statuses) == 0 {
				break
			}
			// Pending actions remain but nothing can run them.
			fatal = NewPermanentError("pipeline stalled with unrunnable pending actions", nil).
				WithCode(ErrCodeInternal)
			break
		}

		done := <-results
		inFlight--
		statuses[done.action.TableName] = done.outcome.Status
		outcomes[done.action.TableName] = done.outcome
		if done.storeErr != nil && fatal == nil {
			fatal = done.storeErr
		}
	}

	if fatal != nil {
		// The run is left in its last durable state for safe resume.
		log.WithError(fatal).Error("pipeline run aborted")
		if span.Valid() {
			span.RecordError(fatal)
		}
		return nil, fatal
	}

	finalStatus := AggregateStatus(statusValues(actions, statuses))
	if finalStatus != pipeline.Status {
		if err := c.store.SetPipelineStatus(detached, pipeline.ID, finalStatus); err != nil {
			return nil, NewStoreError("set pipeline status", err)
		}
		pipeline.Status = finalStatus
	}

	if c.metrics != nil {
		c.metrics.RecordPipelineCompleted(string(finalStatus), time.Since(runStart))
	}
	log.Infof("pipeline run finished with status %s", finalStatus)

	return c.buildResult(pipeline, graph, actions, statuses, outcomes), nil
}

// dispatch walks the action list and makes every possible move: propagates
// upstream failures, skips unchanged actions, and launches eligible actions
// up to the parallelism bound. It loops until no further progress is possible
// without waiting on an in-flight action.
func (c *Coordinator) dispatch(
	ctx context.Context,
	detached context.Context,
	graph *Graph,
	actions []*PipelineAction,
	statuses map[string]ActionStatus,
	outcomes map[string]*ActionOutcome,
	inFlight *int,
	results chan<- actionDone,
) error {
	progress := true
	for progress {
		progress = false
		for _, action := range actions {
			if statuses[action.TableName] != ActionStatusPending {
				continue
			}

			upstreams := c.upstreamStatuses(graph, action.TableName, statuses)
			anyFailed, allTerminal := false, true
			for _, up := range upstreams {
				if up.Status == ActionStatusFailed {
					anyFailed = true
				}
				if !up.Status.IsTerminal() {
					allTerminal = false
				}
			}

			if anyFailed {
				err := c.machine.Start(detached, action, upstreams)
				if ErrorCode(err) == ErrCodeStoreUnavailable {
					return err
				}
				statuses[action.TableName] = ActionStatusFailed
				outcome := &ActionOutcome{
					NodeName:       action.TableName,
					ExecutionOrder: action.ExecutionOrder,
					Status:         ActionStatusFailed,
				}
				if err != nil {
					outcome.Error = err.Error()
				}
				outcomes[action.TableName] = outcome
				progress = true
				continue
			}
			if !allTerminal {
				continue
			}

			skip, err := c.skipEligible(ctx, graph, action)
			if err != nil {
				return err
			}
			if skip {
				if err := c.machine.Skip(detached, action, SkipReasonUnchanged); err != nil {
					return err
				}
				statuses[action.TableName] = ActionStatusSkipped
				outcomes[action.TableName] = &ActionOutcome{
					NodeName:       action.TableName,
					ExecutionOrder: action.ExecutionOrder,
					Status:         ActionStatusSkipped,
					Error:          SkipReasonUnchanged,
				}
				progress = true
				continue
			}

			if *inFlight >= c.cfg.MaxParallel {
				continue
			}

			if err := c.machine.Start(detached, action, upstreams); err != nil {
				if ErrorCode(err) == ErrCodeStoreUnavailable {
					return err
				}
				// Lost the compare-and-set to a concurrent attempt.
				continue
			}
			statuses[action.TableName] = ActionStatusRunning
			*inFlight++
			progress = true

			go func(a *PipelineAction) {
				results <- c.executeAction(detached, graph, a)
			}(action)
		}
	}
	return nil
}

// executeAction runs one action to a terminal state: it resolves upstream
// deltas, invokes the executor with retry on transient failures, applies the
// completed or failed transition, and records the delta exactly once on
// completion.
func (c *Coordinator) executeAction(ctx context.Context, graph *Graph, action *PipelineAction) actionDone {
	log := c.logger.WithPipelineID(action.PipelineID).WithNode(action.TableName)
	start := time.Now()
	outcome := &ActionOutcome{
		NodeName:       action.TableName,
		ExecutionOrder: action.ExecutionOrder,
	}

	var span telemetry.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartActionSpan(ctx, action.ID, action.TableName)
		defer span.End()
	}

	inputs, fullRefresh, err := c.ledger.UpstreamInputs(ctx, graph, action.TableName, c.cfg.ForceFull)
	if err != nil {
		outcome.Status = ActionStatusRunning
		return actionDone{action: action, outcome: outcome, storeErr: err}
	}

	node := graph.Node(action.TableName)
	req := ExecuteRequest{
		NodeName:    action.TableName,
		Upstream:    inputs,
		FullRefresh: fullRefresh,
	}
	if node != nil {
		req.Config = node.Config
	}

	var result *ExecuteResult
	var execErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		outcome.Attempts++

		execCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.ActionTimeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, c.cfg.ActionTimeout)
		}
		result, execErr = c.executor.Execute(execCtx, req)
		if cancel != nil {
			cancel()
		}

		if execErr == nil {
			break
		}
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = NewTransientError("action timed out", execErr).
				WithCode(ErrCodeTimeout).
				WithNode(action.TableName)
		}
		if !IsRetryable(execErr) || attempt == c.cfg.MaxAttempts-1 {
			break
		}

		delay := c.backoff(attempt)
		log.WithError(execErr).
			Warnf("retrying after transient failure (attempt %d/%d)", attempt+1, c.cfg.MaxAttempts)
		time.Sleep(delay)
	}

	outcome.Duration = time.Since(start)

	if execErr != nil {
		msg := execErr.Error()
		if err := c.machine.Fail(ctx, action, msg); err != nil {
			outcome.Status = ActionStatusRunning
			return actionDone{action: action, outcome: outcome, storeErr: err}
		}
		outcome.Status = ActionStatusFailed
		outcome.Error = msg
		if c.metrics != nil {
			c.metrics.RecordActionExecution(string(ActionStatusFailed), outcome.Duration)
			c.metrics.RecordError(string(classOf(execErr)), ErrorCode(execErr))
		}
		if span.Valid() {
			span.RecordError(execErr)
		}
		log.WithError(execErr).Error("action failed")
		return actionDone{action: action, outcome: outcome}
	}

	if err := c.machine.Complete(ctx, action); err != nil {
		outcome.Status = ActionStatusRunning
		return actionDone{action: action, outcome: outcome, storeErr: err}
	}
	if _, err := c.ledger.Record(ctx, action.ID, result.InsertPath, result.UpdatePath, result.DeletePath); err != nil {
		outcome.Status = ActionStatusCompleted
		return actionDone{action: action, outcome: outcome, storeErr: err}
	}
	if err := c.store.TouchNode(ctx, graph.ID, action.TableName, time.Now().UTC()); err != nil {
		outcome.Status = ActionStatusCompleted
		return actionDone{action: action, outcome: outcome, storeErr: NewStoreError("touch node", err)}
	}

	outcome.Status = ActionStatusCompleted
	if c.metrics != nil {
		c.metrics.RecordActionExecution(string(ActionStatusCompleted), outcome.Duration)
		c.metrics.RecordDelta()
	}
	log.Infof("action completed in %s", outcome.Duration.Round(time.Millisecond))
	return actionDone{action: action, outcome: outcome}
}

// skipEligible reports whether the action can be bypassed: a prior pipeline
// already completed the node and no upstream has produced a newer delta
// since, so its inputs are unchanged. Source nodes always run; their inputs
// are external and unknown to the core.
func (c *Coordinator) skipEligible(ctx context.Context, graph *Graph, action *PipelineAction) (bool, error) {
	if c.cfg.ForceFull {
		return false, nil
	}
	upstreams := graph.Upstream(action.TableName)
	if len(upstreams) == 0 {
		return false, nil
	}
	node := graph.Node(action.TableName)
	if node == nil || node.LastUpdatedAt == nil {
		return false, nil
	}

	for _, upstream := range upstreams {
		delta, err := c.ledger.Latest(ctx, upstream)
		if err != nil {
			return false, err
		}
		if delta == nil || !delta.CreatedAt.Before(*node.LastUpdatedAt) {
			return false, nil
		}
	}
	return true, nil
}

// cancelPending marks all not-yet-started actions skipped with a cancel
// reason. In-flight actions are left to finish or fail naturally.
func (c *Coordinator) cancelPending(
	ctx context.Context,
	actions []*PipelineAction,
	statuses map[string]ActionStatus,
	outcomes map[string]*ActionOutcome,
) error {
	for _, action := range actions {
		if statuses[action.TableName] != ActionStatusPending {
			continue
		}
		if err := c.machine.Skip(ctx, action, SkipReasonCancelled); err != nil {
			return err
		}
		statuses[action.TableName] = ActionStatusSkipped
		outcomes[action.TableName] = &ActionOutcome{
			NodeName:       action.TableName,
			ExecutionOrder: action.ExecutionOrder,
			Status:         ActionStatusSkipped,
			Error:          SkipReasonCancelled,
		}
	}
	c.logger.Warn("run cancelled, pending actions skipped")
	return nil
}

// upstreamStatuses snapshots the statuses of the action's direct dependencies
// that are part of this plan. Upstream nodes outside the plan were satisfied
// by earlier runs and do not gate execution.
func (c *Coordinator) upstreamStatuses(graph *Graph, nodeName string, statuses map[string]ActionStatus) []UpstreamStatus {
	var ups []UpstreamStatus
	for _, upstream := range graph.Upstream(nodeName) {
		if status, planned := statuses[upstream]; planned {
			ups = append(ups, UpstreamStatus{NodeName: upstream, Status: status})
		}
	}
	return ups
}

// backoff computes the exponential retry delay, capped at one minute.
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// buildResult assembles the aggregate run result, including the root-cause
// action and the downstream propagation path of failed and skipped actions.
func (c *Coordinator) buildResult(
	pipeline *Pipeline,
	graph *Graph,
	actions []*PipelineAction,
	statuses map[string]ActionStatus,
	outcomes map[string]*ActionOutcome,
) *RunResult {
	result := &RunResult{
		PipelineID: pipeline.ID,
		Status:     pipeline.Status,
	}

	for _, action := range actions {
		outcome := outcomes[action.TableName]
		if outcome == nil {
			outcome = &ActionOutcome{
				NodeName:       action.TableName,
				ExecutionOrder: action.ExecutionOrder,
				Status:         statuses[action.TableName],
			}
		}
		result.Actions = append(result.Actions, *outcome)

		result.Summary.Total++
		switch outcome.Status {
		case ActionStatusCompleted:
			result.Summary.Completed++
		case ActionStatusFailed:
			result.Summary.Failed++
		case ActionStatusSkipped:
			result.Summary.Skipped++
		default:
			result.Summary.Pending++
		}
	}

	// Root cause: the earliest action in plan order that failed on its own,
	// not because an upstream failed first.
	for i := range result.Actions {
		outcome := &result.Actions[i]
		if outcome.Status != ActionStatusFailed {
			continue
		}
		propagated := false
		for _, up := range graph.Upstream(outcome.NodeName) {
			if statuses[up] == ActionStatusFailed {
				propagated = true
				break
			}
		}
		if !propagated {
			result.RootCause = outcome
			break
		}
	}

	if result.RootCause != nil {
		result.FailurePath = c.failurePath(graph, result.RootCause.NodeName, statuses)
	}

	return result
}

// failurePath collects the downstream actions marked failed or skipped
// because of the root cause, in breadth-first order from it.
func (c *Coordinator) failurePath(graph *Graph, root string, statuses map[string]ActionStatus) []string {
	var path []string
	seen := map[string]bool{root: true}
	queue := []string{root}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, down := range graph.Downstream(name) {
			if seen[down] {
				continue
			}
			seen[down] = true
			if s, planned := statuses[down]; planned &&
				(s == ActionStatusFailed || s == ActionStatusSkipped) {
				path = append(path, down)
				queue = append(queue, down)
			}
		}
	}
	return path
}

func countActive(statuses map[string]ActionStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.IsTerminal() {
			n++
		}
	}
	return n
}

func statusValues(actions []*PipelineAction, statuses map[string]ActionStatus) []ActionStatus {
	values := make([]ActionStatus, 0, len(actions))
	for _, action := range actions {
		values = append(values, statuses[action.TableName])
	}
	return values
}
