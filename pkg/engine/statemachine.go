package engine

import (
	"context"
	"fmt"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// StateMachine applies action status transitions through the store's
// compare-and-set primitive. Two concurrent attempts to start the same action
// cannot both win: only the one that observes the expected current status
// performs the write.
type StateMachine struct {
	store  Store
	logger *telemetry.Logger
}

// NewStateMachine creates a new execution state machine.
func NewStateMachine(store Store, logger *telemetry.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		logger: logger.NewComponentLogger("state-machine"),
	}
}

// UpstreamStatus is a point-in-time view of one upstream action, taken by
// the caller that owns the status bookkeeping.
type UpstreamStatus struct {
	NodeName string
	Status   ActionStatus
}

// Start moves an action from pending to running. It is only legal when every
// upstream action is in a terminal, non-failed state. When an upstream has
// failed the action is marked failed itself and an UPSTREAM_FAILED error is
// returned: failure propagates downstream rather than being silently skipped.
func (m *StateMachine) Start(ctx context.Context, action *PipelineAction, upstreams []UpstreamStatus) error {
	for _, up := range upstreams {
		if up.Status == ActionStatusFailed {
			msg := fmt.Sprintf("upstream action %s failed", up.NodeName)
			if _, err := m.transition(ctx, action, ActionStatusPending, ActionStatusFailed, &msg); err != nil {
				return err
			}
			return NewPermanentError(msg, nil).
				WithCode(ErrCodeUpstreamFailed).
				WithNode(action.TableName)
		}
		if !up.Status.IsTerminal() {
			return NewPermanentError(
				fmt.Sprintf("upstream action %s is not terminal (%s)", up.NodeName, up.Status),
				nil,
			).WithCode(ErrCodeConflict).WithNode(action.TableName)
		}
	}

	won, err := m.transition(ctx, action, ActionStatusPending, ActionStatusRunning, nil)
	if err != nil {
		return err
	}
	if !won {
		return NewPermanentError(
			fmt.Sprintf("action %s is no longer pending", action.TableName),
			nil,
		).WithCode(ErrCodeConflict).WithNode(action.TableName)
	}
	return nil
}

// Complete moves a running action to completed.
func (m *StateMachine) Complete(ctx context.Context, action *PipelineAction) error {
	won, err := m.transition(ctx, action, ActionStatusRunning, ActionStatusCompleted, nil)
	if err != nil {
		return err
	}
	if !won {
		return NewPermanentError(
			fmt.Sprintf("action %s is not running", action.TableName),
			nil,
		).WithCode(ErrCodeConflict).WithNode(action.TableName)
	}
	return nil
}

// Fail moves a running action to failed, recording the error message.
func (m *StateMachine) Fail(ctx context.Context, action *PipelineAction, message string) error {
	won, err := m.transition(ctx, action, ActionStatusRunning, ActionStatusFailed, &message)
	if err != nil {
		return err
	}
	if !won {
		return NewPermanentError(
			fmt.Sprintf("action %s is not running", action.TableName),
			nil,
		).WithCode(ErrCodeConflict).WithNode(action.TableName)
	}
	return nil
}

// Skip moves a pending action directly to skipped, recording the reason.
func (m *StateMachine) Skip(ctx context.Context, action *PipelineAction, reason string) error {
	won, err := m.transition(ctx, action, ActionStatusPending, ActionStatusSkipped, &reason)
	if err != nil {
		return err
	}
	if !won {
		return NewPermanentError(
			fmt.Sprintf("action %s is no longer pending", action.TableName),
			nil,
		).WithCode(ErrCodeConflict).WithNode(action.TableName)
	}
	return nil
}

// ResetStale returns running actions to pending. Used on resume: a RUNNING
// action found without a live execution is treated as crashed and retried.
func (m *StateMachine) ResetStale(ctx context.Context, actions []*PipelineAction) error {
	for _, action := range actions {
		if action.Status != ActionStatusRunning {
			continue
		}
		m.logger.WithField("node", action.TableName).
			Warn("resetting stale running action for retry")
		if _, err := m.transition(ctx, action, ActionStatusRunning, ActionStatusPending, nil); err != nil {
			return err
		}
	}
	return nil
}

// transition validates legality, performs the store compare-and-set, and
// mirrors the result into the in-memory action on success.
func (m *StateMachine) transition(ctx context.Context, action *PipelineAction, from, to ActionStatus, errMsg *string) (bool, error) {
	if !CanTransition(from, to) {
		return false, NewPermanentError(
			fmt.Sprintf("illegal transition %s -> %s", from, to),
			nil,
		).WithCode(ErrCodeInternal).WithNode(action.TableName)
	}

	won, err := m.store.TransitionAction(ctx, action.ID, from, to, errMsg)
	if err != nil {
		return false, NewStoreError("transition action", err)
	}
	if won {
		action.Status = to
		action.ErrorMessage = errMsg
		m.logger.WithField("node", action.TableName).
			Debugf("action %s -> %s", from, to)
	}
	return won, nil
}
