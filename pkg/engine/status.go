package engine

import (
	"encoding/json"
	"fmt"
)

// ActionStatus represents the status of a single pipeline action.
type ActionStatus string

const (
	// ActionStatusPending indicates the action is waiting to execute.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusRunning indicates the action is currently executing.
	ActionStatusRunning ActionStatus = "running"

	// ActionStatusCompleted indicates the action completed successfully.
	ActionStatusCompleted ActionStatus = "completed"

	// ActionStatusFailed indicates the action failed, either directly or
	// because an upstream action failed.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates the action was bypassed: a prior attempt
	// already completed it with unchanged inputs, or the run was cancelled.
	ActionStatusSkipped ActionStatus = "skipped"
)

// IsTerminal returns true if the action status represents a final state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed || s == ActionStatusSkipped
}

// IsActive returns true if the action is pending or running.
func (s ActionStatus) IsActive() bool {
	return s == ActionStatusPending || s == ActionStatusRunning
}

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusRunning, ActionStatusCompleted,
		ActionStatusFailed, ActionStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// actionTransitions enumerates the legal status transitions. Running back to
// pending is the crash-recovery path: a RUNNING action found without a live
// execution is reset before retry.
var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionStatusPending: {ActionStatusRunning, ActionStatusFailed, ActionStatusSkipped},
	ActionStatusRunning: {ActionStatusCompleted, ActionStatusFailed, ActionStatusPending},
}

// CanTransition reports whether moving an action from one status to another
// is legal under the execution state machine.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range actionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PipelineStatus represents the aggregate status of a pipeline run.
type PipelineStatus string

const (
	// PipelineStatusPending indicates no action has started yet.
	PipelineStatusPending PipelineStatus = "pending"

	// PipelineStatusRunning indicates the pipeline has unfinished actions.
	PipelineStatusRunning PipelineStatus = "running"

	// PipelineStatusCompleted indicates all actions completed or were skipped.
	PipelineStatusCompleted PipelineStatus = "completed"

	// PipelineStatusFailed indicates at least one action failed and no
	// further progress is possible.
	PipelineStatusFailed PipelineStatus = "failed"
)

// IsTerminal returns true if the pipeline status represents a final state.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusCompleted || s == PipelineStatusFailed
}

// IsActive returns true if the pipeline is pending or running.
func (s PipelineStatus) IsActive() bool {
	return s == PipelineStatusPending || s == PipelineStatusRunning
}

// Validate checks if the pipeline status is valid.
func (s PipelineStatus) Validate() error {
	switch s {
	case PipelineStatusPending, PipelineStatusRunning, PipelineStatusCompleted, PipelineStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid pipeline status: %s", s)
	}
}

// AggregateStatus derives the pipeline status from its action statuses.
// The pipeline is pending until the first action starts, running while any
// action can still make progress, completed when every action completed or
// was skipped, and failed once any action failed with nothing left to run.
func AggregateStatus(statuses []ActionStatus) PipelineStatus {
	if len(statuses) == 0 {
		return PipelineStatusPending
	}

	var failed, active, started int
	for _, s := range statuses {
		switch {
		case s == ActionStatusFailed:
			failed++
		case s.IsActive():
			active++
		}
		if s != ActionStatusPending {
			started++
		}
	}

	switch {
	case active > 0 && started == 0:
		return PipelineStatusPending
	case active > 0:
		return PipelineStatusRunning
	case failed > 0:
		return PipelineStatusFailed
	default:
		return PipelineStatusCompleted
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *ActionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ActionStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *PipelineStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PipelineStatus(str)
	return s.Validate()
}
