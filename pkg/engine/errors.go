package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error for retry and propagation decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: executor timeouts, temporary store unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: invalid declarations, cyclic dependencies, upstream failures.
	ErrorClassPermanent ErrorClass = "permanent"
)

// PipelineError is a classified error carrying the node and error code context
// needed to report validation and execution failures back to the caller.
type PipelineError struct {
	// Class is the error classification used by the retry policy.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node name that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Nodes lists all participating nodes when the error involves several,
	// such as the members of a dependency cycle.
	Nodes []string `json:"nodes,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Node != "" {
		fmt.Fprintf(&sb, " (node=%s)", e.Node)
	}
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&sb, " (nodes=%s)", strings.Join(e.Nodes, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewStoreError wraps a persistence-layer failure. Store failures abort the
// current run attempt but leave durable state intact, so they are transient
// from the caller's point of view.
func NewStoreError(operation string, err error) *PipelineError {
	return &PipelineError{
		Class:   ErrorClassTransient,
		Message: fmt.Sprintf("store operation %s failed", operation),
		Code:    ErrCodeStoreUnavailable,
		Err:     err,
	}
}

// WithCode adds an error code to an error.
func (e *PipelineError) WithCode(code string) *PipelineError {
	e.Code = code
	return e
}

// WithNode adds node context to an error.
func (e *PipelineError) WithNode(node string) *PipelineError {
	e.Node = node
	return e
}

// WithNodes adds the full participating node set to an error.
func (e *PipelineError) WithNodes(nodes []string) *PipelineError {
	e.Nodes = nodes
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried by the run coordinator.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// classOf returns the classification of an error. Unclassified errors are
// treated as permanent.
func classOf(err error) ErrorClass {
	if IsTransient(err) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// ErrorCode extracts the code from a classified error, or "" for plain errors.
func ErrorCode(err error) string {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeUnknownNodeReference = "UNKNOWN_NODE_REFERENCE"
	ErrCodeDuplicateNode        = "DUPLICATE_NODE"
	ErrCodeCyclicDependency     = "CYCLIC_DEPENDENCY"
	ErrCodeUpstreamFailed       = "UPSTREAM_FAILED"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeExecutorFailed       = "EXECUTOR_FAILED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeCancelled            = "CANCELLED"
)
