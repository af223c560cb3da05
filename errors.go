package graphflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/graphflow/retry"
)

// Error type constants used for classification, history records and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeStructural is reported by the validator only
	ErrorTypeStructural = "structural"

	// ErrorTypeConfiguration is fatal to an instance and never retried
	ErrorTypeConfiguration = "configuration"

	// ErrorTypeNodeExecution is recoverable via skip or error edges
	ErrorTypeNodeExecution = "node_execution"

	// ErrorTypeTimeout marks a node or instance that exceeded its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCancellation is terminal and never retried
	ErrorTypeCancellation = "cancellation"

	// ErrorTypeRouting means no outgoing edge could be selected
	ErrorTypeRouting = "routing"

	// ErrorTypeLoopLimit means a loop or the whole walk ran past its bound
	ErrorTypeLoopLimit = "loop_limit"

	// ErrorTypeTransient matches timeouts and errors that usually clear up
	// on their own. It is a pattern for MatchesErrorType, never a
	// classification.
	ErrorTypeTransient = "transient"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDefinitionNotDraft = errors.New("definition is not a draft")
	ErrDefinitionDisabled = errors.New("definition is disabled")
	ErrVersionConflict    = errors.New("snapshot version already exists")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceRunning    = errors.New("instance is already running")
	ErrNotResumable       = errors.New("instance cannot be resumed")
)

// StructuralError describes one problem found by Validate
type StructuralError struct {
	Code    string `json:"code"`
	NodeKey string `json:"node_key,omitempty"`
	Message string `json:"message"`
}

func (e *StructuralError) Error() string {
	if e.NodeKey != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Code, e.NodeKey, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError carries every structural error found in a graph
type ValidationError struct {
	Errors []*StructuralError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid graph (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// ConfigurationError is raised for unknown node types, unusable node
// configuration or a broken snapshot. It is fatal to the instance.
type ConfigurationError struct {
	NodeKey  string
	NodeType NodeType
	Cause    string
	Wrapped  error
}

func (e *ConfigurationError) Error() string {
	if e.NodeKey != "" {
		return fmt.Sprintf("configuration error: node %q (%s): %s", e.NodeKey, e.NodeType, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Cause)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Wrapped
}

// NewConfigurationError returns a ConfigurationError with a formatted cause
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Cause: fmt.Sprintf(format, args...)}
}

// NodeExecutionError wraps a failure returned by a node executor
type NodeExecutionError struct {
	NodeKey  string
	NodeType NodeType
	Attempt  int
	Wrapped  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed: %v", e.NodeKey, e.NodeType, e.Wrapped)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Wrapped
}

// TimeoutError is returned when a node call or the whole instance exceeds
// its deadline.
type TimeoutError struct {
	NodeKey  string
	Timeout  time.Duration
	Instance bool
}

func (e *TimeoutError) Error() string {
	if e.Instance {
		return fmt.Sprintf("instance timed out at node %q", e.NodeKey)
	}
	return fmt.Sprintf("node %q timed out after %s", e.NodeKey, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// CancellationError is returned once an instance has been cancelled
type CancellationError struct {
	NodeKey string
}

func (e *CancellationError) Error() string {
	if e.NodeKey == "" {
		return "instance cancelled"
	}
	return fmt.Sprintf("instance cancelled at node %q", e.NodeKey)
}

func (e *CancellationError) Unwrap() error {
	return context.Canceled
}

// RoutingError means a node finished but none of its outgoing edges matched
type RoutingError struct {
	NodeKey string
	Message string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error at node %q: %s", e.NodeKey, e.Message)
}

// LoopLimitError means a loop exceeded maxIterations, or the walk as a
// whole exceeded the engine step limit.
type LoopLimitError struct {
	NodeKey string
	Limit   int
	Steps   bool
}

func (e *LoopLimitError) Error() string {
	if e.Steps {
		return fmt.Sprintf("step limit %d exceeded at node %q", e.Limit, e.NodeKey)
	}
	return fmt.Sprintf("node %q exceeded %d iterations", e.NodeKey, e.Limit)
}

// FailureCause is the persisted, user-facing summary of a fatal error
type FailureCause struct {
	NodeKey string `json:"node_key,omitempty"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorType returns the classification string for an error
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var (
		structErr  *StructuralError
		validErr   *ValidationError
		configErr  *ConfigurationError
		timeoutErr *TimeoutError
		cancelErr  *CancellationError
		routeErr   *RoutingError
		loopErr    *LoopLimitError
	)
	switch {
	case errors.As(err, &cancelErr):
		return ErrorTypeCancellation
	case errors.As(err, &timeoutErr):
		return ErrorTypeTimeout
	case errors.As(err, &configErr):
		return ErrorTypeConfiguration
	case errors.As(err, &routeErr):
		return ErrorTypeRouting
	case errors.As(err, &loopErr):
		return ErrorTypeLoopLimit
	case errors.As(err, &structErr), errors.As(err, &validErr):
		return ErrorTypeStructural
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeNodeExecution
	}
}

// IsFatal reports whether an error must terminate the instance regardless
// of skip or error-edge configuration.
func IsFatal(err error) bool {
	switch ErrorType(err) {
	case ErrorTypeConfiguration, ErrorTypeCancellation, ErrorTypeRouting,
		ErrorTypeLoopLimit, ErrorTypeStructural:
		return true
	}
	return false
}

// ClassifyError converts an error into a FailureCause
func ClassifyError(err error) *FailureCause {
	if err == nil {
		return nil
	}
	cause := &FailureCause{Type: ErrorType(err), Message: err.Error()}
	var (
		configErr  *ConfigurationError
		execErr    *NodeExecutionError
		timeoutErr *TimeoutError
		cancelErr  *CancellationError
		routeErr   *RoutingError
		loopErr    *LoopLimitError
	)
	switch {
	case errors.As(err, &cancelErr):
		cause.NodeKey = cancelErr.NodeKey
	case errors.As(err, &timeoutErr):
		cause.NodeKey = timeoutErr.NodeKey
	case errors.As(err, &configErr):
		cause.NodeKey = configErr.NodeKey
	case errors.As(err, &routeErr):
		cause.NodeKey = routeErr.NodeKey
	case errors.As(err, &loopErr):
		cause.NodeKey = loopErr.NodeKey
	case errors.As(err, &execErr):
		cause.NodeKey = execErr.NodeKey
	}
	return cause
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	t := ErrorType(err)
	// Fatal errors are only matched by their own type
	if IsFatal(err) {
		return errorType == t
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeTransient:
		return t == ErrorTypeTimeout || retry.IsRecoverable(err)
	default:
		return t == errorType
	}
}
