package aiflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
)

// Error types used to classify failures.
const (
	// ErrorTypeValidation is a bad input: empty prompt, unknown backend or
	// workflow, malformed parameters. Never retried.
	ErrorTypeValidation = "validation"

	// ErrorTypeBackendUnavailable means the backend's circuit is open.
	ErrorTypeBackendUnavailable = "backend_unavailable"

	// ErrorTypeTimeout matches a deadline exceeded error.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeBackendFailed is the default for unknown errors.
	ErrorTypeBackendFailed = "backend_failed"

	// ErrorTypeFallbackFailed means both the primary and fallback models
	// failed.
	ErrorTypeFallbackFailed = "fallback_failed"

	// ErrorTypePermissionDenied means the autonomy level does not permit an
	// operation. Never retried.
	ErrorTypePermissionDenied = "permission_denied"

	// ErrorTypeCanceled means the caller canceled the context.
	ErrorTypeCanceled = "canceled"
)

var (
	// ErrUnknownWorkflow is returned when a workflow name is not registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidParams is returned when workflow parameters fail to decode
	// or validate.
	ErrInvalidParams = errors.New("invalid workflow parameters")
)

// WorkflowError is a classified error. It supports errors.Is and errors.As
// through Unwrap.
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a WorkflowError with the given type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: cause}
}

// ClassifyError maps err onto the error taxonomy. An existing WorkflowError
// anywhere in the chain is returned as is; unrecognized errors are
// classified as backend failures.
func ClassifyError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var fallbackErr *backend.FallbackError
	var errorType string
	switch {
	case errors.Is(err, permission.ErrPermissionDenied):
		errorType = ErrorTypePermissionDenied
	case errors.Is(err, backend.ErrEmptyPrompt),
		errors.Is(err, backend.ErrUnsupportedBackend),
		errors.Is(err, ErrUnknownWorkflow),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrNotRecord),
		errors.Is(err, ErrNotNumber):
		errorType = ErrorTypeValidation
	case errors.Is(err, backend.ErrBackendUnavailable):
		errorType = ErrorTypeBackendUnavailable
	case errors.As(err, &fallbackErr):
		errorType = ErrorTypeFallbackFailed
	case errors.Is(err, context.DeadlineExceeded):
		errorType = ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		errorType = ErrorTypeCanceled
	default:
		errorType = ErrorTypeBackendFailed
	}
	return &WorkflowError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// IsRetryable reports whether retrying the operation that produced err could
// succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyError(err).Type {
	case ErrorTypeTimeout, ErrorTypeBackendFailed, ErrorTypeFallbackFailed:
		return true
	default:
		return false
	}
}

// MatchesErrorType reports whether err classifies as errorType.
func MatchesErrorType(err error, errorType string) bool {
	return err != nil && ClassifyError(err).Type == errorType
}
