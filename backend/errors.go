package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyPrompt is returned when a request has no prompt text.
	ErrEmptyPrompt = errors.New("prompt must not be empty")

	// ErrUnsupportedBackend matches any *UnsupportedBackendError.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrBackendUnavailable matches any *UnavailableError.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// UnsupportedBackendError names a backend the dispatcher does not know.
type UnsupportedBackendError struct {
	Name string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend: %q", e.Name)
}

func (e *UnsupportedBackendError) Is(target error) bool {
	return target == ErrUnsupportedBackend
}

// UnavailableError is returned without invoking the backend when its
// circuit is open.
type UnavailableError struct {
	Backend Backend
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %s circuit is open", e.Backend)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// ExecutionError wraps a failed backend invocation.
type ExecutionError struct {
	Backend Backend
	Model   string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s) failed: %v", e.Backend, e.Model, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Backend, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// FallbackError is returned when both the primary and the fallback model
// failed. Both underlying errors are preserved.
type FallbackError struct {
	Backend  Backend
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	var b strings.Builder
	b.WriteString("both primary and fallback models failed:\n")
	fmt.Fprintf(&b, "primary: %v\n", e.Primary)
	fmt.Fprintf(&b, "fallback: %v", e.Fallback)
	return b.String()
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// IsQuotaError reports whether err looks like a quota or rate limit
// failure. It is the only place where error text is inspected to choose a
// retry path.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit")
}
