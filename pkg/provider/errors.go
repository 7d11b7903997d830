package provider

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provider failure for the benefit of calling layers.
// The engine itself never retries; the class tells the caller whether
// re-invoking the whole run is worthwhile.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure such as a network
	// timeout or brief service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable failure such as
	// invalid attributes or permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a classified provider failure with resource and operation context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Kind is the resource kind of the failing provider.
	Kind string `json:"kind,omitempty"`

	// ResourceID is the identifier of the resource being operated on.
	ResourceID string `json:"resource_id,omitempty"`

	// Operation is the provider operation that failed (create/update/delete).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.ResourceID != "" && e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, e.Message, e.ResourceID, e.Operation)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithResource adds resource context to the error.
func (e *Error) WithResource(id string) *Error {
	e.ResourceID = id
	return e
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// NewTransientError creates a transient provider error.
func NewTransientError(kind, message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Kind: kind, Message: message, Err: err}
}

// NewThrottledError creates a throttled provider error.
func NewThrottledError(kind, message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Kind: kind, Message: message, Err: err}
}

// NewPermanentError creates a permanent provider error.
func NewPermanentError(kind, message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Kind: kind, Message: message, Err: err}
}

// IsRetryable reports whether the failure may succeed if the whole run is
// re-invoked. Transient and throttled failures are retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
	}
	return false
}
