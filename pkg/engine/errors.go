package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a provider error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry, such as a network timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a remote state conflict, such as a
	// concurrent modification detected by the provider.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error, such as a
	// validation failure or permission denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProviderError is a classified error returned from a provider call.
type ProviderError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Addr is the resource address the error relates to, if any.
	Addr string `json:"addr,omitempty"`

	// Operation is the provider operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Addr != "" {
		fmt.Fprintf(&b, " (addr=%s", e.Addr)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", op=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches provider errors by class.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithAddr attaches a resource address to the error.
func (e *ProviderError) WithAddr(addr Addr) *ProviderError {
	e.Addr = addr.String()
	return e
}

// WithOperation attaches the provider operation to the error.
func (e *ProviderError) WithOperation(op string) *ProviderError {
	e.Operation = op
	return e
}

// NewTransientError creates a transient provider error.
func NewTransientError(message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a throttled provider error.
func NewThrottledError(message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a conflict provider error.
func NewConflictError(message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a permanent provider error.
func NewPermanentError(message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// IsRetryable reports whether the error may succeed on retry.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	var e *ProviderError
	if errors.As(err, &e) {
		return e.Class != ErrorClassPermanent
	}
	return false
}

// IsThrottled reports whether the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *ProviderError
	return errors.As(err, &e) && e.Class == ErrorClassThrottled
}

// IsConflict reports whether the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *ProviderError
	return errors.As(err, &e) && e.Class == ErrorClassConflict
}

// CycleError is returned by the graph builder when the dependency graph
// contains a cycle. Path holds the addresses forming the cycle, in order,
// with the first address repeated at the end.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// UnresolvedReferenceError is returned when an attribute expression
// references a node or output that does not exist.
type UnresolvedReferenceError struct {
	// Referrer is the address of the node containing the reference.
	Referrer string

	// Target is the reference that could not be resolved.
	Target string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s references unknown %s", e.Referrer, e.Target)
}

// DependencyExistsError is returned when a destroy is attempted on a node
// whose attributes are still referenced by another live state record.
type DependencyExistsError struct {
	// Addr is the node being destroyed.
	Addr string

	// Referrers are the addresses whose records still reference Addr.
	Referrers []string
}

// Error implements the error interface.
func (e *DependencyExistsError) Error() string {
	return fmt.Sprintf("cannot destroy %s: still referenced by %s",
		e.Addr, strings.Join(e.Referrers, ", "))
}

// PreventDestroyError is returned when a plan would destroy or replace a
// node whose lifecycle sets prevent_destroy.
type PreventDestroyError struct {
	Addr string
}

// Error implements the error interface.
func (e *PreventDestroyError) Error() string {
	return fmt.Sprintf("%s has prevent_destroy set and cannot be destroyed", e.Addr)
}
