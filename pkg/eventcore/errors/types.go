package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for lifecycle and lookup failures.
var (
	// ErrNotInitialized indicates the component has not been initialized.
	ErrNotInitialized = errors.New("not initialized")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrShuttingDown indicates the component is shutting down.
	ErrShuttingDown = errors.New("shutting down")

	// ErrInvalidHandler indicates a handler does not satisfy the integration contract.
	ErrInvalidHandler = errors.New("invalid integration handler")

	// ErrHandlerNotFound indicates no integration is registered under a name.
	ErrHandlerNotFound = errors.New("integration handler not found")

	// ErrNotFound indicates a lookup by id failed.
	ErrNotFound = errors.New("not found")
)

// QueueFullError is returned when a push would exceed the queue capacity.
type QueueFullError struct {
	MaxSize   int
	Size      int
	Requested int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %d queued, %d requested, max %d", e.Size, e.Requested, e.MaxSize)
}

// ValidationError describes a malformed payload or configuration.
type ValidationError struct {
	// Subject is what was validated (an event type, a config section).
	Subject string

	// Errors lists every problem found.
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("validation failed for %s", e.Subject)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, strings.Join(e.Errors, "; "))
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

// CircuitOpenError is returned when a circuit breaker rejects a call.
type CircuitOpenError struct {
	Name       string
	State      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %q is %s, retry after %s", e.Name, e.State, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsolationError is returned when an error boundary has isolated its target.
type IsolationError struct {
	Boundary string
	Err      error
}

func (e *IsolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("boundary %q isolated: %v", e.Boundary, e.Err)
	}
	return fmt.Sprintf("boundary %q isolated", e.Boundary)
}

func (e *IsolationError) Unwrap() error {
	return e.Err
}

// DeadLetterError reports an item that exhausted its retries.
type DeadLetterError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("item %s dead-lettered after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}
