// Package errors provides the eventcore error taxonomy and retry strategies.
//
// The package implements a layered error handling approach:
//   - Classification: every failure maps to a Kind that decides its handling
//   - Typed errors: queue capacity, validation, timeout and isolation failures
//   - Retry: fixed, linear or exponential backoff with bounded jitter
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind represents how an error should be handled.
type Kind int

const (
	// KindPermanent indicates retry won't help. Unknown errors land here.
	KindPermanent Kind = iota

	// KindCapacity indicates a bounded resource rejected the request.
	// Examples: queue full. Rejected synchronously, never queued.
	KindCapacity

	// KindValidation indicates a malformed payload or configuration.
	// Rejected synchronously, never retried.
	KindValidation

	// KindTransient indicates retry will likely help.
	KindTransient

	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout

	// KindTerminal indicates retries were exhausted.
	KindTerminal

	// KindIsolation indicates the call was short-circuited by an open
	// circuit or a tripped error boundary.
	KindIsolation
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindCapacity:
		return "capacity"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindTerminal:
		return "terminal"
	case KindIsolation:
		return "isolation"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its kind and context.
type ClassifiedError struct {
	// Err is the underlying error.
	Err error

	// Kind indicates how this error should be handled.
	Kind Kind

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Op describes what operation was being attempted.
	Op string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v (kind: %s, attempts: %d)", e.Op, e.Err, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%v (kind: %s, attempts: %d)", e.Err, e.Kind, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with an explicit kind.
func Classify(err error, kind Kind, op string) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: kind, Op: op}
}

// Transient marks err as retryable.
func Transient(err error, op string) *ClassifiedError {
	return Classify(err, KindTransient, op)
}

// Permanent marks err as not retryable.
func Permanent(err error, op string) *ClassifiedError {
	return Classify(err, KindPermanent, op)
}

// KindOf determines how an error should be handled.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var full *QueueFullError
	if errors.As(err, &full) {
		return KindCapacity
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return KindIsolation
	}
	var isoErr *IsolationError
	if errors.As(err, &isoErr) {
		return KindIsolation
	}

	var dlErr *DeadLetterError
	if errors.As(err, &dlErr) {
		return KindTerminal
	}

	return KindPermanent
}

// IsRetryable reports whether the error should be retried under the
// default policy: transient and timeout failures retry, everything else
// surfaces immediately.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// IsIsolation reports whether err came from an open circuit or tripped boundary.
func IsIsolation(err error) bool {
	return KindOf(err) == KindIsolation
}
