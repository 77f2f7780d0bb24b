package rpcerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers are expected to branch on with
// errors.Is.
var (
	// ErrPoolTimeout is returned when the connection pool could not grant a
	// checkout within the caller's deadline. The pool is exhausted, not
	// broken; callers should back off and retry later.
	ErrPoolTimeout = errors.New("connection pool checkout timed out")

	// ErrCircuitOpen is returned when the circuit breaker rejects an
	// operation before any connection is acquired or network call is made.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ConnectionError signals that a wire connection could not be established
// or died underneath us.
type ConnectionError struct {
	URL string
	Err error
}

func NewConnectionError(url string, err error) *ConnectionError {
	return &ConnectionError{URL: url, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError signals malformed call arguments. It is a programming or
// input error and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OperationError wraps the last failure of an RPC operation after all retry
// attempts were exhausted.
type OperationError struct {
	Method   string
	Attempts int
	Err      error
}

func NewOperationError(method string, attempts int, err error) *OperationError {
	return &OperationError{Method: method, Attempts: attempts, Err: err}
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.Method, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error may succeed on a later attempt.
// Validation failures and breaker rejections never do; pool exhaustion is
// surfaced to the caller instead of being retried on the spot.
func IsRetryable(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrPoolTimeout) {
		return false
	}
	return true
}
