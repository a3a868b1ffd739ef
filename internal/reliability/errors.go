package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
	ErrInvalidPolicy      = errors.New("retry: invalid policy")
)

// CircuitOpenError is returned when a breaker refuses an execution.
// It is synthetic and never counted as a failure against the breaker.
type CircuitOpenError struct {
	Breaker  string
	State    State
	OpenedAt time.Time
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %q half-open: trial request already in flight", e.Breaker)
	}
	return fmt.Sprintf("circuit breaker %q open since %s, next trial at %s",
		e.Breaker, e.OpenedAt.Format(time.RFC3339), e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// AttemptRecord describes one failed attempt made by the retry manager
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// RetryExhaustedError wraps the last error after all attempts failed
type RetryExhaustedError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	History     []AttemptRecord
	Duration    time.Duration
}

func (e *RetryExhaustedError) Error() string {
	op := e.Op
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("retry exhausted: %s failed after %d/%d attempts over %v: %v",
		op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// PermanentError marks an error that must never be retried
type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable always reports false
func (e *PermanentError) IsRetryable() bool {
	return false
}

// Permanent wraps err so that it is routed straight to the dead-letter path
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Kind: "permanent", Err: err}
}

// IsPermanent reports whether err carries a *PermanentError. Such errors
// describe the payload, not the destination.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// NewValidationError creates a permanent validation error
func NewValidationError(format string, args ...interface{}) error {
	return &PermanentError{Kind: "validation", Err: fmt.Errorf(format, args...)}
}

// IsValidationError reports whether err is a validation failure
func IsValidationError(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) && p.Kind == "validation"
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
