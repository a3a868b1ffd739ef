package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zoobzio/clockz"
)

// RetryPolicy is immutable retry configuration
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable classifies errors worth retrying. Nil means
	// DefaultRetryableMatchers.
	Retryable []ErrorMatcher
}

// NewExponentialBackoff creates a policy with exponential delays
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int, retryable ...ErrorMatcher) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		Retryable:    retryable,
	}
}

// DefaultRetryPolicy retries transient errors up to 5 attempts
func DefaultRetryPolicy() RetryPolicy {
	return NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
}

// Validate checks the policy for nonsensical values
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: maxAttempts must be at least 1", ErrInvalidPolicy)
	case p.InitialDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns the wait before the retry that follows the given attempt
// (1-based): min(initial * multiplier^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	// Cap at max interval
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// IsRetryable classifies err under this policy
func (p RetryPolicy) IsRetryable(err error) bool {
	matchers := p.Retryable
	if matchers == nil {
		matchers = DefaultRetryableMatchers()
	}
	return isRetryableError(err, matchers)
}

// RetryObserver is told about every failed attempt that will be retried
type RetryObserver func(attempt int, delay time.Duration, err error)

// RetryManager executes operations with bounded retries, optionally gated
// by a circuit breaker
type RetryManager struct {
	breaker  *CircuitBreaker
	clock    clockz.Clock
	logger   *slog.Logger
	observer RetryObserver
	wait     func(ctx context.Context, d time.Duration) error
}

// RetryManagerOption configures the retry manager
type RetryManagerOption func(*RetryManager)

// WithRetryBreaker gates every attempt through the breaker
func WithRetryBreaker(cb *CircuitBreaker) RetryManagerOption {
	return func(m *RetryManager) {
		m.breaker = cb
	}
}

// WithRetryClock sets the clock used for delays
func WithRetryClock(clock clockz.Clock) RetryManagerOption {
	return func(m *RetryManager) {
		m.clock = clock
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryManagerOption {
	return func(m *RetryManager) {
		m.logger = logger
	}
}

// WithRetryObserver registers a callback for scheduled retries
func WithRetryObserver(observer RetryObserver) RetryManagerOption {
	return func(m *RetryManager) {
		m.observer = observer
	}
}

// NewRetryManager creates a new retry manager
func NewRetryManager(options ...RetryManagerOption) *RetryManager {
	m := &RetryManager{
		clock:  clockz.RealClock,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.wait == nil {
		m.wait = m.sleep
	}
	return m
}

// Breaker returns the gating breaker, if any
func (m *RetryManager) Breaker() *CircuitBreaker {
	return m.breaker
}

// ExecuteWithRetry runs op until it succeeds, fails with a non-retryable
// error, or policy.MaxAttempts is reached.
//
// Non-retryable errors are returned unchanged. Exhaustion returns a
// *RetryExhaustedError. When the breaker refuses an attempt a
// *CircuitOpenError is returned at once without consuming an attempt.
// Delays end early when ctx is cancelled.
func (m *RetryManager) ExecuteWithRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	start := m.clock.Now()
	var history []AttemptRecord
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.breaker != nil {
			if err := m.breaker.Allow(); err != nil {
				return err
			}
		}

		err := op(ctx, attempt)
		if m.breaker != nil {
			m.breaker.Record(err)
		}
		if err == nil {
			return nil
		}

		lastErr = err
		history = append(history, AttemptRecord{
			Attempt:   attempt,
			Timestamp: m.clock.Now(),
			Error:     err.Error(),
		})

		// Timeouts caused by our own cancellation are not worth retrying
		if ctx.Err() != nil {
			return err
		}

		if !policy.IsRetryable(err) {
			return err
		}

		if attempt >= policy.MaxAttempts {
			return &RetryExhaustedError{
				Attempts:    attempt,
				MaxAttempts: policy.MaxAttempts,
				LastError:   lastErr,
				History:     history,
				Duration:    m.clock.Since(start),
			}
		}

		delay := policy.Delay(attempt)
		m.logger.Debug("Retrying operation",
			"attempt", attempt,
			"maxAttempts", policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if m.observer != nil {
			m.observer(attempt, delay, err)
		}

		if err := m.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// sleep waits for d or until ctx is done
func (m *RetryManager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-m.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn under policy without a breaker
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return NewRetryManager().ExecuteWithRetry(ctx, policy, func(context.Context, int) error {
		return fn()
	})
}
