package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

// newRecordingManager returns a manager whose delays are recorded instead of slept
func newRecordingManager(delays *[]time.Duration, options ...RetryManagerOption) *RetryManager {
	m := NewRetryManager(options...)
	m.wait = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	return m
}

var errTransient = RetryableError{Err: errors.New("connection reset"), Retryable: true}

func TestRetryPolicy(t *testing.T) {
	t.Run("delays grow exponentially and are capped", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 10)

		assert.Equal(t, 100*time.Millisecond, p.Delay(1))
		assert.Equal(t, 200*time.Millisecond, p.Delay(2))
		assert.Equal(t, 400*time.Millisecond, p.Delay(3))
		assert.Equal(t, 800*time.Millisecond, p.Delay(4))
		assert.Equal(t, time.Second, p.Delay(5))
		assert.Equal(t, time.Second, p.Delay(9))
	})

	t.Run("validates configuration", func(t *testing.T) {
		assert.ErrorIs(t, RetryPolicy{MaxAttempts: 0, Multiplier: 2}.Validate(), ErrInvalidPolicy)
		assert.ErrorIs(t, RetryPolicy{MaxAttempts: 1, Multiplier: 0.5}.Validate(), ErrInvalidPolicy)
		assert.NoError(t, DefaultRetryPolicy().Validate())
	})

	t.Run("classifies errors", func(t *testing.T) {
		p := DefaultRetryPolicy()

		assert.True(t, p.IsRetryable(context.DeadlineExceeded))
		assert.True(t, p.IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
		assert.True(t, p.IsRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
		assert.True(t, p.IsRetryable(errors.New("HTTP 429 Too Many Requests")))
		assert.True(t, p.IsRetryable(errors.New("Deadlock found when trying to get lock")))
		assert.False(t, p.IsRetryable(errors.New("invalid payload")))
		assert.False(t, p.IsRetryable(NewValidationError("missing field %q", "actor")))
		assert.False(t, p.IsRetryable(Permanent(errors.New("timeout but permanent"))))
		assert.False(t, p.IsRetryable(&CircuitOpenError{Breaker: "x"}))
	})

	t.Run("status codes and lock words match whole tokens only", func(t *testing.T) {
		p := DefaultRetryPolicy()

		assert.True(t, p.IsRetryable(errors.New("upstream returned HTTP 429")))
		assert.True(t, p.IsRetryable(errors.New("SQLITE_BUSY: database table is locked")))
		assert.True(t, p.IsRetryable(errors.New("device or resource busy")))
		assert.False(t, p.IsRetryable(errors.New("order 14290 not found")))
		assert.False(t, p.IsRetryable(errors.New("invalid image busybox:latest")))
		assert.False(t, IsRateLimited(errors.New("user 4291 rejected")))
		assert.False(t, IsLockContention(errors.New("busybody field is required")))
	})

	t.Run("custom matchers replace the defaults", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 3, MatchCode("E_BUSY"))

		assert.True(t, p.IsRetryable(codedError("E_BUSY")))
		assert.False(t, p.IsRetryable(codedError("E_AUTH")))
		assert.False(t, p.IsRetryable(context.DeadlineExceeded))
	})
}

type codedError string

func (c codedError) Error() string { return "coded: " + string(c) }
func (c codedError) Code() string  { return string(c) }

func TestRetryManager(t *testing.T) {
	policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 4)

	t.Run("returns nil on first success", func(t *testing.T) {
		var delays []time.Duration
		m := newRecordingManager(&delays)

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, delays)
	})

	t.Run("backs off 100, 200, 400 and never makes a fifth attempt", func(t *testing.T) {
		var delays []time.Duration
		m := newRecordingManager(&delays)

		var attempts []int
		err := m.ExecuteWithRetry(context.Background(), policy, func(_ context.Context, attempt int) error {
			attempts = append(attempts, attempt)
			return errTransient
		})

		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 4, exhausted.Attempts)
		assert.Len(t, exhausted.History, 4)
		assert.Equal(t, []int{1, 2, 3, 4}, attempts)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
		assert.ErrorIs(t, err, errTransient.Err)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var delays []time.Duration
		m := newRecordingManager(&delays)

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, delays, 2)
	})

	t.Run("fails immediately on non-retryable errors", func(t *testing.T) {
		var delays []time.Duration
		m := newRecordingManager(&delays)
		validation := NewValidationError("bad record")

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			return validation
		})

		assert.Same(t, validation, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, delays)
	})

	t.Run("fails fast without consuming attempts when the breaker is open", func(t *testing.T) {
		var delays []time.Duration
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithMinimumThroughput(1))
		cb.ForceOpen("test")
		m := newRecordingManager(&delays, WithRetryBreaker(cb))

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			return nil
		})

		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Zero(t, calls)
		assert.Empty(t, delays)
	})

	t.Run("reports every attempt to the breaker", func(t *testing.T) {
		var delays []time.Duration
		cb := NewCircuitBreaker(WithFailureThreshold(100))
		m := newRecordingManager(&delays, WithRetryBreaker(cb))

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

		require.NoError(t, err)
		metrics := cb.GetMetrics()
		assert.Equal(t, int64(3), metrics.TotalRequests)
		assert.Equal(t, int64(2), metrics.FailedRequests)
		assert.Equal(t, int64(1), metrics.SuccessfulRequests)
	})

	t.Run("permanent failures leave the breaker closed", func(t *testing.T) {
		var delays []time.Duration
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithMinimumThroughput(1))
		m := newRecordingManager(&delays, WithRetryBreaker(cb))

		for i := 0; i < 5; i++ {
			err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
				return NewValidationError("bad record %d", i)
			})
			require.True(t, IsValidationError(err))
		}

		assert.Equal(t, StateClosed, cb.GetState())
		assert.Zero(t, cb.GetMetrics().FailedRequests)
		assert.Equal(t, int64(5), cb.GetMetrics().RejectedRequests)
	})

	t.Run("breaker opening mid-retry stops the loop", func(t *testing.T) {
		var delays []time.Duration
		cb := NewCircuitBreaker(WithFailureThreshold(2), WithMinimumThroughput(2))
		m := newRecordingManager(&delays, WithRetryBreaker(cb))

		calls := 0
		err := m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			calls++
			return errTransient
		})

		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 2, calls)
	})

	t.Run("observer sees scheduled retries", func(t *testing.T) {
		var delays []time.Duration
		var observed []int
		m := newRecordingManager(&delays, WithRetryObserver(func(attempt int, _ time.Duration, _ error) {
			observed = append(observed, attempt)
		}))

		_ = m.ExecuteWithRetry(context.Background(), policy, func(context.Context, int) error {
			return errTransient
		})
		assert.Equal(t, []int{1, 2, 3}, observed)
	})

	t.Run("cancellation interrupts the delay", func(t *testing.T) {
		m := NewRetryManager(WithRetryClock(clockz.NewFakeClock()))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- m.ExecuteWithRetry(ctx, policy, func(context.Context, int) error {
				return errTransient
			})
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry delay was not cancelled")
		}
	})

	t.Run("rejects invalid policies", func(t *testing.T) {
		m := NewRetryManager()
		err := m.ExecuteWithRetry(context.Background(), RetryPolicy{}, func(context.Context, int) error {
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 3), func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}
