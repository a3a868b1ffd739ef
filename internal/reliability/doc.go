// Package reliability provides the fault-tolerance primitives of the delivery pipeline.
//
// This package implements:
//   - Circuit Breaker: per-destination gate with closed/open/half-open states
//   - Retry Manager: bounded retries with exponential backoff, consulting a breaker
//   - Error taxonomy: permanent, retryable, circuit-open and retry-exhausted errors
//
// Key features:
//   - Thread-safe implementations suitable for concurrent use
//   - At most one trial request while half-open
//   - Pluggable error classification (matchers on codes, messages and types)
//   - Cancellable retry delays
//   - Injectable clock for deterministic tests
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("audit-db"),
//	    WithFailureThreshold(5),
//	    WithMinimumThroughput(10),
//	    WithRecoveryTimeout(30 * time.Second),
//	)
//
//	rm := NewRetryManager(WithRetryBreaker(cb))
//	err := rm.ExecuteWithRetry(ctx, DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
//	    return deliver(ctx, batch)
//	})
package reliability
