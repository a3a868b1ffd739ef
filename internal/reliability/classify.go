package reliability

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// ErrorMatcher reports whether an error belongs to a class of errors
type ErrorMatcher func(err error) bool

// MatchMessage matches errors whose message contains any of the given
// substrings, compared case-insensitively.
func MatchMessage(substrings ...string) ErrorMatcher {
	lowered := make([]string, len(substrings))
	for i, s := range substrings {
		lowered[i] = strings.ToLower(s)
	}
	return func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, s := range lowered {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

// MatchPattern matches errors whose message matches the regular expression
func MatchPattern(pattern string) ErrorMatcher {
	re := regexp.MustCompile(pattern)
	return func(err error) bool {
		return re.MatchString(err.Error())
	}
}

// MatchCode matches errors exposing a Code() string equal to one of codes
func MatchCode(codes ...string) ErrorMatcher {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(err error) bool {
		var coded interface{ Code() string }
		if !errors.As(err, &coded) {
			return false
		}
		_, ok := set[coded.Code()]
		return ok
	}
}

// MatchIs matches errors wrapping any of the targets
func MatchIs(targets ...error) ErrorMatcher {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// IsTimeout matches deadline and network timeout errors
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// IsConnectionError matches refused/reset connections and DNS failures
func IsConnectionError(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout)
}

var (
	rateLimitMatcher = MatchPattern(`(?i)rate limit|too many requests|throttl|\b429\b`)
	lockMatcher      = MatchPattern(`(?i)deadlock|lock wait timeout|database is locked|\b(sqlite_)?busy\b`)
	networkMatcher   = MatchMessage("econnrefused", "econnreset", "etimedout", "eai_again",
		"connection refused", "connection reset", "broken pipe", "socket hang up", "timeout")
)

// IsRateLimited matches rate-limit responses
func IsRateLimited(err error) bool { return rateLimitMatcher(err) }

// IsLockContention matches lock and deadlock errors
func IsLockContention(err error) bool { return lockMatcher(err) }

// DefaultRetryableMatchers returns the transient error classes: network and
// connection errors, timeouts, rate limiting and lock contention.
func DefaultRetryableMatchers() []ErrorMatcher {
	return []ErrorMatcher{
		IsTimeout,
		IsConnectionError,
		networkMatcher,
		IsRateLimited,
		IsLockContention,
	}
}

// isRetryableError determines if an error is retryable under the given matchers
func isRetryableError(err error, matchers []ErrorMatcher) bool {
	if err == nil {
		return false
	}

	// Define retryable error interface
	type retryable interface {
		IsRetryable() bool
	}

	// Explicit classification always wins
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, ErrNonRetryable) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	for _, m := range matchers {
		if m(err) {
			return true
		}
	}
	return false
}
