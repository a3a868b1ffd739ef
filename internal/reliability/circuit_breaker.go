package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// maxStateChanges caps the transition history kept in metrics
const maxStateChanges = 100

// StateChange records a single transition
type StateChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(breaker string, change StateChange)
}

// HealthChecker is consulted while the breaker is open. A true result moves
// the breaker to half-open ahead of the recovery timeout.
type HealthChecker interface {
	Check(ctx context.Context) bool
}

// CircuitBreaker gates calls to a single destination.
//
// Counters are windowed: they reset every time the breaker fully closes.
// The breaker opens once failedRequests reaches failureThreshold, but only
// after minimumThroughput requests have been observed in the window.
// In half-open state at most one trial request is admitted at a time.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               State
	openedAt            time.Time
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	rejectedRequests    int64
	consecutiveFailures int
	lastSuccessTime     time.Time
	lastFailureTime     time.Time
	stateChanges        []StateChange
	trialInFlight       bool
	trialStartedAt      time.Time

	// Configuration
	name              string
	failureThreshold  int
	minimumThroughput int
	recoveryTimeout   time.Duration
	clock             clockz.Clock
	logger            *slog.Logger
	healthCheck       HealthChecker
	checkInterval     time.Duration

	// Listeners
	listenersMu sync.RWMutex
	listeners   []StateChangeListener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithMinimumThroughput sets the number of requests that must be observed
// before the failure threshold is evaluated
func WithMinimumThroughput(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.minimumThroughput = requests
	}
}

// WithRecoveryTimeout sets how long the circuit stays open
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock sets the clock, mostly for tests
func WithClock(clock clockz.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithHealthCheck installs a health check that runs every interval while open
func WithHealthCheck(checker HealthChecker, interval time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.healthCheck = checker
		cb.checkInterval = interval
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:             StateClosed,
		failureThreshold:  5,
		minimumThroughput: 10,
		recoveryTimeout:   60 * time.Second,
		checkInterval:     10 * time.Second,
		name:              "default",
		clock:             clockz.RealClock,
		logger:            slog.Default(),
		stop:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cb)
	}

	if cb.failureThreshold < 1 {
		cb.failureThreshold = 1
	}
	if cb.minimumThroughput < 1 {
		cb.minimumThroughput = 1
	}

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker admits it and records the outcome.
// The error returned by fn is propagated unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	// Check context before execution
	if err := ctx.Err(); err != nil {
		cb.abandonTrial()
		return err
	}

	err := fn(ctx)
	cb.Record(err)
	return err
}

// Record reports the outcome of an admitted request. Permanent errors go
// to OnRejected so payload faults never open the circuit.
func (cb *CircuitBreaker) Record(err error) {
	switch {
	case err == nil:
		cb.OnSuccess()
	case IsPermanent(err):
		cb.OnRejected()
	default:
		cb.OnFailure()
	}
}

// CanExecute reports whether a request may proceed. When the recovery
// timeout of an open breaker has elapsed the call moves it to half-open
// and admits the caller as the trial request.
func (cb *CircuitBreaker) CanExecute() bool {
	return cb.Allow() == nil
}

// Allow is CanExecute returning a *CircuitOpenError on rejection
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	now := cb.clock.Now()

	var changes []StateChange
	var err error

	switch cb.state {
	case StateClosed:

	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.recoveryTimeout {
			changes = append(changes, cb.transition(StateHalfOpen, "recovery timeout elapsed", now))
			cb.trialInFlight = true
			cb.trialStartedAt = now
		} else {
			err = cb.openError(now)
		}

	case StateHalfOpen:
		switch {
		case !cb.trialInFlight:
			cb.trialInFlight = true
			cb.trialStartedAt = now
		case now.Sub(cb.trialStartedAt) >= cb.recoveryTimeout:
			// previous trial never reported back
			cb.trialStartedAt = now
		default:
			err = cb.openError(now)
		}

	default:
		err = ErrUnknownState
	}
	cb.mu.Unlock()

	cb.dispatch(changes)
	return err
}

// OnSuccess records a successful request
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.totalRequests++
	cb.successfulRequests++
	cb.lastSuccessTime = now
	cb.trialInFlight = false

	var changes []StateChange
	switch cb.state {
	case StateHalfOpen:
		changes = append(changes, cb.transition(StateClosed, "trial request succeeded", now))
	case StateClosed:
		cb.consecutiveFailures = 0
	}
	cb.mu.Unlock()

	cb.dispatch(changes)
}

// OnFailure records a failed request
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.totalRequests++
	cb.failedRequests++
	cb.consecutiveFailures++
	cb.lastFailureTime = now
	cb.trialInFlight = false

	var changes []StateChange
	switch cb.state {
	case StateHalfOpen:
		// Single failure in half-open moves back to open
		changes = append(changes, cb.transition(StateOpen, "trial request failed", now))
	case StateClosed:
		if cb.totalRequests >= int64(cb.minimumThroughput) && cb.failedRequests >= int64(cb.failureThreshold) {
			changes = append(changes, cb.transition(StateOpen,
				fmt.Sprintf("failure threshold reached (%d failures in %d requests)", cb.failedRequests, cb.totalRequests), now))
		}
	}
	cb.mu.Unlock()

	cb.dispatch(changes)
}

// OnRejected records a request the destination answered but that failed
// for reasons of its own payload. It counts toward throughput only. A
// half-open trial is released without a transition, so the next caller
// becomes the trial.
func (cb *CircuitBreaker) OnRejected() {
	cb.mu.Lock()
	cb.totalRequests++
	cb.rejectedRequests++
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// ForceOpen opens the circuit regardless of counters
func (cb *CircuitBreaker) ForceOpen(reason string) {
	cb.mu.Lock()
	change := cb.transition(StateOpen, "forced open: "+reason, cb.clock.Now())
	cb.mu.Unlock()

	cb.dispatch([]StateChange{change})
}

// ForceClose closes the circuit and resets counters
func (cb *CircuitBreaker) ForceClose(reason string) {
	cb.mu.Lock()
	change := cb.transition(StateClosed, "forced closed: "+reason, cb.clock.Now())
	cb.mu.Unlock()

	cb.dispatch([]StateChange{change})
}

// Reset resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.ForceClose("reset")
}

// abandonTrial releases the half-open slot taken by Allow when no request
// was actually made
func (cb *CircuitBreaker) abandonTrial() {
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string, now time.Time) StateChange {
	change := StateChange{From: cb.state, To: to, Reason: reason, Timestamp: now}
	cb.state = to
	cb.trialInFlight = false

	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.totalRequests = 0
		cb.successfulRequests = 0
		cb.failedRequests = 0
		cb.rejectedRequests = 0
		cb.consecutiveFailures = 0
		cb.openedAt = time.Time{}
	}

	cb.stateChanges = append(cb.stateChanges, change)
	if len(cb.stateChanges) > maxStateChanges {
		cb.stateChanges = cb.stateChanges[len(cb.stateChanges)-maxStateChanges:]
	}
	return change
}

func (cb *CircuitBreaker) openError(now time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		Breaker:  cb.name,
		State:    cb.state,
		OpenedAt: cb.openedAt,
		RetryAt:  cb.nextAttemptLocked(now),
	}
}

func (cb *CircuitBreaker) nextAttemptLocked(now time.Time) time.Time {
	switch cb.state {
	case StateOpen:
		return cb.openedAt.Add(cb.recoveryTimeout)
	case StateHalfOpen:
		if cb.trialInFlight {
			return cb.trialStartedAt.Add(cb.recoveryTimeout)
		}
	}
	return now
}

// NextAttempt returns the earliest time a request may be admitted
func (cb *CircuitBreaker) NextAttempt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextAttemptLocked(cb.clock.Now())
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.listenersMu.Lock()
	defer cb.listenersMu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// RemoveListener removes a state change listener
func (cb *CircuitBreaker) RemoveListener(listener StateChangeListener) {
	cb.listenersMu.Lock()
	defer cb.listenersMu.Unlock()

	for i, l := range cb.listeners {
		if l == listener {
			cb.listeners = append(cb.listeners[:i], cb.listeners[i+1:]...)
			break
		}
	}
}

// dispatch notifies listeners outside the state lock. A panicking listener
// is logged and skipped.
func (cb *CircuitBreaker) dispatch(changes []StateChange) {
	if len(changes) == 0 {
		return
	}

	cb.listenersMu.RLock()
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.listenersMu.RUnlock()

	for _, change := range changes {
		cb.logger.Info("Circuit breaker state changed",
			"breaker", cb.name,
			"from", change.From.String(),
			"to", change.To.String(),
			"reason", change.Reason,
		)
		for _, listener := range listeners {
			cb.notify(listener, change)
		}
	}
}

func (cb *CircuitBreaker) notify(listener StateChangeListener, change StateChange) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Warn("Circuit breaker listener panicked",
				"breaker", cb.name,
				"panic", r,
			)
		}
	}()
	listener.OnStateChange(cb.name, change)
}

// StartMonitoring runs the health checker while the circuit is open.
// It is a no-op without a health checker.
func (cb *CircuitBreaker) StartMonitoring(ctx context.Context) {
	if cb.healthCheck == nil || cb.checkInterval <= 0 {
		return
	}

	ticker := cb.clock.NewTicker(cb.checkInterval)
	cb.wg.Add(1)
	go func() {
		defer cb.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cb.stop:
				return
			case <-ticker.C():
				cb.checkHealth(ctx)
			}
		}
	}()
}

func (cb *CircuitBreaker) checkHealth(ctx context.Context) {
	if cb.GetState() != StateOpen {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, cb.checkInterval)
	healthy := cb.healthCheck.Check(checkCtx)
	cancel()
	if !healthy {
		return
	}

	cb.mu.Lock()
	var changes []StateChange
	if cb.state == StateOpen {
		changes = append(changes, cb.transition(StateHalfOpen, "health check passed", cb.clock.Now()))
	}
	cb.mu.Unlock()

	cb.dispatch(changes)
}

// Stop terminates health monitoring. Safe to call more than once.
func (cb *CircuitBreaker) Stop() {
	cb.stopOnce.Do(func() {
		close(cb.stop)
	})
	cb.wg.Wait()
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var rate float64
	if cb.totalRequests > 0 {
		rate = float64(cb.failedRequests) / float64(cb.totalRequests)
	}

	changes := make([]StateChange, len(cb.stateChanges))
	copy(changes, cb.stateChanges)

	return CircuitBreakerMetrics{
		Name:                cb.name,
		State:               cb.state,
		TotalRequests:       cb.totalRequests,
		SuccessfulRequests:  cb.successfulRequests,
		FailedRequests:      cb.failedRequests,
		RejectedRequests:    cb.rejectedRequests,
		FailureRate:         rate,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastSuccessTime:     cb.lastSuccessTime,
		LastFailureTime:     cb.lastFailureTime,
		OpenedAt:            cb.openedAt,
		StateChanges:        changes,
		Timestamp:           cb.clock.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	RejectedRequests    int64         `json:"rejectedRequests"`
	FailureRate         float64       `json:"failureRate"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccessTime     time.Time     `json:"lastSuccessTime"`
	LastFailureTime     time.Time     `json:"lastFailureTime"`
	OpenedAt            time.Time     `json:"openedAt"`
	StateChanges        []StateChange `json:"stateChanges"`
	Timestamp           time.Time     `json:"timestamp"`
}
