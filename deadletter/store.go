package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/courier-go/internal/reliability"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/zoobzio/clockz"
)

// WriteError means a record could not be written to the sink. The payload
// is lost unless the caller handles it, so this is never retried.
type WriteError struct {
	RecordID string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("deadletter: failed to write record %s: %v", e.RecordID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsRetryable marks write failures as permanent
func (e *WriteError) IsRetryable() bool {
	return false
}

// AlertHandler is notified when dead letters pile up. Handlers are compared
// by equality on removal, so use pointer types.
type AlertHandler interface {
	HandleAlert(ctx context.Context, metrics Metrics) error
}

// Option configures the store
type Option func(*config)

type config struct {
	alertThreshold    int
	alertCooldown     time.Duration
	maxRetentionDays  int
	retentionSchedule string
	clock             clockz.Clock
	logger            *slog.Logger
}

// WithAlertThreshold alerts once this many records are held
func WithAlertThreshold(n int) Option {
	return func(c *config) {
		c.alertThreshold = n
	}
}

// WithAlertCooldown sets the minimum time between alerts
func WithAlertCooldown(d time.Duration) Option {
	return func(c *config) {
		c.alertCooldown = d
	}
}

// WithMaxRetentionDays sets how long records are kept
func WithMaxRetentionDays(days int) Option {
	return func(c *config) {
		c.maxRetentionDays = days
	}
}

// WithRetentionSchedule sets the cron schedule of the retention sweep
func WithRetentionSchedule(schedule string) Option {
	return func(c *config) {
		c.retentionSchedule = schedule
	}
}

// WithClock sets the clock
func WithClock(clock clockz.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// AddOption describes a failed item
type AddOption func(*addOptions)

type addOptions struct {
	queueID       string
	jobID         string
	history       []Attempt
	errorStack    string
	correlationID string
	batchID       string
	extra         map[string]string
}

// WithOriginQueue records the queue the item came from
func WithOriginQueue(id string) AddOption {
	return func(o *addOptions) {
		o.queueID = id
	}
}

// WithJobID records the caller's identifier for the item
func WithJobID(id string) AddOption {
	return func(o *addOptions) {
		o.jobID = id
	}
}

// WithRetryHistory records the failed attempts made before giving up
func WithRetryHistory(history []Attempt) AddOption {
	return func(o *addOptions) {
		o.history = history
	}
}

// WithErrorStack records a stack or error chain description
func WithErrorStack(stack string) AddOption {
	return func(o *addOptions) {
		o.errorStack = stack
	}
}

// WithCorrelation records the correlation and batch IDs of the delivery
func WithCorrelation(correlationID, batchID string) AddOption {
	return func(o *addOptions) {
		o.correlationID = correlationID
		o.batchID = batchID
	}
}

// WithExtra attaches a free-form attribute
func WithExtra(key, value string) AddOption {
	return func(o *addOptions) {
		if o.extra == nil {
			o.extra = make(map[string]string)
		}
		o.extra[key] = value
	}
}

// Store records permanently failed payloads
type Store[T any] struct {
	sink   Sink[T]
	cfg    config
	logger *slog.Logger

	mu        sync.Mutex
	handlers  []AlertHandler
	lastAlert time.Time
	alerting  bool
	cron      *cron.Cron
	closed    bool
}

// NewStore creates a store writing to sink, or to memory if sink is nil
func NewStore[T any](sink Sink[T], options ...Option) *Store[T] {
	cfg := config{
		alertThreshold:    100,
		alertCooldown:     5 * time.Minute,
		maxRetentionDays:  30,
		retentionSchedule: "@hourly",
		clock:             clockz.RealClock,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if sink == nil {
		sink = NewMemorySink[T]()
	}

	return &Store[T]{
		sink:   sink,
		cfg:    cfg,
		logger: cfg.logger,
	}
}

// AddFailedItem writes a record for payload. A sink failure is returned as
// a *WriteError.
func (s *Store[T]) AddFailedItem(ctx context.Context, payload T, cause error, options ...AddOption) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}

	var opts addOptions
	for _, opt := range options {
		opt(&opts)
	}

	reason := "unknown error"
	var exhausted *reliability.RetryExhaustedError
	if errors.As(cause, &exhausted) {
		if opts.history == nil {
			opts.history = exhausted.History
		}
		if exhausted.LastError != nil {
			reason = exhausted.LastError.Error()
		}
	} else if cause != nil {
		reason = cause.Error()
	}
	if opts.errorStack == "" {
		opts.errorStack = errorChain(cause)
	}

	now := s.cfg.clock.Now()
	first := now
	for _, a := range opts.history {
		if a.Timestamp.Before(first) {
			first = a.Timestamp
		}
	}

	history := opts.history
	if history == nil {
		history = []Attempt{}
	}

	record := Record[T]{
		ID:               uuid.New().String(),
		OriginalPayload:  payload,
		FailureReason:    reason,
		FailureCount:     len(opts.history),
		FirstFailureTime: first,
		LastFailureTime:  now,
		OriginalQueueID:  opts.queueID,
		OriginalJobID:    opts.jobID,
		Metadata: Metadata{
			ErrorStack:    opts.errorStack,
			RetryHistory:  history,
			CorrelationID: opts.correlationID,
			BatchID:       opts.batchID,
			Extra:         opts.extra,
		},
	}

	if err := s.sink.Append(ctx, record); err != nil {
		s.logger.Error("Failed to write dead letter",
			"recordId", record.ID,
			"reason", reason,
			"error", err,
		)
		return &WriteError{RecordID: record.ID, Err: err}
	}

	s.logger.Warn("Item dead-lettered",
		"recordId", record.ID,
		"reason", reason,
		"failureCount", record.FailureCount,
		"queue", record.OriginalQueueID,
	)

	s.checkAlerts(ctx)
	return nil
}

// GetMetrics scans all current records
func (s *Store[T]) GetMetrics(ctx context.Context) (Metrics, error) {
	records, err := s.sink.List(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return computeMetrics(records, s.cfg.clock.Now()), nil
}

// List returns all current records
func (s *Store[T]) List(ctx context.Context) ([]Record[T], error) {
	return s.sink.List(ctx)
}

// Get returns a record by ID
func (s *Store[T]) Get(ctx context.Context, id string) (Record[T], error) {
	return s.sink.Get(ctx, id)
}

// Resolve removes a record that has been dealt with
func (s *Store[T]) Resolve(ctx context.Context, id string) error {
	if err := s.sink.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Dead letter resolved", "recordId", id)
	return nil
}

// Replay hands the record's payload to fn and resolves the record if fn
// succeeds
func (s *Store[T]) Replay(ctx context.Context, id string, fn func(ctx context.Context, payload T) error) error {
	record, err := s.sink.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, record.OriginalPayload); err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	return s.Resolve(ctx, id)
}

// PurgeExpired removes records older than the retention period
func (s *Store[T]) PurgeExpired(ctx context.Context) (int, error) {
	if s.cfg.maxRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.cfg.clock.Now().Add(-time.Duration(s.cfg.maxRetentionDays) * 24 * time.Hour)
	n, err := s.sink.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	if n > 0 {
		s.logger.Info("Purged expired dead letters", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// StartRetention runs PurgeExpired on the retention schedule until Close
func (s *Store[T]) StartRetention() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.retentionSchedule, func() {
		if _, err := s.PurgeExpired(context.Background()); err != nil {
			s.logger.Error("Retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.retentionSchedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// OnAlert registers an alert handler
func (s *Store[T]) OnAlert(handler AlertHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// RemoveAlertHandler unregisters a handler, reporting whether it was found
func (s *Store[T]) RemoveAlertHandler(handler AlertHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.handlers {
		if h == handler {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Alerting reports whether the last check found the threshold breached
func (s *Store[T]) Alerting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerting
}

// LastAlert returns when handlers were last notified
func (s *Store[T]) LastAlert() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAlert
}

// Close stops the retention sweep and closes the sink
func (s *Store[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return s.sink.Close()
}

func (s *Store[T]) checkAlerts(ctx context.Context) {
	metrics, err := s.GetMetrics(ctx)
	if err != nil {
		s.logger.Error("Failed to compute dead-letter metrics", "error", err)
		return
	}

	s.mu.Lock()
	s.alerting = metrics.TotalEvents >= s.cfg.alertThreshold
	now := s.cfg.clock.Now()
	if !s.alerting || (!s.lastAlert.IsZero() && now.Sub(s.lastAlert) < s.cfg.alertCooldown) {
		s.mu.Unlock()
		return
	}
	s.lastAlert = now
	handlers := make([]AlertHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	s.logger.Warn("Dead-letter threshold reached",
		"totalEvents", metrics.TotalEvents,
		"threshold", s.cfg.alertThreshold,
	)
	for _, h := range handlers {
		s.notify(ctx, h, metrics)
	}
}

func (s *Store[T]) notify(ctx context.Context, h AlertHandler, metrics Metrics) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Alert handler panicked", "panic", r)
		}
	}()
	if err := h.HandleAlert(ctx, metrics); err != nil {
		s.logger.Error("Alert handler failed", "error", err)
	}
}

// errorChain describes the wrapped errors below err, outermost first
func errorChain(err error) string {
	var parts []string
	for err != nil {
		parts = append(parts, fmt.Sprintf("%T: %s", err, err.Error()))
		err = errors.Unwrap(err)
	}
	return strings.Join(parts, "\n")
}
