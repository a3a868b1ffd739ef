// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package courier delivers high-volume event streams to unreliable
// destinations. Producers enqueue into a bounded, memory-aware queue; a
// pump feeds a batch manager whose flushes run through a retry manager
// gated by a circuit breaker; batches that cannot be delivered end up in a
// dead-letter store with their retry history.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/courier-go/batch"
	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/monitor"
	"github.com/glimte/courier-go/queue"
	"github.com/glimte/courier-go/resource"
	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at its size or
	// memory bound
	ErrQueueFull = errors.New("courier: queue is full")
	// ErrPipelineClosed is returned once Shutdown has started
	ErrPipelineClosed = errors.New("courier: pipeline is closed")
	// ErrBackpressure is returned while the resource manager is over its
	// ceiling
	ErrBackpressure = errors.New("courier: too many tracked resources")
)

const (
	// maxBreakerWait bounds one sleep while the circuit refuses batches
	maxBreakerWait = time.Second
	minBreakerWait = 10 * time.Millisecond
)

// Sink delivers a batch to a destination. Deliveries are at-least-once, so
// implementations must tolerate seeing a batch again.
type Sink[T any] interface {
	Deliver(ctx context.Context, batch []T) error
}

// SinkFunc adapts a function to Sink
type SinkFunc[T any] func(ctx context.Context, batch []T) error

// Deliver implements Sink
func (f SinkFunc[T]) Deliver(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// Keyed payloads carry their own identifier into dead-letter records
type Keyed interface {
	Key() string
}

type config struct {
	name              string
	batchSize         int
	flushInterval     time.Duration
	concurrency       int
	maxPendingBatches int
	callTimeout       time.Duration
	retryPolicy       reliability.RetryPolicy
	queueOptions      []queue.Option
	breakerOptions    []reliability.CircuitBreakerOption
	resourceOptions   []resource.ManagerOption
	clock             clockz.Clock
	logger            *slog.Logger
}

// Option configures a Pipeline
type Option func(*config)

// WithName names the pipeline. The name labels the breaker, prefixes
// metrics and is recorded as the origin queue of dead letters.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithBatchSize sets how many items a flush carries at most
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// WithFlushInterval sets how long a partial batch may wait
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) {
		c.flushInterval = d
	}
}

// WithConcurrency sets the number of simultaneous sink calls
func WithConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// WithMaxPendingBatches bounds batches waiting for a free worker
func WithMaxPendingBatches(n int) Option {
	return func(c *config) {
		c.maxPendingBatches = n
	}
}

// WithCallTimeout bounds each sink call. A timed-out call is retried.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) {
		c.callTimeout = d
	}
}

// WithRetryPolicy sets the policy applied to every batch
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *config) {
		c.retryPolicy = policy
	}
}

// WithQueueLimits bounds the queue by item count and estimated bytes
func WithQueueLimits(maxItems int, maxBytes int64) Option {
	return func(c *config) {
		c.queueOptions = append(c.queueOptions, queue.WithMaxSize(maxItems), queue.WithMaxMemoryBytes(maxBytes))
	}
}

// WithQueueOptions passes options through to the queue
func WithQueueOptions(options ...queue.Option) Option {
	return func(c *config) {
		c.queueOptions = append(c.queueOptions, options...)
	}
}

// WithBreakerOptions passes options through to the circuit breaker
func WithBreakerOptions(options ...reliability.CircuitBreakerOption) Option {
	return func(c *config) {
		c.breakerOptions = append(c.breakerOptions, options...)
	}
}

// WithResourceOptions passes options through to the resource manager
func WithResourceOptions(options ...resource.ManagerOption) Option {
	return func(c *config) {
		c.resourceOptions = append(c.resourceOptions, options...)
	}
}

// WithClock sets the clock for every component
func WithClock(clock clockz.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the logger for every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Pipeline is the delivery orchestrator
type Pipeline[T any] struct {
	cfg         config
	sink        Sink[T]
	queue       *queue.MemoryAwareQueue[T]
	batches     *batch.BatchManager[T]
	breaker     *reliability.CircuitBreaker
	retry       *reliability.RetryManager
	deadLetters *deadletter.Store[T]
	resources   *resource.Manager
	metrics     *monitor.Collector
	health      *monitor.Registry
	logger      *slog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wake     chan struct{}
	draining chan struct{}
	pumpDone chan struct{}
	shutdown chan struct{}
}

// New creates a pipeline delivering to sink. A nil deadLetters uses an
// in-memory store.
func New[T any](sink Sink[T], deadLetters *deadletter.Store[T], options ...Option) *Pipeline[T] {
	cfg := config{
		name:              "courier",
		batchSize:         100,
		flushInterval:     time.Second,
		concurrency:       4,
		maxPendingBatches: 16,
		callTimeout:       30 * time.Second,
		retryPolicy:       reliability.DefaultRetryPolicy(),
		clock:             clockz.RealClock,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.batchSize < 1 {
		cfg.batchSize = 1
	}

	logger := cfg.logger.With("pipeline", cfg.name)
	if deadLetters == nil {
		deadLetters = deadletter.NewStore[T](nil,
			deadletter.WithClock(cfg.clock),
			deadletter.WithLogger(logger),
		)
	}

	p := &Pipeline[T]{
		cfg:         cfg,
		sink:        sink,
		deadLetters: deadLetters,
		logger:      logger,
		metrics:     monitor.NewCollector(metricNamespace(cfg.name)),
		health:      monitor.NewRegistry(),
		wake:        make(chan struct{}, 1),
		draining:    make(chan struct{}),
		pumpDone:    make(chan struct{}),
		shutdown:    make(chan struct{}),
	}

	p.breaker = reliability.NewCircuitBreaker(append([]reliability.CircuitBreakerOption{
		reliability.WithName(cfg.name),
		reliability.WithClock(cfg.clock),
		reliability.WithBreakerLogger(logger),
	}, cfg.breakerOptions...)...)
	p.breaker.AddListener(&breakerSignals{metrics: p.metrics, logger: logger})

	p.retry = reliability.NewRetryManager(
		reliability.WithRetryBreaker(p.breaker),
		reliability.WithRetryClock(cfg.clock),
		reliability.WithRetryLogger(logger),
		reliability.WithRetryObserver(func(attempt int, delay time.Duration, err error) {
			p.metrics.Inc("retries_total")
		}),
	)

	p.queue = queue.NewMemoryAwareQueue[T](nil, append([]queue.Option{
		queue.WithClock(cfg.clock),
		queue.WithLogger(logger),
	}, cfg.queueOptions...)...)
	p.queue.AddListener(&queueSignals{metrics: p.metrics, logger: logger})

	p.batches = batch.NewBatchManager[T](p.deliver,
		batch.WithMaxSize(cfg.batchSize),
		batch.WithTimeout(cfg.flushInterval),
		batch.WithMaxConcurrency(cfg.concurrency),
		batch.WithMaxQueueSize(cfg.maxPendingBatches),
		batch.WithClock(cfg.clock),
		batch.WithLogger(logger),
	)
	p.batches.OnDropped(p.onDropped)

	p.resources = resource.NewManager(append([]resource.ManagerOption{
		resource.WithClock(cfg.clock),
		resource.WithLogger(logger),
	}, cfg.resourceOptions...)...)
	p.resources.AddListener(&resourceSignals{metrics: p.metrics, logger: logger})

	p.registerResources()
	p.registerMetrics()
	p.registerHealth()
	return p
}

func metricNamespace(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
}

// registerResources hands the pipeline's own handles to the resource
// manager. They are pinned so a stale sweep never closes them under a live
// pipeline. Shutdown releases them newest first, so the dead-letter store
// outlives nothing that writes to it.
func (p *Pipeline[T]) registerResources() {
	owned := []resource.Resource{
		{
			ID:          p.cfg.name + "-queue",
			Type:        resource.TypeStream,
			Description: "delivery queue",
			Pinned:      true,
			Cleanup: func(context.Context) error {
				p.queue.Close()
				return nil
			},
		},
		{
			ID:          p.cfg.name + "-breaker-monitor",
			Type:        resource.TypeTimer,
			Description: "circuit breaker health monitor",
			Pinned:      true,
			Cleanup: func(context.Context) error {
				p.breaker.Stop()
				return nil
			},
		},
		{
			ID:          p.cfg.name + "-dead-letters",
			Type:        resource.TypeStream,
			Description: "dead-letter store",
			Pinned:      true,
			Cleanup: func(context.Context) error {
				return p.deadLetters.Close()
			},
		},
	}
	for _, r := range owned {
		if _, err := p.resources.Register(r); err != nil {
			p.logger.Error("Failed to register resource", "resource", r.ID, "error", err)
		}
	}
}

func (p *Pipeline[T]) registerMetrics() {
	m := p.metrics
	m.RegisterCounter("items_enqueued_total", "Items accepted by the queue")
	m.RegisterCounter("items_rejected_total", "Items refused by backpressure")
	m.RegisterCounter("items_delivered_total", "Items delivered to the sink")
	m.RegisterCounter("batches_delivered_total", "Batches delivered to the sink")
	m.RegisterCounter("batch_failures_total", "Batches that were dead-lettered")
	m.RegisterCounter("batches_dropped_total", "Batches rejected by a saturated flush queue")
	m.RegisterCounter("retries_total", "Sink calls retried after a transient error")
	m.RegisterCounter("circuit_open_waits_total", "Times a batch waited for the circuit to admit it")
	m.RegisterCounter("items_dead_lettered_total", "Items written to the dead-letter store")
	m.RegisterCounter("dead_letter_write_failures_total", "Items lost because the dead-letter write failed")
	m.RegisterLatency("delivery_duration", "Time from first attempt to delivery, in milliseconds")

	m.RegisterGauge("queue_size", "Items waiting in the queue", func() float64 {
		return float64(p.queue.Size())
	})
	m.RegisterGauge("queue_memory_bytes", "Estimated bytes held by the queue", func() float64 {
		return float64(p.queue.MemoryUsage())
	})
	m.RegisterGauge("batch_pending", "Items waiting in the open batch", func() float64 {
		return float64(p.batches.Pending())
	})
	m.RegisterGauge("batch_in_flight", "Sink calls in progress", func() float64 {
		return float64(p.batches.Stats().InFlight)
	})
	m.RegisterGauge("circuit_state", "Circuit state: 0 closed, 1 open, 2 half-open", func() float64 {
		return float64(p.breaker.GetState())
	})
	m.RegisterGauge("tracked_resources", "Resources held by the resource manager", func() float64 {
		return float64(p.resources.Count())
	})
}

func (p *Pipeline[T]) registerHealth() {
	p.health.Register(monitor.NewBreakerChecker(p.breaker))
	p.health.Register(monitor.NewQueueChecker(p.queue, 0.8, 0.95))
	p.health.Register(monitor.NewBatchChecker(p.batches))
	p.health.Register(monitor.NewDeadLetterChecker(p.deadLetters))
	p.health.SetMetadata("pipeline", p.cfg.name)
}

// Start runs the pump, the breaker health check, the resource monitor and the
// dead-letter retention sweep until ctx ends or Shutdown is called
func (p *Pipeline[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.deadLetters.StartRetention(); err != nil {
		p.logger.Error("Dead-letter retention not started", "error", err)
	}
	p.breaker.StartMonitoring(runCtx)
	p.resources.StartMonitoring(runCtx)

	go p.run(runCtx, p.pumpTicker())

	p.logger.Info("Pipeline started",
		"batchSize", p.cfg.batchSize,
		"flushInterval", p.cfg.flushInterval,
		"concurrency", p.cfg.concurrency,
	)
	return nil
}

// Enqueue offers payload to the queue without blocking
func (p *Pipeline[T]) Enqueue(payload T) error {
	if p.isClosed() {
		return ErrPipelineClosed
	}
	if p.resources.ShouldApplyBackpressure() {
		p.metrics.Inc("items_rejected_total")
		return ErrBackpressure
	}
	if !p.queue.Enqueue(payload) {
		if p.isClosed() {
			return ErrPipelineClosed
		}
		p.metrics.Inc("items_rejected_total")
		return ErrQueueFull
	}
	p.metrics.Inc("items_enqueued_total")
	return nil
}

// EnqueueBatch enqueues payloads in order and stops at the first refusal.
// It returns how many were accepted.
func (p *Pipeline[T]) EnqueueBatch(payloads []T) (int, error) {
	for i, payload := range payloads {
		if err := p.Enqueue(payload); err != nil {
			return i, err
		}
	}
	return len(payloads), nil
}

// Health aggregates queue, circuit, batch and dead-letter health
func (p *Pipeline[T]) Health(ctx context.Context) monitor.OverallHealth {
	return p.health.Check(ctx)
}

// ExportMetrics renders pipeline metrics as monitor.FormatJSON or
// monitor.FormatPrometheus
func (p *Pipeline[T]) ExportMetrics(format string) (string, error) {
	return p.metrics.Export(format)
}

// Metrics returns a snapshot of the pipeline metrics
func (p *Pipeline[T]) Metrics() monitor.Snapshot {
	return p.metrics.Snapshot()
}

// Registry returns the health registry so callers can add checks
func (p *Pipeline[T]) Registry() *monitor.Registry {
	return p.health
}

// Resources returns the resource manager. Transports register their
// connections here so Shutdown tears them down.
func (p *Pipeline[T]) Resources() *resource.Manager {
	return p.resources
}

// Breaker returns the pipeline's circuit breaker
func (p *Pipeline[T]) Breaker() *reliability.CircuitBreaker {
	return p.breaker
}

// DeadLetters returns the dead-letter store
func (p *Pipeline[T]) DeadLetters() *deadletter.Store[T] {
	return p.deadLetters
}

// Shutdown stops intake, delivers everything still queued, then releases
// all tracked resources. Items that cannot be delivered before ctx ends are
// dead-lettered. Later calls wait for the first one and return nil.
func (p *Pipeline[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.shutdown
		return nil
	}
	p.closed = true
	if !p.started {
		// never started: run the pump just to drain
		p.started = true
		runCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.run(runCtx, p.pumpTicker())
	}
	cancel := p.cancel
	p.mu.Unlock()
	defer close(p.shutdown)

	p.logger.Info("Shutting down pipeline", "queued", p.queue.Size(), "pending", p.batches.Pending())
	p.queue.Close()
	close(p.draining)

	var errs []error
	select {
	case <-p.pumpDone:
	case <-ctx.Done():
		cancel()
		<-p.pumpDone
		errs = append(errs, p.abandonQueued())
	}

	if err := p.batches.Close(ctx); err != nil {
		var writeErr *deadletter.WriteError
		if errors.As(err, &writeErr) || ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("close batches: %w", err))
		} else {
			p.logger.Warn("Final flush failed", "error", err)
		}
	}
	cancel()

	if err := p.resources.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Error("Pipeline shutdown incomplete", "error", err)
	} else {
		p.logger.Info("Pipeline stopped")
	}
	return err
}

func (p *Pipeline[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// abandonQueued dead-letters whatever the pump could not hand over
func (p *Pipeline[T]) abandonQueued() error {
	items := p.queue.DequeueBatch(p.queue.Size())
	if len(items) == 0 {
		return context.DeadlineExceeded
	}
	payloads := make([]T, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	return p.fail(context.Background(), payloads,
		fmt.Errorf("%w: shutdown deadline passed before delivery", ErrPipelineClosed), nil)
}

func (p *Pipeline[T]) pumpTicker() clockz.Ticker {
	interval := p.cfg.flushInterval / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return p.cfg.clock.NewTicker(interval)
}

// run moves queued items into batches while the batch manager has room
func (p *Pipeline[T]) run(ctx context.Context, ticker clockz.Ticker) {
	defer close(p.pumpDone)
	defer ticker.Stop()

	draining := p.draining
	for {
		p.pump()

		if draining == nil && p.queue.Size() == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-draining:
			draining = nil
		case <-p.queue.Notify():
		case <-p.wake:
		case <-ticker.C():
		}
	}
}

func (p *Pipeline[T]) pump() {
	for p.batches.CanAccept() {
		n := p.cfg.batchSize - p.batches.Pending()
		if n <= 0 {
			n = p.cfg.batchSize
		}
		items := p.queue.DequeueBatch(n)
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			if err := p.batches.Add(item.Payload); err != nil {
				p.fail(context.Background(), []T{item.Payload}, err, nil)
			}
		}
	}
}

// signal wakes the pump after a flush frees capacity
func (p *Pipeline[T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// deliver is the batch manager's flush function. It retries the batch
// under the policy, waits out an open circuit, and dead-letters every item
// of a batch that fails for good.
func (p *Pipeline[T]) deliver(ctx context.Context, items []T) error {
	defer p.signal()

	batchID := uuid.New().String()
	ctx = WithBatchID(ctx, batchID)
	if CorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, batchID)
	}

	start := p.cfg.clock.Now()
	maxAttempts := p.cfg.retryPolicy.MaxAttempts
	var history []reliability.AttemptRecord
	var lastErr error

	for {
		var err error
		if remaining := maxAttempts - len(history); remaining < 1 {
			err = &reliability.RetryExhaustedError{LastError: lastErr}
		} else {
			policy := p.cfg.retryPolicy
			policy.MaxAttempts = remaining
			err = p.retry.ExecuteWithRetry(ctx, policy, func(ctx context.Context, attempt int) error {
				callErr := p.call(ctx, items)
				if callErr != nil {
					lastErr = callErr
					history = append(history, reliability.AttemptRecord{
						Attempt:   len(history) + 1,
						Timestamp: p.cfg.clock.Now(),
						Error:     callErr.Error(),
					})
				}
				return callErr
			})
		}

		if err == nil {
			p.metrics.Add("items_delivered_total", float64(len(items)))
			p.metrics.Inc("batches_delivered_total")
			p.metrics.Observe("delivery_duration", p.cfg.clock.Since(start))
			if len(history) > 0 {
				p.logger.Info("Batch delivered after retries", "batchId", batchID, "attempts", len(history)+1)
			}
			return nil
		}

		if errors.Is(err, reliability.ErrCircuitOpen) {
			p.metrics.Inc("circuit_open_waits_total")
			if p.waitForBreaker(ctx) == nil {
				continue
			}
		}

		var exhausted *reliability.RetryExhaustedError
		if errors.As(err, &exhausted) {
			err = &reliability.RetryExhaustedError{
				Op:          "deliver batch " + batchID,
				Attempts:    len(history),
				MaxAttempts: maxAttempts,
				LastError:   exhausted.LastError,
				History:     history,
				Duration:    p.cfg.clock.Since(start),
			}
		}

		p.metrics.Inc("batch_failures_total")
		return p.fail(ctx, items, err, history)
	}
}

// call runs one bounded sink call
func (p *Pipeline[T]) call(ctx context.Context, items []T) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = reliability.Permanent(fmt.Errorf("sink panicked: %v", r))
		}
	}()

	err = p.sink.Deliver(callCtx, items)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sink call exceeded %s: %w (%v)", p.cfg.callTimeout, context.DeadlineExceeded, err)
	}
	return err
}

// waitForBreaker sleeps until the circuit may admit the batch. It gives up
// when the pipeline starts draining or ctx ends.
func (p *Pipeline[T]) waitForBreaker(ctx context.Context) error {
	wait := p.breaker.NextAttempt().Sub(p.cfg.clock.Now())
	if wait > maxBreakerWait {
		wait = maxBreakerWait
	}
	if wait < minBreakerWait {
		wait = minBreakerWait
	}

	select {
	case <-p.cfg.clock.After(wait):
		return nil
	case <-p.draining:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail dead-letters items. The returned error is cause, joined with any
// dead-letter write failures.
func (p *Pipeline[T]) fail(ctx context.Context, items []T, cause error, history []reliability.AttemptRecord) error {
	writeCtx := context.WithoutCancel(ctx)
	correlationID, batchID := CorrelationID(ctx), BatchID(ctx)

	var writeErrs []error
	for _, item := range items {
		opts := []deadletter.AddOption{
			deadletter.WithOriginQueue(p.cfg.name),
			deadletter.WithRetryHistory(history),
			deadletter.WithCorrelation(correlationID, batchID),
		}
		if k, ok := any(item).(Keyed); ok {
			opts = append(opts, deadletter.WithJobID(k.Key()))
		}
		err := p.deadLetters.AddFailedItem(writeCtx, item, cause, opts...)
		if err != nil {
			writeErrs = append(writeErrs, err)
			continue
		}
		p.metrics.Inc("items_dead_lettered_total")
	}

	p.logger.Warn("Batch dead-lettered",
		"batchId", batchID,
		"items", len(items),
		"attempts", len(history),
		"error", cause,
	)

	if len(writeErrs) > 0 {
		p.metrics.Add("dead_letter_write_failures_total", float64(len(writeErrs)))
		p.logger.Error("Dead-letter write failed, items lost",
			"batchId", batchID,
			"lost", len(writeErrs),
			"error", writeErrs[0],
		)
		return errors.Join(append([]error{cause}, writeErrs...)...)
	}
	return cause
}

func (p *Pipeline[T]) onDropped(items []T, err error) {
	defer p.signal()
	p.metrics.Inc("batches_dropped_total")
	p.fail(context.Background(), items, fmt.Errorf("batch dropped: %w", err), nil)
}

type breakerSignals struct {
	metrics *monitor.Collector
	logger  *slog.Logger
}

func (s *breakerSignals) OnStateChange(breaker string, change reliability.StateChange) {
	s.metrics.Inc("circuit_transitions_total")
	s.logger.Info("Circuit state changed",
		"breaker", breaker,
		"from", change.From.String(),
		"to", change.To.String(),
		"reason", change.Reason,
	)
}

type queueSignals struct {
	metrics *monitor.Collector
	logger  *slog.Logger
}

func (s *queueSignals) OnBackpressure(stats queue.Stats) {
	s.metrics.Inc("queue_backpressure_total")
	s.logger.Debug("Queue at capacity", "size", stats.Size, "memoryBytes", stats.EstimatedMemoryBytes)
}

func (s *queueSignals) OnMemoryPressure(stats queue.Stats) {
	s.metrics.Inc("queue_memory_pressure_total")
	s.logger.Warn("Queue memory pressure",
		"memoryBytes", stats.EstimatedMemoryBytes,
		"maxMemoryBytes", stats.MaxMemoryBytes,
		"size", stats.Size,
	)
}

type resourceSignals struct {
	metrics *monitor.Collector
	logger  *slog.Logger
}

func (s *resourceSignals) OnMemoryPressure(event resource.MemoryPressure) {
	s.metrics.Inc("process_memory_pressure_total")
	s.logger.Warn("Process memory pressure",
		"heapBytes", event.HeapBytes,
		"threshold", event.Threshold,
		"resources", event.ResourceCount,
	)
}
