// Package batch accumulates items and hands them to a flush function by
// size or age, bounding how many flushes run and wait at once.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned by Add after Close
	ErrClosed = errors.New("batch: manager is closed")
	// ErrFlushRejected is passed to the drop handler when the flush queue is full
	ErrFlushRejected = errors.New("batch: flush queue is full")
)

// FlushFunc delivers one batch
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// DropHandler receives batches that could not be scheduled
type DropHandler[T any] func(batch []T, err error)

// Stats is a point-in-time view of the manager
type Stats struct {
	Pending        int       `json:"pending"`
	InFlight       int       `json:"inFlight"`
	Waiting        int       `json:"waiting"`
	Flushes        uint64    `json:"flushes"`
	FailedFlushes  uint64    `json:"failedFlushes"`
	DroppedBatches uint64    `json:"droppedBatches"`
	ItemsFlushed   uint64    `json:"itemsFlushed"`
	LastFlushTime  time.Time `json:"lastFlushTime"`
	Healthy        bool      `json:"healthy"`
}

type config struct {
	maxSize        int
	timeout        time.Duration
	maxConcurrency int
	maxQueueSize   int
	failureWindow  int
	capacityGrace  time.Duration
	clock          clockz.Clock
	logger         *slog.Logger
}

// Option configures the batch manager
type Option func(*config)

// WithMaxSize flushes once this many items are pending
func WithMaxSize(n int) Option {
	return func(c *config) {
		c.maxSize = n
	}
}

// WithTimeout flushes pending items at least this often
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxConcurrency bounds simultaneous flushes
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.maxConcurrency = n
	}
}

// WithMaxQueueSize bounds flushes waiting for a concurrency slot
func WithMaxQueueSize(n int) Option {
	return func(c *config) {
		c.maxQueueSize = n
	}
}

// WithFailureWindow marks the manager unhealthy when this many
// consecutive flushes failed
func WithFailureWindow(n int) Option {
	return func(c *config) {
		c.failureWindow = n
	}
}

// WithCapacityGrace marks the manager unhealthy when the flush queue stays
// saturated for longer than d
func WithCapacityGrace(d time.Duration) Option {
	return func(c *config) {
		c.capacityGrace = d
	}
}

// WithClock sets the clock, mostly for tests
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

// BatchManager groups items into batches. Failed flushes are not retried
// here; the flush function owns retry and dead-letter routing.
type BatchManager[T any] struct {
	mu             sync.Mutex
	pending        []T
	lastFlush      time.Time
	closed         bool
	scheduled      int
	inFlight       int
	saturatedSince time.Time
	outcomes       []bool
	flushes        uint64
	failed         uint64
	dropped        uint64
	itemsFlushed   uint64

	cfg     config
	sem     *semaphore.Weighted
	flushFn FlushFunc[T]
	onDrop  DropHandler[T]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	timerWG  sync.WaitGroup
}

// NewBatchManager creates a manager and starts its flush timer
func NewBatchManager[T any](flush FlushFunc[T], options ...Option) *BatchManager[T] {
	cfg := config{
		maxSize:        100,
		timeout:        time.Second,
		maxConcurrency: 4,
		maxQueueSize:   16,
		failureWindow:  5,
		capacityGrace:  30 * time.Second,
		clock:          clockz.RealClock,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.maxSize < 1 {
		cfg.maxSize = 1
	}
	if cfg.maxConcurrency < 1 {
		cfg.maxConcurrency = 1
	}
	if cfg.maxQueueSize < 0 {
		cfg.maxQueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &BatchManager[T]{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.maxConcurrency)),
		flushFn:   flush,
		lastFlush: cfg.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}

	if cfg.timeout > 0 {
		m.timerWG.Add(1)
		interval := cfg.timeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		go m.timer(cfg.clock.NewTicker(interval))
	}
	return m
}

// OnDropped sets the handler for batches rejected by a full flush queue
func (m *BatchManager[T]) OnDropped(fn DropHandler[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Add appends an item, scheduling a flush when the batch is full or the
// timeout since the last flush has passed. A full batch that finds no free
// flush slot is dropped; a partial one stays pending until a slot frees.
func (m *BatchManager[T]) Add(item T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, item)

	var batch []T
	reserved := false
	switch {
	case len(m.pending) >= m.cfg.maxSize:
		batch = m.takeLocked()
		reserved = m.reserveLocked()
	case m.dueLocked() && m.reserveLocked():
		// a due partial batch waits for a free slot instead of being dropped
		batch = m.takeLocked()
		reserved = true
	}
	m.mu.Unlock()

	m.dispatch(batch, reserved)
	return nil
}

// CanAccept reports whether another full batch could be scheduled
func (m *BatchManager[T]) CanAccept() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.scheduled < m.capacity()
}

// Pending returns the number of items waiting for a flush
func (m *BatchManager[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush delivers pending items now and waits for the result
func (m *BatchManager[T]) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.takeLocked()
	if len(batch) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.scheduled++
	m.mu.Unlock()

	defer m.unschedule()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.drop(batch, err)
		return err
	}
	defer m.sem.Release(1)
	return m.run(ctx, batch)
}

// IsHealthy is false when the last failureWindow flushes all failed or the
// flush queue stayed saturated beyond the grace period
func (m *BatchManager[T]) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *BatchManager[T]) healthyLocked() bool {
	if m.cfg.failureWindow > 0 && len(m.outcomes) >= m.cfg.failureWindow {
		allFailed := true
		for _, ok := range m.outcomes {
			if ok {
				allFailed = false
				break
			}
		}
		if allFailed {
			return false
		}
	}
	if !m.saturatedSince.IsZero() && m.cfg.clock.Since(m.saturatedSince) >= m.cfg.capacityGrace {
		return false
	}
	return true
}

// Stats returns manager statistics
func (m *BatchManager[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:        len(m.pending),
		InFlight:       m.inFlight,
		Waiting:        m.scheduled - m.inFlight,
		Flushes:        m.flushes,
		FailedFlushes:  m.failed,
		DroppedBatches: m.dropped,
		ItemsFlushed:   m.itemsFlushed,
		LastFlushTime:  m.lastFlush,
		Healthy:        m.healthyLocked(),
	}
}

// Close flushes what is pending once, stops accepting items and waits for
// in-flight flushes. If ctx ends first, in-flight flushes are cancelled.
func (m *BatchManager[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	m.timerWG.Wait()

	err := m.Flush(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}
	m.cancel()
	return err
}

func (m *BatchManager[T]) capacity() int {
	return m.cfg.maxConcurrency + m.cfg.maxQueueSize
}

// dueLocked reports whether the flush timeout has passed since the last flush
func (m *BatchManager[T]) dueLocked() bool {
	return m.cfg.timeout > 0 && m.cfg.clock.Since(m.lastFlush) >= m.cfg.timeout
}

// takeLocked swaps the pending batch for an empty one
func (m *BatchManager[T]) takeLocked() []T {
	batch := m.pending
	m.pending = nil
	m.lastFlush = m.cfg.clock.Now()
	return batch
}

// reserveLocked claims a flush slot; the caller must dispatch afterwards
func (m *BatchManager[T]) reserveLocked() bool {
	if m.scheduled >= m.capacity() {
		return false
	}
	m.scheduled++
	m.wg.Add(1)
	if m.scheduled >= m.capacity() && m.saturatedSince.IsZero() {
		m.saturatedSince = m.cfg.clock.Now()
	}
	return true
}

func (m *BatchManager[T]) dispatch(batch []T, reserved bool) {
	if len(batch) == 0 {
		if reserved {
			m.unschedule()
			m.wg.Done()
		}
		return
	}
	if !reserved {
		m.drop(batch, ErrFlushRejected)
		return
	}

	go func() {
		defer m.wg.Done()
		defer m.unschedule()

		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			m.drop(batch, err)
			return
		}
		defer m.sem.Release(1)
		_ = m.run(m.ctx, batch)
	}()
}

func (m *BatchManager[T]) run(ctx context.Context, batch []T) error {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()

	err := m.flushFn(ctx, batch)

	m.mu.Lock()
	m.inFlight--
	m.flushes++
	if err != nil {
		m.failed++
	} else {
		m.itemsFlushed += uint64(len(batch))
	}
	m.outcomes = append(m.outcomes, err == nil)
	if len(m.outcomes) > m.cfg.failureWindow {
		m.outcomes = m.outcomes[len(m.outcomes)-m.cfg.failureWindow:]
	}
	m.mu.Unlock()

	if err != nil {
		m.cfg.logger.Warn("Batch flush failed", "size", len(batch), "error", err)
	}
	return err
}

func (m *BatchManager[T]) unschedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled--
	if m.scheduled < m.capacity() {
		m.saturatedSince = time.Time{}
	}
}

func (m *BatchManager[T]) drop(batch []T, err error) {
	m.mu.Lock()
	m.dropped++
	handler := m.onDrop
	m.mu.Unlock()

	m.cfg.logger.Error("Batch dropped", "size", len(batch), "error", err)
	if handler != nil {
		handler(batch, err)
	}
}

func (m *BatchManager[T]) timer(ticker clockz.Ticker) {
	defer m.timerWG.Done()
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			m.mu.Lock()
			var batch []T
			if len(m.pending) > 0 && m.dueLocked() && m.reserveLocked() {
				batch = m.takeLocked()
			}
			m.mu.Unlock()
			m.dispatch(batch, batch != nil)
		}
	}
}
