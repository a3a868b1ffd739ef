package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Item is a queued payload with its accounting data
type Item[T any] struct {
	Payload    T
	EnqueuedAt time.Time
	SizeBytes  int64
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Size                 int            `json:"size"`
	MaxSize              int            `json:"maxSize"`
	EstimatedMemoryBytes int64          `json:"estimatedMemoryBytes"`
	MaxMemoryBytes       int64          `json:"maxMemoryBytes"`
	AverageItemSize      int64          `json:"averageItemSize"`
	OldestItemAge        *time.Duration `json:"oldestItemAge"`
	Enqueued             uint64         `json:"enqueued"`
	Dequeued             uint64         `json:"dequeued"`
	Rejected             uint64         `json:"rejected"`
	Evicted              uint64         `json:"evicted"`
	Closed               bool           `json:"closed"`
}

// Listener receives queue pressure signals
type Listener interface {
	// OnBackpressure fires when an enqueue leaves the queue at capacity
	OnBackpressure(stats Stats)
	// OnMemoryPressure fires from the monitor when memory use crosses the
	// pressure ratio
	OnMemoryPressure(stats Stats)
}

type config struct {
	maxSize         int
	maxMemoryBytes  int64
	monitorInterval time.Duration
	pressureRatio   float64
	adaptive        bool
	maxItemAge      time.Duration
	minAdaptiveAge  time.Duration
	clock           clockz.Clock
	logger          *slog.Logger
}

// Option configures the queue
type Option func(*config)

// WithMaxSize bounds the number of queued items
func WithMaxSize(n int) Option {
	return func(c *config) {
		c.maxSize = n
	}
}

// WithMaxMemoryBytes bounds the estimated memory of queued items
func WithMaxMemoryBytes(n int64) Option {
	return func(c *config) {
		c.maxMemoryBytes = n
	}
}

// WithMonitorInterval sets how often memory use is recomputed. Zero
// disables the background monitor.
func WithMonitorInterval(d time.Duration) Option {
	return func(c *config) {
		c.monitorInterval = d
	}
}

// WithPressureRatio sets the memory ratio that triggers a pressure warning
func WithPressureRatio(r float64) Option {
	return func(c *config) {
		c.pressureRatio = r
	}
}

// WithAdaptiveSize evicts progressively younger items while under pressure
func WithAdaptiveSize(enabled bool) Option {
	return func(c *config) {
		c.adaptive = enabled
	}
}

// WithMaxItemAge evicts items older than d on every monitor tick
func WithMaxItemAge(d time.Duration) Option {
	return func(c *config) {
		c.maxItemAge = d
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

// MemoryAwareQueue is a bounded FIFO that applies backpressure on both item
// count and estimated memory. Enqueue and dequeue never block.
type MemoryAwareQueue[T any] struct {
	mu        sync.Mutex
	items     []Item[T]
	head      int
	memory    int64
	closed    bool
	enqueued  uint64
	dequeued  uint64
	rejected  uint64
	evicted   uint64
	estimator SizeEstimator[T]
	cfg       config

	// adaptiveAge shrinks while memory pressure persists
	adaptiveAge time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryAwareQueue creates a queue and starts its monitor. A nil
// estimator uses MsgpackEstimator.
func NewMemoryAwareQueue[T any](estimator SizeEstimator[T], options ...Option) *MemoryAwareQueue[T] {
	cfg := config{
		maxSize:         10000,
		maxMemoryBytes:  64 << 20,
		monitorInterval: 5 * time.Second,
		pressureRatio:   0.8,
		minAdaptiveAge:  time.Second,
		clock:           clockz.RealClock,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if estimator == nil {
		estimator = MsgpackEstimator[T]{}
	}

	q := &MemoryAwareQueue[T]{
		estimator: estimator,
		cfg:       cfg,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	q.adaptiveAge = q.initialAdaptiveAge()

	if cfg.monitorInterval > 0 {
		q.wg.Add(1)
		go q.monitor(cfg.clock.NewTicker(cfg.monitorInterval))
	}
	return q
}

// Enqueue appends payload. It returns false when the queue is closed or
// the item would exceed the size or memory bound; it never blocks.
func (q *MemoryAwareQueue[T]) Enqueue(payload T) bool {
	size := q.estimator.EstimateSize(payload)
	if size < 0 {
		size = DefaultItemSize
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.lenLocked()+1 > q.cfg.maxSize || q.memory+size > q.cfg.maxMemoryBytes {
		q.rejected++
		q.mu.Unlock()
		return false
	}

	q.items = append(q.items, Item[T]{
		Payload:    payload,
		EnqueuedAt: q.cfg.clock.Now(),
		SizeBytes:  size,
	})
	q.memory += size
	q.enqueued++

	atCapacity := q.lenLocked() >= q.cfg.maxSize || q.memory >= q.cfg.maxMemoryBytes
	var stats Stats
	if atCapacity {
		stats = q.statsLocked()
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	if atCapacity {
		q.emit(func(l Listener) { l.OnBackpressure(stats) })
	}
	return true
}

// Dequeue removes and returns the head item
func (q *MemoryAwareQueue[T]) Dequeue() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		return Item[T]{}, false
	}
	item := q.popLocked()
	q.dequeued++
	return item, true
}

// DequeueBatch removes up to n items from the head
func (q *MemoryAwareQueue[T]) DequeueBatch(n int) []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.lenLocked() {
		n = q.lenLocked()
	}
	if n <= 0 {
		return []Item[T]{}
	}

	batch := make([]Item[T], 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, q.popLocked())
	}
	q.dequeued += uint64(n)
	return batch
}

// Peek returns the head item without removing it
func (q *MemoryAwareQueue[T]) Peek() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		return Item[T]{}, false
	}
	return q.items[q.head], true
}

// Size returns the number of queued items
func (q *MemoryAwareQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// MemoryUsage returns the estimated bytes held by queued items
func (q *MemoryAwareQueue[T]) MemoryUsage() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memory
}

// Clear drops every queued item and returns how many were removed
func (q *MemoryAwareQueue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.lenLocked()
	q.items = nil
	q.head = 0
	q.memory = 0
	q.dequeued += uint64(n)
	return n
}

// RemoveOldItems evicts items, scanning from the head, that have been
// queued for longer than maxAge
func (q *MemoryAwareQueue[T]) RemoveOldItems(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeOldLocked(maxAge)
}

func (q *MemoryAwareQueue[T]) removeOldLocked(maxAge time.Duration) int {
	now := q.cfg.clock.Now()
	removed := 0
	for q.lenLocked() > 0 && now.Sub(q.items[q.head].EnqueuedAt) > maxAge {
		q.popLocked()
		removed++
	}
	q.evicted += uint64(removed)
	return removed
}

// Notify is signalled after every successful enqueue. A single pending
// signal may cover several items.
func (q *MemoryAwareQueue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Stats returns queue statistics
func (q *MemoryAwareQueue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *MemoryAwareQueue[T]) statsLocked() Stats {
	n := q.lenLocked()
	stats := Stats{
		Size:                 n,
		MaxSize:              q.cfg.maxSize,
		EstimatedMemoryBytes: q.memory,
		MaxMemoryBytes:       q.cfg.maxMemoryBytes,
		Enqueued:             q.enqueued,
		Dequeued:             q.dequeued,
		Rejected:             q.rejected,
		Evicted:              q.evicted,
		Closed:               q.closed,
	}
	if n > 0 {
		stats.AverageItemSize = q.memory / int64(n)
		age := q.cfg.clock.Since(q.items[q.head].EnqueuedAt)
		stats.OldestItemAge = &age
	}
	return stats
}

// AddListener registers a pressure listener
func (q *MemoryAwareQueue[T]) AddListener(l Listener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// RemoveListener unregisters a pressure listener
func (q *MemoryAwareQueue[T]) RemoveListener(l Listener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	for i, existing := range q.listeners {
		if existing == l {
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			break
		}
	}
}

// Close stops the monitor; later enqueues return false. Queued items stay
// available to Dequeue so callers can drain.
func (q *MemoryAwareQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.stopOnce.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
}

func (q *MemoryAwareQueue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *MemoryAwareQueue[T]) popLocked() Item[T] {
	item := q.items[q.head]
	var zero Item[T]
	q.items[q.head] = zero
	q.head++

	q.memory -= item.SizeBytes
	if q.memory < 0 {
		q.memory = 0
	}

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 64 && q.head*2 > len(q.items):
		remaining := copy(q.items, q.items[q.head:])
		q.items = q.items[:remaining]
		q.head = 0
	}
	return item
}

func (q *MemoryAwareQueue[T]) monitor(ticker clockz.Ticker) {
	defer q.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C():
			q.checkMemory()
		}
	}
}

// checkMemory recomputes memory use, applies the age limit and reacts to
// memory pressure
func (q *MemoryAwareQueue[T]) checkMemory() {
	q.mu.Lock()
	var total int64
	for _, item := range q.items[q.head:] {
		total += item.SizeBytes
	}
	q.memory = total

	if q.cfg.maxItemAge > 0 {
		if n := q.removeOldLocked(q.cfg.maxItemAge); n > 0 {
			q.cfg.logger.Info("Evicted expired queue items", "count", n, "maxAge", q.cfg.maxItemAge)
		}
	}

	threshold := int64(float64(q.cfg.maxMemoryBytes) * q.cfg.pressureRatio)
	underPressure := q.memory > threshold
	evicted := 0
	if underPressure && q.cfg.adaptive {
		evicted = q.removeOldLocked(q.adaptiveAge)
		if next := q.adaptiveAge / 2; next >= q.cfg.minAdaptiveAge {
			q.adaptiveAge = next
		} else {
			q.adaptiveAge = q.cfg.minAdaptiveAge
		}
	} else if !underPressure {
		q.adaptiveAge = q.initialAdaptiveAge()
	}
	stats := q.statsLocked()
	q.mu.Unlock()

	if !underPressure {
		return
	}

	q.cfg.logger.Warn("Queue memory pressure",
		"memoryBytes", stats.EstimatedMemoryBytes,
		"maxMemoryBytes", stats.MaxMemoryBytes,
		"size", stats.Size,
		"evicted", evicted,
	)
	q.emit(func(l Listener) { l.OnMemoryPressure(stats) })
}

func (q *MemoryAwareQueue[T]) initialAdaptiveAge() time.Duration {
	if q.cfg.maxItemAge > 0 {
		return q.cfg.maxItemAge
	}
	return 5 * time.Minute
}

func (q *MemoryAwareQueue[T]) emit(fn func(Listener)) {
	q.listenersMu.RLock()
	listeners := make([]Listener, len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.cfg.logger.Warn("Queue listener panicked", "panic", r)
				}
			}()
			fn(l)
		}()
	}
}
