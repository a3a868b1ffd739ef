// Package resource tracks long-lived handles (connections, timers, workers)
// so they can be swept when stale and torn down together on shutdown.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

var (
	// ErrShuttingDown is returned by Register once Shutdown has started
	ErrShuttingDown = errors.New("resource: manager is shutting down")
	// ErrDuplicateID is returned when an ID is already tracked
	ErrDuplicateID = errors.New("resource: duplicate resource id")
)

// Type classifies a resource
type Type string

const (
	TypeConnection Type = "connection"
	TypeTimer      Type = "timer"
	TypeStream     Type = "stream"
	TypeWorker     Type = "worker"
	TypeOther      Type = "other"
)

// CleanupFunc releases a resource
type CleanupFunc func(ctx context.Context) error

// Resource is a tracked handle. Pinned resources are never swept as stale;
// only Unregister or Shutdown releases them.
type Resource struct {
	ID             string
	Type           Type
	Description    string
	Cleanup        CleanupFunc
	Pinned         bool
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// CleanupError is the failure of one resource's cleanup
type CleanupError struct {
	ID   string
	Type Type
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s %s failed: %v", e.Type, e.ID, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// ShutdownError aggregates every cleanup failure seen during Shutdown
type ShutdownError struct {
	Failures []*CleanupError
}

func (e *ShutdownError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("resource shutdown: %d cleanup(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *ShutdownError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// MemoryPressure describes a memory threshold breach
type MemoryPressure struct {
	HeapBytes     uint64
	Threshold     uint64
	ResourceCount int
	Timestamp     time.Time
}

// PressureListener is notified of memory pressure
type PressureListener interface {
	OnMemoryPressure(event MemoryPressure)
}

// ManagerOption configures the manager
type ManagerOption func(*Manager)

// WithMaxResources sets the count above which backpressure is signalled
func WithMaxResources(n int) ManagerOption {
	return func(m *Manager) {
		m.maxResources = n
	}
}

// WithMemoryThreshold sets the heap size that triggers a pressure event
func WithMemoryThreshold(bytes uint64) ManagerOption {
	return func(m *Manager) {
		m.memoryThreshold = bytes
	}
}

// WithMonitorInterval sets how often memory is sampled
func WithMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.monitorInterval = d
	}
}

// WithClock sets the clock
func WithClock(clock clockz.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager tracks resources
type Manager struct {
	mu           sync.Mutex
	resources    map[string]*Resource
	order        []string
	shuttingDown bool
	listeners    []PressureListener

	maxResources    int
	memoryThreshold uint64
	monitorInterval time.Duration
	clock           clockz.Clock
	logger          *slog.Logger
	readHeap        func() uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a resource manager
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		resources:       make(map[string]*Resource),
		maxResources:    1000,
		memoryThreshold: 512 << 20,
		monitorInterval: 30 * time.Second,
		clock:           clockz.RealClock,
		logger:          slog.Default(),
		readHeap:        heapAlloc,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Register starts tracking r and returns its ID, generating one if empty
func (m *Manager) Register(r Resource) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return "", ErrShuttingDown
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if _, exists := m.resources[r.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	if r.Type == "" {
		r.Type = TypeOther
	}

	now := m.clock.Now()
	r.CreatedAt = now
	r.LastAccessedAt = now
	m.resources[r.ID] = &r
	m.order = append(m.order, r.ID)

	m.logger.Debug("Resource registered", "id", r.ID, "type", r.Type)
	return r.ID, nil
}

// Touch marks a resource as in use, reporting whether it is tracked
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[id]
	if ok {
		r.LastAccessedAt = m.clock.Now()
	}
	return ok
}

// Get returns a copy of a tracked resource
func (m *Manager) Get(id string) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[id]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// Count returns the number of tracked resources
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// Unregister cleans up and forgets a resource. It returns true only if
// cleanup succeeded; the resource is forgotten either way.
func (m *Manager) Unregister(ctx context.Context, id string) bool {
	m.mu.Lock()
	r, ok := m.resources[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := m.cleanup(ctx, r); err != nil {
		m.logger.Warn("Resource cleanup failed", "id", id, "type", r.Type, "error", err)
		return false
	}
	return true
}

// CleanupStaleResources removes resources untouched for longer than maxAge
func (m *Manager) CleanupStaleResources(ctx context.Context, maxAge time.Duration) int {
	m.mu.Lock()
	now := m.clock.Now()
	var stale []*Resource
	for _, id := range m.order {
		r := m.resources[id]
		if !r.Pinned && now.Sub(r.LastAccessedAt) > maxAge {
			stale = append(stale, r)
		}
	}
	for _, r := range stale {
		m.removeLocked(r.ID)
	}
	m.mu.Unlock()

	for _, r := range stale {
		if err := m.cleanup(ctx, r); err != nil {
			m.logger.Warn("Stale resource cleanup failed", "id", r.ID, "type", r.Type, "error", err)
		}
	}
	if len(stale) > 0 {
		m.logger.Info("Cleaned up stale resources", "count", len(stale), "maxAge", maxAge)
	}
	return len(stale)
}

// ShouldApplyBackpressure is true once the tracked count exceeds the ceiling
func (m *Manager) ShouldApplyBackpressure() bool {
	return m.Count() > m.maxResources
}

// AddListener registers a memory pressure listener
func (m *Manager) AddListener(l PressureListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters a memory pressure listener
func (m *Manager) RemoveListener(l PressureListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// StartMonitoring samples memory until Shutdown or ctx ends
func (m *Manager) StartMonitoring(ctx context.Context) {
	if m.monitorInterval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.monitorInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C():
				m.checkMemory()
			}
		}
	}()
}

func (m *Manager) checkMemory() {
	heap := m.readHeap()
	if m.memoryThreshold == 0 || heap <= m.memoryThreshold {
		return
	}

	m.mu.Lock()
	event := MemoryPressure{
		HeapBytes:     heap,
		Threshold:     m.memoryThreshold,
		ResourceCount: len(m.resources),
		Timestamp:     m.clock.Now(),
	}
	listeners := make([]PressureListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Warn("Memory pressure detected",
		"heapBytes", heap,
		"threshold", m.memoryThreshold,
		"resources", event.ResourceCount,
	)
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Memory pressure listener panicked", "panic", r)
				}
			}()
			l.OnMemoryPressure(event)
		}()
	}
}

// Shutdown rejects further registrations and cleans up every resource,
// newest first. All cleanups run; failures are returned together as a
// *ShutdownError. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	all := make([]*Resource, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		all = append(all, m.resources[m.order[i]])
	}
	m.resources = make(map[string]*Resource)
	m.order = nil
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	var failures []*CleanupError
	for _, r := range all {
		if err := m.cleanup(ctx, r); err != nil {
			failures = append(failures, &CleanupError{ID: r.ID, Type: r.Type, Err: err})
		}
	}

	if len(failures) > 0 {
		m.logger.Error("Resource shutdown completed with failures", "failed", len(failures), "total", len(all))
		return &ShutdownError{Failures: failures}
	}
	m.logger.Info("Resource shutdown completed", "total", len(all))
	return nil
}

// removeLocked forgets a resource; m.mu must be held
func (m *Manager) removeLocked(id string) {
	delete(m.resources, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) cleanup(ctx context.Context, r *Resource) (err error) {
	if r.Cleanup == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup panicked: %v", p)
		}
	}()
	return r.Cleanup(ctx)
}
