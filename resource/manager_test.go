package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type pressureRecorder struct {
	mu     sync.Mutex
	events []MemoryPressure
}

func (r *pressureRecorder) OnMemoryPressure(event MemoryPressure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func counting(calls *int, err error) CleanupFunc {
	return func(context.Context) error {
		*calls++
		return err
	}
}

func TestManagerRegistration(t *testing.T) {
	t.Run("register assigns ids and timestamps", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		m := NewManager(WithClock(clock))

		id, err := m.Register(Resource{Type: TypeConnection})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		r, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, TypeConnection, r.Type)
		assert.Equal(t, clock.Now(), r.CreatedAt)
		assert.Equal(t, clock.Now(), r.LastAccessedAt)

		id, err = m.Register(Resource{ID: "timer-1"})
		require.NoError(t, err)
		assert.Equal(t, "timer-1", id)
		r, _ = m.Get(id)
		assert.Equal(t, TypeOther, r.Type)
		assert.Equal(t, 2, m.Count())
	})

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		m := NewManager()
		_, err := m.Register(Resource{ID: "a"})
		require.NoError(t, err)

		_, err = m.Register(Resource{ID: "a"})
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("touch updates last access", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		m := NewManager(WithClock(clock))
		id, _ := m.Register(Resource{})

		clock.Advance(time.Minute)
		assert.True(t, m.Touch(id))
		r, _ := m.Get(id)
		assert.Equal(t, clock.Now(), r.LastAccessedAt)

		assert.False(t, m.Touch("missing"))
	})

	t.Run("unregister always forgets the resource", func(t *testing.T) {
		m := NewManager()
		var okCalls, failCalls int
		okID, _ := m.Register(Resource{Cleanup: counting(&okCalls, nil)})
		failID, _ := m.Register(Resource{Cleanup: counting(&failCalls, errors.New("close failed"))})
		panicID, _ := m.Register(Resource{Cleanup: func(context.Context) error { panic("boom") }})

		assert.True(t, m.Unregister(context.Background(), okID))
		assert.False(t, m.Unregister(context.Background(), failID))
		assert.False(t, m.Unregister(context.Background(), panicID))
		assert.False(t, m.Unregister(context.Background(), "missing"))

		assert.Equal(t, 1, okCalls)
		assert.Equal(t, 1, failCalls)
		assert.Zero(t, m.Count())
	})

	t.Run("backpressure above the ceiling", func(t *testing.T) {
		m := NewManager(WithMaxResources(2))
		for i := 0; i < 2; i++ {
			_, _ = m.Register(Resource{})
		}
		assert.False(t, m.ShouldApplyBackpressure())

		_, _ = m.Register(Resource{})
		assert.True(t, m.ShouldApplyBackpressure())
	})
}

func TestManagerStaleCleanup(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManager(WithClock(clock))

	var staleCalls, activeCalls int
	_, _ = m.Register(Resource{ID: "stale", Cleanup: counting(&staleCalls, nil)})
	_, _ = m.Register(Resource{ID: "active", Cleanup: counting(&activeCalls, nil)})

	clock.Advance(10 * time.Minute)
	m.Touch("active")

	removed := m.CleanupStaleResources(context.Background(), 5*time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, staleCalls)
	assert.Zero(t, activeCalls)

	_, ok := m.Get("stale")
	assert.False(t, ok)
	_, ok = m.Get("active")
	assert.True(t, ok)
}

func TestManagerPinnedResources(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManager(WithClock(clock))

	var pinnedCalls int
	_, _ = m.Register(Resource{ID: "pinned", Pinned: true, Cleanup: counting(&pinnedCalls, nil)})

	clock.Advance(time.Hour)
	assert.Zero(t, m.CleanupStaleResources(context.Background(), time.Minute))
	assert.Zero(t, pinnedCalls)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, pinnedCalls)
}

func TestManagerMemoryMonitor(t *testing.T) {
	m := NewManager(WithMemoryThreshold(1000))
	heap := uint64(500)
	m.readHeap = func() uint64 { return heap }

	rec := &pressureRecorder{}
	m.AddListener(rec)
	_, _ = m.Register(Resource{})

	m.checkMemory()
	assert.Empty(t, rec.events)

	heap = 2000
	m.checkMemory()
	require.Len(t, rec.events, 1)
	assert.Equal(t, uint64(2000), rec.events[0].HeapBytes)
	assert.Equal(t, 1, rec.events[0].ResourceCount)

	m.RemoveListener(rec)
	m.checkMemory()
	assert.Len(t, rec.events, 1)
}

func TestManagerMonitoringClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManager(WithClock(clock), WithMemoryThreshold(1000), WithMonitorInterval(time.Minute))
	m.readHeap = func() uint64 { return 2000 }

	rec := &pressureRecorder{}
	m.AddListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartMonitoring(ctx)

	clock.Advance(time.Minute)
	clock.BlockUntilReady()

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerShutdown(t *testing.T) {
	t.Run("attempts every cleanup and aggregates failures", func(t *testing.T) {
		m := NewManager()
		var order []string
		record := func(id string, err error) CleanupFunc {
			return func(context.Context) error {
				order = append(order, id)
				return err
			}
		}

		_, _ = m.Register(Resource{ID: "a", Cleanup: record("a", nil)})
		_, _ = m.Register(Resource{ID: "b", Type: TypeStream, Cleanup: record("b", errors.New("stream stuck"))})
		_, _ = m.Register(Resource{ID: "c", Cleanup: record("c", errors.New("timer stuck"))})

		err := m.Shutdown(context.Background())
		var shutdownErr *ShutdownError
		require.ErrorAs(t, err, &shutdownErr)
		assert.Len(t, shutdownErr.Failures, 2)
		assert.Equal(t, []string{"c", "b", "a"}, order)
		assert.Equal(t, "b", shutdownErr.Failures[1].ID)
		assert.Zero(t, m.Count())
	})

	t.Run("is idempotent and rejects registration", func(t *testing.T) {
		m := NewManager(WithMonitorInterval(time.Millisecond))
		m.StartMonitoring(context.Background())

		var calls int
		_, _ = m.Register(Resource{Cleanup: counting(&calls, nil)})

		require.NoError(t, m.Shutdown(context.Background()))
		require.NoError(t, m.Shutdown(context.Background()))
		assert.Equal(t, 1, calls)

		_, err := m.Register(Resource{})
		assert.ErrorIs(t, err, ErrShuttingDown)
	})
}
