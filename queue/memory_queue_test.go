package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type fixedSize int64

func (f fixedSize) SizeBytes() int64 { return int64(f) }

// constant returns an estimator charging n bytes per item
func constant[T any](n int64) SizeEstimator[T] {
	return SizeEstimatorFunc[T](func(T) int64 { return n })
}

type pressureListener struct {
	mu           sync.Mutex
	backpressure int
	memory       int
}

func (l *pressureListener) OnBackpressure(Stats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backpressure++
}

func (l *pressureListener) OnMemoryPressure(Stats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memory++
}

func (l *pressureListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backpressure, l.memory
}

func TestMemoryAwareQueue(t *testing.T) {
	t.Run("preserves FIFO order", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](constant[int](8), WithMonitorInterval(0))
		defer q.Close()

		for i := 0; i < 500; i++ {
			require.True(t, q.Enqueue(i))
		}

		items := q.DequeueBatch(q.Size())
		require.Len(t, items, 500)
		for i, item := range items {
			assert.Equal(t, i, item.Payload)
		}
		assert.Zero(t, q.Size())
		assert.Zero(t, q.MemoryUsage())
	})

	t.Run("interleaved dequeues keep order", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](constant[int](1), WithMonitorInterval(0))
		defer q.Close()

		next := 0
		for i := 0; i < 300; i++ {
			q.Enqueue(i)
			if i%3 == 0 {
				item, ok := q.Dequeue()
				require.True(t, ok)
				assert.Equal(t, next, item.Payload)
				next++
			}
		}
		for _, item := range q.DequeueBatch(1000) {
			assert.Equal(t, next, item.Payload)
			next++
		}
		assert.Equal(t, 300, next)
	})

	t.Run("rejects items past the size bound", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](constant[int](1), WithMaxSize(2), WithMonitorInterval(0))
		defer q.Close()

		assert.True(t, q.Enqueue(1))
		assert.True(t, q.Enqueue(2))
		assert.False(t, q.Enqueue(3))
		assert.Equal(t, 2, q.Size())
		assert.Equal(t, uint64(1), q.Stats().Rejected)
	})

	t.Run("rejects items past the memory bound without growing", func(t *testing.T) {
		q := NewMemoryAwareQueue[fixedSize](nil, WithMaxMemoryBytes(1000), WithMonitorInterval(0))
		defer q.Close()

		assert.True(t, q.Enqueue(fixedSize(400)))
		assert.True(t, q.Enqueue(fixedSize(400)))
		before := q.Size()

		assert.False(t, q.Enqueue(fixedSize(400)))
		assert.Equal(t, before, q.Size())
		assert.LessOrEqual(t, q.MemoryUsage(), int64(1000))
	})

	t.Run("signals backpressure at capacity", func(t *testing.T) {
		l := &pressureListener{}
		q := NewMemoryAwareQueue[int](constant[int](1), WithMaxSize(2), WithMonitorInterval(0))
		defer q.Close()
		q.AddListener(l)

		q.Enqueue(1)
		bp, _ := l.counts()
		assert.Zero(t, bp)

		q.Enqueue(2)
		bp, _ = l.counts()
		assert.Equal(t, 1, bp)

		q.RemoveListener(l)
		q.Dequeue()
		q.Enqueue(3)
		bp, _ = l.counts()
		assert.Equal(t, 1, bp)
	})

	t.Run("peek does not remove", func(t *testing.T) {
		q := NewMemoryAwareQueue[string](nil, WithMonitorInterval(0))
		defer q.Close()

		_, ok := q.Peek()
		assert.False(t, ok)

		q.Enqueue("a")
		item, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, "a", item.Payload)
		assert.Equal(t, 1, q.Size())
	})

	t.Run("clear empties the queue and its memory", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](constant[int](10), WithMonitorInterval(0))
		defer q.Close()

		q.Enqueue(1)
		q.Enqueue(2)
		assert.Equal(t, 2, q.Clear())
		assert.Zero(t, q.Size())
		assert.Zero(t, q.MemoryUsage())
		assert.True(t, q.Enqueue(3))
	})

	t.Run("batch dequeue handles short and empty queues", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](nil, WithMonitorInterval(0))
		defer q.Close()

		assert.Equal(t, []Item[int]{}, q.DequeueBatch(5))
		q.Enqueue(1)
		q.Enqueue(2)
		assert.Len(t, q.DequeueBatch(5), 2)
	})

	t.Run("removes items older than max age from the head", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		q := NewMemoryAwareQueue[int](constant[int](10), WithClock(clock), WithMonitorInterval(0))
		defer q.Close()

		q.Enqueue(1)
		q.Enqueue(2)
		clock.Advance(time.Minute)
		q.Enqueue(3)
		clock.Advance(30 * time.Second)

		removed := q.RemoveOldItems(time.Minute)
		assert.Equal(t, 2, removed)
		assert.Equal(t, 1, q.Size())
		assert.Equal(t, int64(10), q.MemoryUsage())

		item, _ := q.Peek()
		assert.Equal(t, 3, item.Payload)
	})

	t.Run("stats report size, memory and oldest age", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		q := NewMemoryAwareQueue[int](constant[int](100), WithClock(clock), WithMonitorInterval(0))
		defer q.Close()

		stats := q.Stats()
		assert.Nil(t, stats.OldestItemAge)

		q.Enqueue(1)
		q.Enqueue(2)
		clock.Advance(3 * time.Second)

		stats = q.Stats()
		assert.Equal(t, 2, stats.Size)
		assert.Equal(t, int64(200), stats.EstimatedMemoryBytes)
		assert.Equal(t, int64(100), stats.AverageItemSize)
		require.NotNil(t, stats.OldestItemAge)
		assert.Equal(t, 3*time.Second, *stats.OldestItemAge)
	})

	t.Run("memory monitor warns and evicts adaptively", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		l := &pressureListener{}
		q := NewMemoryAwareQueue[int](constant[int](100),
			WithClock(clock),
			WithMaxMemoryBytes(1000),
			WithAdaptiveSize(true),
			WithMaxItemAge(time.Hour),
			WithMonitorInterval(0),
		)
		defer q.Close()
		q.AddListener(l)

		for i := 0; i < 9; i++ {
			q.Enqueue(i)
		}
		clock.Advance(45 * time.Minute)

		q.checkMemory()
		_, mem := l.counts()
		assert.Equal(t, 1, mem)
		assert.Equal(t, 9, q.Size(), "nothing is older than the first adaptive age")
		assert.Equal(t, 30*time.Minute, q.adaptiveAge)

		q.checkMemory()
		assert.Zero(t, q.Size())
		assert.Equal(t, uint64(9), q.Stats().Evicted)
	})

	t.Run("monitor ticks follow the injected clock", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		q := NewMemoryAwareQueue[int](constant[int](10),
			WithClock(clock),
			WithMaxItemAge(time.Hour),
			WithMonitorInterval(time.Minute),
		)
		defer q.Close()

		for i := 0; i < 3; i++ {
			q.Enqueue(i)
		}
		clock.Advance(61 * time.Minute)
		clock.BlockUntilReady()

		assert.Eventually(t, func() bool { return q.Size() == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(3), q.Stats().Evicted)
	})

	t.Run("close rejects further enqueues and is idempotent", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](nil, WithMonitorInterval(time.Millisecond))
		q.Enqueue(1)
		q.Close()

		assert.False(t, q.Enqueue(2))
		assert.NotPanics(t, q.Close)

		item, ok := q.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, 1, item.Payload)
	})

	t.Run("notify fires after enqueue", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](nil, WithMonitorInterval(0))
		defer q.Close()

		q.Enqueue(1)
		select {
		case <-q.Notify():
		default:
			t.Fatal("expected a notification")
		}
	})

	t.Run("concurrent producers never exceed the bound", func(t *testing.T) {
		q := NewMemoryAwareQueue[int](constant[int](1), WithMaxSize(100), WithMonitorInterval(0))
		defer q.Close()

		var wg sync.WaitGroup
		accepted := make(chan struct{}, 1000)
		for p := 0; p < 10; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if q.Enqueue(i) {
						accepted <- struct{}{}
					}
				}
			}()
		}
		wg.Wait()
		close(accepted)

		assert.Equal(t, 100, len(accepted))
		assert.Equal(t, 100, q.Size())
	})
}

func TestMsgpackEstimator(t *testing.T) {
	type record struct {
		Actor  string
		Action string
	}

	est := MsgpackEstimator[record]{}
	small := est.EstimateSize(record{Actor: "a", Action: "b"})
	large := est.EstimateSize(record{Actor: string(make([]byte, 4096)), Action: "b"})
	assert.Greater(t, large, small)

	assert.Equal(t, int64(500), MsgpackEstimator[fixedSize]{}.EstimateSize(fixedSize(500)))
	assert.Equal(t, DefaultItemSize, MsgpackEstimator[chan int]{}.EstimateSize(make(chan int)))

	t.Run("self-referencing payloads fall back to the default size", func(t *testing.T) {
		type node struct {
			Name string
			Next *node
		}
		a := &node{Name: "a"}
		a.Next = a
		assert.Equal(t, DefaultItemSize, MsgpackEstimator[*node]{}.EstimateSize(a))

		b := &node{Name: "b"}
		c := &node{Name: "c", Next: b}
		b.Next = c
		assert.Equal(t, DefaultItemSize, MsgpackEstimator[*node]{}.EstimateSize(b))

		m := map[string]interface{}{"k": "v"}
		m["self"] = m
		assert.Equal(t, DefaultItemSize, MsgpackEstimator[map[string]interface{}]{}.EstimateSize(m))

		q := NewMemoryAwareQueue[*node](nil, WithMonitorInterval(0))
		defer q.Close()
		require.True(t, q.Enqueue(a))
		assert.Equal(t, DefaultItemSize, q.MemoryUsage())
	})

	t.Run("shared acyclic references are measured", func(t *testing.T) {
		type pair struct {
			Left, Right *record
		}
		shared := &record{Actor: "a", Action: "b"}
		size := MsgpackEstimator[pair]{}.EstimateSize(pair{Left: shared, Right: shared})
		assert.NotEqual(t, DefaultItemSize, size)
		assert.Greater(t, size, itemOverhead)
	})

	t.Run("nesting past the depth bound falls back", func(t *testing.T) {
		type chain struct {
			Next *chain
		}
		head := &chain{}
		for i := 0; i < 2*maxWalkDepth; i++ {
			head = &chain{Next: head}
		}
		assert.Equal(t, DefaultItemSize, MsgpackEstimator[*chain]{}.EstimateSize(head))
	})
}
