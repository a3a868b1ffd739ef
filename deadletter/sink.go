package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("deadletter: record not found")
	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("deadletter: store is closed")
)

// Sink persists dead-letter records. List returns records in the order
// they were appended.
type Sink[T any] interface {
	// Append durably writes a record
	Append(ctx context.Context, record Record[T]) error

	// List returns all current records
	List(ctx context.Context) ([]Record[T], error)

	// Get returns a record by ID
	Get(ctx context.Context, id string) (Record[T], error)

	// Delete removes a record by ID
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes records last failed before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the sink
	Close() error
}

// MemorySink keeps records in process memory
type MemorySink[T any] struct {
	mu      sync.RWMutex
	records []Record[T]
	closed  bool
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink[T any]() *MemorySink[T] {
	return &MemorySink[T]{}
}

// Append stores a record
func (s *MemorySink[T]) Append(ctx context.Context, record Record[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.records = append(s.records, record)
	return nil
}

// List returns a copy of all records
func (s *MemorySink[T]) List(ctx context.Context) ([]Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record[T], len(s.records))
	copy(out, s.records)
	return out, nil
}

// Get returns a record by ID
func (s *MemorySink[T]) Get(ctx context.Context, id string) (Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record[T]{}, ErrNotFound
}

// Delete removes a record
func (s *MemorySink[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteOlderThan removes expired records
func (s *MemorySink[T]) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.LastFailureTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	// clear the tail so removed payloads can be collected
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = Record[T]{}
	}
	s.records = kept
	return removed, nil
}

// Close rejects further appends
func (s *MemorySink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
