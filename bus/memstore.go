package bus

import (
	"context"
	"sync"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// NewMemEventStore creates an in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, e := range s.events[runID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

var _ EventStore = (*MemEventStore)(nil)
