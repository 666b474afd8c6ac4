package bus

import (
	"context"
	"sync"
)

// EventStore persists run events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event Event) error

	// List returns events for a run in publish order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}

// RecordingBus wraps an EventBus so every published event is stamped
// with a per-run sequence number and appended to an EventStore before
// delivery. Subscribers that connect late can replay the store and
// deduplicate the live tail by Seq.
type RecordingBus struct {
	inner EventBus
	store EventStore

	mu   sync.Mutex
	seqs map[string]uint64
}

// Record wraps inner so published events are persisted to store.
func Record(inner EventBus, store EventStore) *RecordingBus {
	return &RecordingBus{
		inner: inner,
		store: store,
		seqs:  make(map[string]uint64),
	}
}

// Publish stamps the event, appends it to the store, then forwards it
// to the inner bus. The append happens first so a subscriber holding a
// live channel never sees an event that replay could miss.
func (b *RecordingBus) Publish(event Event) {
	b.mu.Lock()
	b.seqs[event.RunID]++
	event.Seq = b.seqs[event.RunID]
	b.mu.Unlock()

	_ = b.store.Append(context.Background(), event)
	b.inner.Publish(event)
}

func (b *RecordingBus) Subscribe(runID string) Subscription {
	return b.inner.Subscribe(runID)
}

func (b *RecordingBus) SubscribeAll() Subscription {
	return b.inner.SubscribeAll()
}

func (b *RecordingBus) Close() error {
	return b.inner.Close()
}

var _ EventBus = (*RecordingBus)(nil)
