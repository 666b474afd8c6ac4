package bus

import "sync"

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber
	// (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Slow subscribers never block a run:
// events are dropped when a subscriber's buffer is full.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the run's subscribers and every global
// subscriber. Events published after Close are silently dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific run. Closing the
// subscription removes it from the bus.
func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	sub.detach = func() { b.dropRunSub(runID, sub) }
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all
// runs. Closing the subscription removes it from the bus.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	sub.detach = func() { b.dropGlobalSub(sub) }
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

func (b *MemBus) dropRunSub(runID string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := removeSub(b.subs[runID], sub)
	if len(remaining) == 0 {
		delete(b.subs, runID)
		return
	}
	b.subs[runID] = remaining
}

func (b *MemBus) dropGlobalSub(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.globalSubs = removeSub(b.globalSubs, sub)
}

func removeSub(subs []*memSub, target *memSub) []*memSub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

type memSub struct {
	ch     chan Event
	detach func()
	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int) *memSub {
	return &memSub{ch: make(chan Event, bufSize)}
}

func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus before closing the
// channel, so abandoned subscribers do not accumulate.
func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event, dropping it when the buffer is full or the
// subscription is closed.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
