package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// StepEvent is an immutable snapshot emitted at step boundaries.
// Events are passed by value to listeners and never persisted.
type StepEvent struct {
	RunID            string          `json:"runId"`
	FunnelID         string          `json:"funnelId"`
	ChatID           string          `json:"chatId"`
	StepID           string          `json:"stepId"`
	StepIndex        int             `json:"stepIndex"`
	Step             core.FunnelStep `json:"step"`
	Lead             core.LeadCard   `json:"lead"`
	Time             time.Time       `json:"ts"`
	ResolvedDelaySec int             `json:"resolvedDelaySec"`
}

// ErrorEvent is emitted when a step fails, just before the run aborts.
type ErrorEvent struct {
	StepEvent
	Err error `json:"-"`
}

// FinishedEvent is emitted exactly once per run, after the handle has
// been removed from the registry.
type FinishedEvent struct {
	RunID    string         `json:"runId"`
	FunnelID string         `json:"funnelId"`
	ChatID   string         `json:"chatId"`
	Lead     core.LeadCard  `json:"lead"`
	Time     time.Time      `json:"ts"`
	Status   core.RunStatus `json:"status"`
	Err      error          `json:"-"`
}

// listenerSet is one event kind's subscriber collection. Unsubscribe is
// by token, so identical callbacks never collide, and each listener is
// invoked with panic recovery so a faulty observer cannot interrupt the
// run or the other observers.
type listenerSet[T any] struct {
	mu        sync.Mutex
	nextToken int
	listeners map[int]func(T)
	logger    *slog.Logger
}

func newListenerSet[T any](logger *slog.Logger) *listenerSet[T] {
	return &listenerSet[T]{
		listeners: make(map[int]func(T)),
		logger:    logger,
	}
}

// subscribe registers fn and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (s *listenerSet[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	token := s.nextToken
	s.nextToken++
	s.listeners[token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, token)
		s.mu.Unlock()
	}
}

// emit invokes every subscriber synchronously, in subscription order.
func (s *listenerSet[T]) emit(ev T) {
	s.mu.Lock()
	tokens := make([]int, 0, len(s.listeners))
	for token := range s.listeners {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	fns := make([]func(T), len(tokens))
	for i, token := range tokens {
		fns[i] = s.listeners[token]
	}
	s.mu.Unlock()

	for _, fn := range fns {
		s.safeCall(fn, ev)
	}
}

func (s *listenerSet[T]) safeCall(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event listener panicked", "panic", r)
		}
	}()
	fn(ev)
}
