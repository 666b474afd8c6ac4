// Package engine executes funnels against a chat: it owns the run
// registry, the step sequencer, delay resolution, presence simulation,
// tag mutation, and the step-event surface. Message and media dispatch,
// lead persistence, and webhook delivery are external collaborators
// injected at construction.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-demetrio/ZapOrganic-CRM/bridge"
	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Engine errors surfaced through error and finished events.
var (
	ErrSendMessageFailed = errors.New("send-message-failed")
	ErrSendFileFailed    = errors.New("send-file-failed")
	ErrMissingChatID     = errors.New("missing-id")
)

// Bridge is the messaging dispatch surface the sequencer drives.
// *bridge.Client satisfies it.
type Bridge interface {
	SendText(ctx context.Context, chatID, text string) (core.SendResult, error)
	SendFile(ctx context.Context, chatID string, media core.MediaPayload, opts bridge.FileOptions) (core.SendResult, error)
	MarkComposing(ctx context.Context, chatID string, durationMs int) error
	MarkRecording(ctx context.Context, chatID string, durationMs int) error
	MarkPaused(ctx context.Context, chatID string) error
}

// MediaResolver turns an opaque media reference into a payload.
// *bridge.MediaResolver satisfies it.
type MediaResolver interface {
	Resolve(ctx context.Context, id string) (core.MediaPayload, error)
}

// LeadStore persists lead snapshots mutated by tag steps.
type LeadStore interface {
	Save(ctx context.Context, lead core.LeadCard) error
}

// WebhookDispatcher posts step notifications to the configured endpoint.
// *webhook.Dispatcher satisfies it.
type WebhookDispatcher interface {
	Post(ctx context.Context, url, secret string, body any) error
}

// Options configures an Engine. Bridge is required; the remaining
// collaborators may be nil when the funnels never use the step types
// that need them.
type Options struct {
	Bridge   Bridge
	Leads    LeadStore
	Media    MediaResolver
	Webhooks WebhookDispatcher

	Logger *slog.Logger

	// Now and Rand are test seams; they default to time.Now and a
	// time-seeded source.
	Now  func() time.Time
	Rand *rand.Rand
}

// Engine coordinates funnel runs. All methods are safe for concurrent
// use; each run executes on its own goroutine, strictly sequential
// within itself and independent of every other run.
type Engine struct {
	bridge   Bridge
	leads    LeadStore
	media    MediaResolver
	webhooks WebhookDispatcher
	logger   *slog.Logger
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	registry *registry

	stepStart *listenerSet[StepEvent]
	stepDone  *listenerSet[StepEvent]
	errored   *listenerSet[ErrorEvent]
	finished  *listenerSet[FinishedEvent]
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Bridge == nil {
		return nil, errors.New("engine bridge is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		bridge:    opts.Bridge,
		leads:     opts.Leads,
		media:     opts.Media,
		webhooks:  opts.Webhooks,
		logger:    logger,
		now:       now,
		rng:       rng,
		registry:  newRegistry(),
		stepStart: newListenerSet[StepEvent](logger),
		stepDone:  newListenerSet[StepEvent](logger),
		errored:   newListenerSet[ErrorEvent](logger),
		finished:  newListenerSet[FinishedEvent](logger),
	}, nil
}

// RunInput is everything one run needs. Funnel and Settings are
// read-only; Lead is a snapshot the run mutates transiently during tag
// steps.
type RunInput struct {
	Funnel   core.Funnel
	ChatID   string
	Lead     core.LeadCard
	Settings core.IntegrationSettings
}

// RunFunnel registers a run, launches the sequencer on its own
// goroutine, and returns the run id immediately. Failures never
// propagate back through this call; all outcomes surface through the
// error and finished events. The caller's context only scopes request
// values; cancelling it does not cancel the run — use Cancel.
func (e *Engine) RunFunnel(ctx context.Context, in RunInput) string {
	id := newRunID()
	h := newRunHandle(id)
	e.registry.add(h)

	e.logger.Info("run started",
		"runId", id, "funnelId", in.Funnel.ID, "chatId", in.ChatID, "steps", len(in.Funnel.Steps))

	go e.run(context.WithoutCancel(ctx), h, in)
	return id
}

// Cancel flips the run's cancelled flag. It reports whether the run was
// still active. Cancellation is cooperative: it takes effect at the
// next checkpoint and never aborts an already-dispatched bridge call.
func (e *Engine) Cancel(runID string) bool {
	h, ok := e.registry.get(runID)
	if !ok {
		return false
	}
	h.cancel()
	e.logger.Info("run cancelled", "runId", runID)
	return true
}

// Pause suspends the run at its next checkpoint without discarding
// remaining steps. It reports whether the run was still active.
func (e *Engine) Pause(runID string) bool {
	h, ok := e.registry.get(runID)
	if !ok {
		return false
	}
	h.pause()
	e.logger.Info("run paused", "runId", runID)
	return true
}

// Resume releases a paused run. It reports whether the run was still
// active.
func (e *Engine) Resume(runID string) bool {
	h, ok := e.registry.get(runID)
	if !ok {
		return false
	}
	h.resume()
	e.logger.Info("run resumed", "runId", runID)
	return true
}

// ActiveRuns returns the ids of runs that have not reached a terminal
// state.
func (e *Engine) ActiveRuns() []string {
	return e.registry.ids()
}

// OnStepStart subscribes to step-start events and returns the
// unsubscribe function.
func (e *Engine) OnStepStart(fn func(StepEvent)) func() {
	return e.stepStart.subscribe(fn)
}

// OnStepDone subscribes to step-done events.
func (e *Engine) OnStepDone(fn func(StepEvent)) func() {
	return e.stepDone.subscribe(fn)
}

// OnError subscribes to step failure events.
func (e *Engine) OnError(fn func(ErrorEvent)) func() {
	return e.errored.subscribe(fn)
}

// OnFinished subscribes to run-terminal events.
func (e *Engine) OnFinished(fn func(FinishedEvent)) func() {
	return e.finished.subscribe(fn)
}

// resolveDelay serializes access to the shared random source.
func (e *Engine) resolveDelay(step core.FunnelStep, settings core.IntegrationSettings) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return resolveDelaySec(step, settings.DefaultDelaySec, e.rng)
}

func newRunID() string {
	return "zop-funnel-" + uuid.NewString()
}
