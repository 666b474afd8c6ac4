// Package bus distributes funnel run events to subscribers. It decouples
// the engine from observers such as the HTTP event stream, loggers, and
// monitoring.
package bus

import (
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
	"github.com/m-demetrio/ZapOrganic-CRM/engine"
)

// Kind identifies the type of run event on the bus.
type Kind string

const (
	KindStepStart Kind = "step.start"
	KindStepDone  Kind = "step.done"
	KindError     Kind = "run.error"
	KindFinished  Kind = "run.finished"
)

// Event is the JSON-serializable form of an engine event. Seq is a
// per-run sequence number assigned when the event is recorded; it is
// zero on buses that do not record.
type Event struct {
	Kind             Kind          `json:"kind"`
	Seq              uint64        `json:"seq,omitempty"`
	RunID            string        `json:"runId"`
	FunnelID         string        `json:"funnelId"`
	ChatID           string        `json:"chatId"`
	StepID           string        `json:"stepId,omitempty"`
	StepIndex        int           `json:"stepIndex"`
	StepType         string        `json:"stepType,omitempty"`
	ResolvedDelaySec int           `json:"resolvedDelaySec,omitempty"`
	Status           string        `json:"status,omitempty"`
	Error            string        `json:"error,omitempty"`
	Lead             core.LeadCard `json:"lead"`
	Time             time.Time     `json:"ts"`
}

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// runs.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the subscription's event channel. It is closed
	// when the subscription or the bus closes.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Connect bridges an engine's event surface onto the bus and returns
// the combined unsubscribe function.
func Connect(eng *engine.Engine, b EventBus) func() {
	unsubs := []func(){
		eng.OnStepStart(func(ev engine.StepEvent) {
			b.Publish(fromStepEvent(KindStepStart, ev))
		}),
		eng.OnStepDone(func(ev engine.StepEvent) {
			b.Publish(fromStepEvent(KindStepDone, ev))
		}),
		eng.OnError(func(ev engine.ErrorEvent) {
			e := fromStepEvent(KindError, ev.StepEvent)
			if ev.Err != nil {
				e.Error = ev.Err.Error()
			}
			b.Publish(e)
		}),
		eng.OnFinished(func(ev engine.FinishedEvent) {
			e := Event{
				Kind:     KindFinished,
				RunID:    ev.RunID,
				FunnelID: ev.FunnelID,
				ChatID:   ev.ChatID,
				Status:   string(ev.Status),
				Lead:     ev.Lead,
				Time:     ev.Time,
			}
			if ev.Err != nil {
				e.Error = ev.Err.Error()
			}
			b.Publish(e)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func fromStepEvent(kind Kind, ev engine.StepEvent) Event {
	return Event{
		Kind:             kind,
		RunID:            ev.RunID,
		FunnelID:         ev.FunnelID,
		ChatID:           ev.ChatID,
		StepID:           ev.StepID,
		StepIndex:        ev.StepIndex,
		StepType:         string(ev.Step.Type),
		ResolvedDelaySec: ev.ResolvedDelaySec,
		Lead:             ev.Lead,
		Time:             ev.Time,
	}
}
