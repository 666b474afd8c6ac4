// Package otel translates funnel engine events into OpenTelemetry
// spans and metrics.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/m-demetrio/ZapOrganic-CRM/engine"
)

// TracingHandler maintains one root span per run and a child span per
// step, created and ended from engine events.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span       // runID -> span
	runCtxs   map[string]context.Context  // runID -> context (for child spans)
	stepSpans map[stepKey]trace.Span
}

type stepKey struct {
	runID string
	index int
}

// NewTracingHandler creates a TracingHandler that uses the given tracer
// to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[stepKey]trace.Span),
	}
}

// Attach subscribes the handler to the engine's event surface and
// returns the combined unsubscribe function.
func (h *TracingHandler) Attach(e *engine.Engine) func() {
	unsubs := []func(){
		e.OnStepStart(h.HandleStepStart),
		e.OnStepDone(h.HandleStepDone),
		e.OnError(h.HandleError),
		e.OnFinished(h.HandleFinished),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// HandleStepStart opens the run span on the first step and a child span
// for the step itself.
func (h *TracingHandler) HandleStepStart(ev engine.StepEvent) {
	parentCtx := h.ensureRunSpan(ev)

	_, span := h.tracer.Start(parentCtx, "step:"+string(ev.Step.Type),
		trace.WithAttributes(
			attribute.String("zaporganic.run_id", ev.RunID),
			attribute.String("zaporganic.step_id", ev.StepID),
			attribute.Int("zaporganic.step_index", ev.StepIndex),
			attribute.String("zaporganic.step_type", string(ev.Step.Type)),
			attribute.Int("zaporganic.resolved_delay_sec", ev.ResolvedDelaySec),
		),
		trace.WithTimestamp(ev.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey{ev.RunID, ev.StepIndex}] = span
	h.mu.Unlock()
}

func (h *TracingHandler) ensureRunSpan(ev engine.StepEvent) context.Context {
	h.mu.RLock()
	ctx, ok := h.runCtxs[ev.RunID]
	h.mu.RUnlock()
	if ok {
		return ctx
	}

	ctx, span := h.tracer.Start(context.Background(), "funnel:"+ev.FunnelID,
		trace.WithAttributes(
			attribute.String("zaporganic.run_id", ev.RunID),
			attribute.String("zaporganic.funnel_id", ev.FunnelID),
			attribute.String("zaporganic.chat_id", ev.ChatID),
		),
		trace.WithTimestamp(ev.Time),
	)

	h.mu.Lock()
	h.runSpans[ev.RunID] = span
	h.runCtxs[ev.RunID] = ctx
	h.mu.Unlock()
	return ctx
}

// HandleStepDone ends the step span with success status.
func (h *TracingHandler) HandleStepDone(ev engine.StepEvent) {
	if span, ok := h.takeStepSpan(ev.RunID, ev.StepIndex); ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(ev.Time))
	}
}

// HandleError ends the step span with error status.
func (h *TracingHandler) HandleError(ev engine.ErrorEvent) {
	span, ok := h.takeStepSpan(ev.RunID, ev.StepIndex)
	if !ok {
		return
	}
	err := ev.Err
	if err == nil {
		err = errors.New("step failed")
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err, trace.WithTimestamp(ev.Time))
	span.End(trace.WithTimestamp(ev.Time))
}

// HandleFinished ends the run span. Unfinished step spans (a step
// interrupted by cancellation) are ended alongside it.
func (h *TracingHandler) HandleFinished(ev engine.FinishedEvent) {
	h.mu.Lock()
	span, ok := h.runSpans[ev.RunID]
	if ok {
		delete(h.runSpans, ev.RunID)
		delete(h.runCtxs, ev.RunID)
	}
	var orphans []trace.Span
	for key, stepSpan := range h.stepSpans {
		if key.runID == ev.RunID {
			orphans = append(orphans, stepSpan)
			delete(h.stepSpans, key)
		}
	}
	h.mu.Unlock()

	for _, stepSpan := range orphans {
		stepSpan.End(trace.WithTimestamp(ev.Time))
	}
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("zaporganic.status", string(ev.Status)))
	if ev.Err != nil {
		span.SetStatus(codes.Error, ev.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ev.Time))
}

func (h *TracingHandler) takeStepSpan(runID string, index int) (trace.Span, bool) {
	key := stepKey{runID, index}
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	return span, ok
}

// ActiveRunSpanContext returns the SpanContext of the run's root span,
// or an empty SpanContext when the run is not traced.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}
