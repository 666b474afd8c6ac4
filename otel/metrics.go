package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/m-demetrio/ZapOrganic-CRM/engine"
)

// MetricsHandler records counters and histograms for step executions,
// failures, and run durations.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram

	mu        sync.Mutex
	runStarts map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter
// to create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("zaporganic.step.executions",
		metric.WithDescription("Number of funnel steps completed"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("zaporganic.step.failures",
		metric.WithDescription("Number of funnel steps that failed"),
	)
	if err != nil {
		return nil, err
	}

	runsFin, err := meter.Int64Counter("zaporganic.run.finished",
		metric.WithDescription("Number of funnel runs reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("zaporganic.run.duration",
		metric.WithDescription("Duration of a funnel run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		runsFinished:   runsFin,
		runDuration:    runDur,
		runStarts:      make(map[string]time.Time),
	}, nil
}

// Attach subscribes the handler to the engine's event surface and
// returns the combined unsubscribe function.
func (h *MetricsHandler) Attach(e *engine.Engine) func() {
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

// HandleStepStart remembers when the run's first step began.
func (h *MetricsHandler) HandleStepStart(ev engine.StepEvent) {
	h.mu.Lock()
	if _, ok := h.runStarts[ev.RunID]; !ok {
		h.runStarts[ev.RunID] = ev.Time
	}
	h.mu.Unlock()
}

// HandleStepDone increments the execution counter.
func (h *MetricsHandler) HandleStepDone(ev engine.StepEvent) {
	h.stepExecutions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("step_type", string(ev.Step.Type)),
		attribute.String("funnel_id", ev.FunnelID),
	))
}

// HandleError increments the failure counter.
func (h *MetricsHandler) HandleError(ev engine.ErrorEvent) {
	h.stepFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("step_type", string(ev.Step.Type)),
		attribute.String("funnel_id", ev.FunnelID),
	))
}

// HandleFinished counts the terminal status and records the run
// duration when a start time was observed.
func (h *MetricsHandler) HandleFinished(ev engine.FinishedEvent) {
	ctx := context.Background()
	h.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(ev.Status)),
		attribute.String("funnel_id", ev.FunnelID),
	))

	h.mu.Lock()
	startedAt, ok := h.runStarts[ev.RunID]
	if ok {
		delete(h.runStarts, ev.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.runDuration.Record(ctx, ev.Time.Sub(startedAt).Seconds(), metric.WithAttributes(
		attribute.String("funnel_id", ev.FunnelID),
	))
}
