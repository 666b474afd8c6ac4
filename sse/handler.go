// Package sse streams funnel run events to HTTP clients as Server-Sent
// Events. The handler first replays stored events for the run, then
// tails the live event bus, so a client that connects after the run
// started (or finished) still sees the full history.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Handler serves an SSE stream of run events for a given run id.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// The optional "after" query parameter resumes the stream past a
// previously seen sequence number. A heartbeat comment ": ping\n\n" is
// sent every 15 seconds. The stream closes when a run.finished event is
// sent or the client disconnects.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewHandler creates a Handler over the given event store and bus.
func NewHandler(store bus.EventStore, b bus.EventBus) *Handler {
	return &Handler{store: store, bus: b}
}

// ServeHTTP streams events for the run identified by the "run_id" path
// value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published between the two
	// phases is lost. The live tail is deduplicated by Seq.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replay(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	h.tail(ctx, w, flusher, sub, &lastSeq)
}

// replay writes stored events for the run onto the stream. It reports
// whether a run.finished event was sent, which ends the stream.
func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, afterSeq uint64, lastSeq *uint64) (bool, error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeEvent(w, ev); err != nil {
			return false, err
		}
		flusher.Flush()
		if ev.Seq > *lastSeq {
			*lastSeq = ev.Seq
		}
		if ev.Kind == bus.KindFinished {
			return true, nil
		}
	}
	return false, nil
}

// tail streams live events, skipping sequence numbers already sent
// during replay.
func (h *Handler) tail(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastSeq *uint64) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.Seq != 0 && ev.Seq <= *lastSeq {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Seq > *lastSeq {
				*lastSeq = ev.Seq
			}
			if ev.Kind == bus.KindFinished {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}
