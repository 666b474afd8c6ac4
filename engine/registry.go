package engine

import (
	"errors"
	"sync"
	"time"
)

// errRunCancelled signals cooperative cancellation observed at a
// checkpoint. It aborts the sequencer loop without being recorded as a
// step failure.
var errRunCancelled = errors.New("run cancelled")

// runHandle is the mutable state of one in-flight run. It is created at
// run start, exclusively owned by the registry, and deleted exactly once
// when the run reaches a terminal state.
type runHandle struct {
	id string

	mu        sync.Mutex
	cancelled bool
	paused    bool
	err       error
	cancelCh  chan struct{} // closed exactly once on cancel
	resumeCh  chan struct{} // replaced on pause, closed on resume
}

func newRunHandle(id string) *runHandle {
	return &runHandle{
		id:       id,
		cancelCh: make(chan struct{}),
	}
}

// cancel flips the cancelled flag. It takes effect only at the next
// checkpoint; an already-dispatched remote call is never aborted. Cancel
// while paused unblocks the pause gate, so the run ends cancelled.
func (h *runHandle) cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	close(h.cancelCh)
}

// pause suspends progress at the next checkpoint. Pausing a cancelled
// run is a no-op.
func (h *runHandle) pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.cancelled {
		return
	}
	h.paused = true
	h.resumeCh = make(chan struct{})
}

// resume releases a paused run.
func (h *runHandle) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	close(h.resumeCh)
}

// checkpoint blocks while the run is paused and returns errRunCancelled
// once the cancelled flag is observed. It is consulted before each step
// and after every suspension point.
func (h *runHandle) checkpoint() error {
	for {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return errRunCancelled
		}
		if !h.paused {
			h.mu.Unlock()
			return nil
		}
		resume := h.resumeCh
		h.mu.Unlock()

		select {
		case <-resume:
		case <-h.cancelCh:
		}
	}
}

// wait sleeps for d or until the run is cancelled, whichever comes
// first. It returns errRunCancelled when interrupted.
func (h *runHandle) wait(d time.Duration) error {
	if d <= 0 {
		return h.checkpoint()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return h.checkpoint()
	case <-h.cancelCh:
		return errRunCancelled
	}
}

func (h *runHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *runHandle) state() (cancelled bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled, h.err
}

// registry owns the collection of in-flight run handles. A run is
// present here if and only if it has not reached a terminal state.
type registry struct {
	mu   sync.Mutex
	runs map[string]*runHandle
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*runHandle)}
}

func (r *registry) add(h *runHandle) {
	r.mu.Lock()
	r.runs[h.id] = h
	r.mu.Unlock()
}

func (r *registry) get(id string) (*runHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[id]
	return h, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}
