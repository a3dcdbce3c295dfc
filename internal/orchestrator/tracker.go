package orchestrator

import (
	"sync"
)

// runHandle is the stop-signal channel between Stop and the goroutine
// executing one run.
type runHandle struct {
	runID string

	mu     sync.Mutex
	stopCh chan struct{}
	force  bool
}

func newRunHandle(runID string) *runHandle {
	return &runHandle{runID: runID, stopCh: make(chan struct{})}
}

// signalStop requests termination. Force wins over a prior graceful
// request; the channel closes once.
func (h *runHandle) signalStop(force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if force {
		h.force = true
	}
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

// stopRequested reports whether a stop has been signalled, and its mode.
func (h *runHandle) stopRequested() (stopped, force bool) {
	select {
	case <-h.stopCh:
	default:
		return false, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return true, h.force
}

// tracker enforces single-writer per run: only the goroutine holding the
// claim may mutate the run and its nodes.
type tracker struct {
	mu   sync.Mutex
	runs map[string]*runHandle
}

func newTracker() *tracker {
	return &tracker{runs: make(map[string]*runHandle)}
}

// claim registers ownership of a run. The second return is false when the
// run is already owned.
func (t *tracker) claim(runID string) (*runHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.runs[runID]; exists {
		return nil, false
	}
	h := newRunHandle(runID)
	t.runs[runID] = h
	return h, true
}

// release drops ownership.
func (t *tracker) release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

// get returns the handle of a locally owned run, or nil.
func (t *tracker) get(runID string) *runHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[runID]
}

// active counts locally owned runs.
func (t *tracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
