package workflow

import (
	"context"
	"sync"
	"time"
)

type activeRun struct {
	cancel    context.CancelFunc
	state     State
	startedAt time.Time
}

// runTracker keeps the cancel handle and current state of in-flight runs.
type runTracker struct {
	runs map[string]*activeRun
	mu   sync.RWMutex
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*activeRun)}
}

func (t *runTracker) add(runID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = &activeRun{cancel: cancel, state: StateIndependent, startedAt: time.Now()}
}

func (t *runTracker) setState(runID string, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		r.state = s
	}
}

func (t *runTracker) state(runID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[runID]
	if !ok {
		return "", false
	}
	return r.state, true
}

func (t *runTracker) cancel(runID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[runID]
	if !ok {
		return false
	}
	r.cancel()
	return true
}

func (t *runTracker) remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

func (t *runTracker) active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	return ids
}
