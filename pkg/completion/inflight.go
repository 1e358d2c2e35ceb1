package completion

import "sync"

// inflight enforces the one-in-flight invariant: at most one generation per
// chat at any time. Explicit registry owned by the engine, not a process
// global.
type inflight struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{active: make(map[string]struct{})}
}

func (f *inflight) acquire(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[chatID]; busy {
		return false
	}
	f.active[chatID] = struct{}{}
	return true
}

func (f *inflight) release(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, chatID)
}

func (f *inflight) busy(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.active[chatID]
	return busy
}
