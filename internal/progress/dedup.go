package progress

import (
	"sync"
	"time"
)

// dedupGate suppresses repeated events from the same key inside a fixed
// window. The check-then-stamp is done under one lock so rapid duplicate
// bursts for a key cannot double-accept. Timestamps come from time.Now's
// monotonic reading, so wall-clock adjustments cannot reopen a window early.
type dedupGate struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newDedupGate(window time.Duration, now func() time.Time) *dedupGate {
	return &dedupGate{
		window: window,
		last:   make(map[string]time.Time),
		now:    now,
	}
}

// Allow reports whether an event for key is outside the dedup window and, if
// so, stamps the window open from now.
func (g *dedupGate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.last[key] = now
	return true
}

// Forget drops dedup state for key, e.g. when a participant leaves.
func (g *dedupGate) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, key)
}
