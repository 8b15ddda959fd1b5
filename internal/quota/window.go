package quota

import (
	"sync"
	"time"
)

// Window is a sliding-window counter: at most limit events per key within
// any span of window. Used for login attempts per remote host and tweets
// per dashboard.
type Window struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewWindow creates a new window counter.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether it is within the limit.
// A refused event is not recorded.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	var recent []time.Time
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= w.limit {
		w.events[key] = recent
		return false
	}

	w.events[key] = append(recent, now)
	return true
}

// Reset forgets every event recorded for key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// Prune drops keys with no event inside the window.
func (w *Window) Prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	for key, times := range w.events {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(w.events, key)
		}
	}
}
