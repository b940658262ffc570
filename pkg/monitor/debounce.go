package monitor

import (
	"sync"
	"time"
)

// debouncer admits at most one occurrence per key per window.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time

	now func() time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the key may fire now, recording the firing
// time when it does.
func (d *debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.last[key] = now
	return true
}

// Sweep drops entries older than the window and returns how many were
// removed.
func (d *debouncer) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	removed := 0
	for key, at := range d.last {
		if now.Sub(at) >= d.window {
			delete(d.last, key)
			removed++
		}
	}
	return removed
}
