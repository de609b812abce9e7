package syncutil

import (
	"math/rand"
	"sync"
	"time"
)

// Debouncer implements per-key time-window suppression with a probabilistic
// purge, per spec.md §4.1. Zero value is not usable; use NewDebouncer.
type Debouncer[K comparable] struct {
	mu     sync.Mutex
	seen   map[K]time.Time
	window time.Duration

	purgeProbability float64
	purgeMaxEvicted  int

	now func() time.Time
}

// NewDebouncer builds a Debouncer with the given suppression window.
// purgeProbability is the chance (0,1] that any call also runs a best-effort
// purge pass; purgeMaxEvicted bounds how many stale entries one purge pass
// removes.
func NewDebouncer[K comparable](window time.Duration, purgeProbability float64, purgeMaxEvicted int) *Debouncer[K] {
	if purgeMaxEvicted <= 0 {
		purgeMaxEvicted = 100
	}
	return &Debouncer[K]{
		seen:             make(map[K]time.Time),
		window:           window,
		purgeProbability: purgeProbability,
		purgeMaxEvicted:  purgeMaxEvicted,
		now:              time.Now,
	}
}

// Throttle returns true if key was accepted within the last window and the
// caller should suppress the event; otherwise it records a fresh timestamp
// and returns false.
func (d *Debouncer[K]) Throttle(key K) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if rand.Float64() < d.purgeProbability {
		d.purgeLocked(now)
	}

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// purgeLocked evicts up to purgeMaxEvicted entries older than window. Must
// be called with mu held. False negatives (stale entries left behind) are
// acceptable - the next Throttle call on that key will simply overwrite it.
func (d *Debouncer[K]) purgeLocked(now time.Time) {
	evicted := 0
	for k, t := range d.seen {
		if evicted >= d.purgeMaxEvicted {
			return
		}
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
			evicted++
		}
	}
}
