package syncutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_SuppressesWithinWindow(t *testing.T) {
	d := NewDebouncer[string](50*time.Millisecond, 0, 100)

	fakeNow := time.Now()
	d.now = func() time.Time { return fakeNow }

	require.False(t, d.Throttle("P1"), "first call must never be throttled")

	for i := 0; i < 5; i++ {
		fakeNow = fakeNow.Add(5 * time.Millisecond)
		assert.True(t, d.Throttle("P1"), "calls within the window must be throttled")
	}

	fakeNow = fakeNow.Add(60 * time.Millisecond)
	assert.False(t, d.Throttle("P1"), "a call after the window elapses must not be throttled")
}

func TestDebouncer_DistinctKeysIndependent(t *testing.T) {
	d := NewDebouncer[string](time.Minute, 0, 100)

	assert.False(t, d.Throttle("A"))
	assert.False(t, d.Throttle("B"))
	assert.True(t, d.Throttle("A"))
	assert.True(t, d.Throttle("B"))
}

func TestDebouncer_PurgeIsBestEffort(t *testing.T) {
	d := NewDebouncer[string](10*time.Millisecond, 1, 1)

	fakeNow := time.Now()
	d.now = func() time.Time { return fakeNow }

	d.Throttle("A")
	d.Throttle("B")

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	// purgeProbability=1 guarantees a purge pass runs, but purgeMaxEvicted=1
	// means at most one of A/B is evicted this call - a false negative on
	// the other is acceptable per spec.md §4.1.
	d.Throttle("C")

	d.mu.Lock()
	remaining := len(d.seen)
	d.mu.Unlock()
	assert.LessOrEqual(t, remaining, 2)
}
