// Package syncutil holds small, dependency-free concurrency primitives
// shared across the collector: a debounce limiter, a keyed lock, a
// countdown latch, and a fan-out sender. The fan-out sender is adapted from
// the teacher's RingChannel (internal/lua/ringchan.go): same bounded-channel
// shape, but overwrite-oldest semantics are replaced with blocking
// back-pressure, because spec.md §4.8 and §9 require the slowest consumer
// to throttle collection rather than silently drop data.
package syncutil

import "context"

// FanOut multiplexes one producer to N bounded channels. Send delivers a
// copy to every channel in order; back-pressure on any one channel
// back-presses the producer. This is intentional per spec.md §4.8: for BLE
// collection, a slow consumer (e.g. a stalled MQTT publish) should slow the
// whole pipeline rather than be silently skipped.
type FanOut[T any] struct {
	subscribers []chan T
}

// NewFanOut constructs an empty FanOut.
func NewFanOut[T any]() *FanOut[T] {
	return &FanOut[T]{}
}

// Subscribe adds a new bounded receive channel of the given capacity and
// returns it. Subscribers must be added before Send is first called
// concurrently with them, or protected by the caller's own synchronization.
func (f *FanOut[T]) Subscribe(capacity int) <-chan T {
	ch := make(chan T, capacity)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Send delivers value to every subscriber channel, blocking on each in
// turn until accepted or ctx is done. If ctx is cancelled partway through,
// Send returns ctx.Err() having delivered to some prefix of subscribers
// (in the fixed subscription order) but not all - the spec does not promise
// atomic delivery, only per-consumer ordering (see Invariants, spec.md §8).
func (f *FanOut[T]) Send(ctx context.Context, value T) error {
	for _, ch := range f.subscribers {
		select {
		case ch <- value:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every subscriber channel, signalling end-of-stream to
// consumers ranging over them.
func (f *FanOut[T]) Close() {
	for _, ch := range f.subscribers {
		close(ch)
	}
}

// Len reports the number of subscribers, mostly for tests.
func (f *FanOut[T]) Len() int {
	return len(f.subscribers)
}
