// Package groutine launches and supervises the collector's long-lived
// background tasks: discovery loops, poll tasks, and notification
// consumers. It is adapted from the teacher's goroutine-naming helper into
// a small task-handle abstraction the scheduler can store, cancel, and
// await, matching §5's cancellation contract and §9's cyclic-reference
// note (the scheduler owns handles; tasks only hold a context).
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Handle is an owned reference to a running task. The scheduler stores
// Handles in its maps (poll_tasks, subscription_tasks) and calls Abort to
// cancel and reap them; the task itself never reaches back into the map
// that holds its own Handle.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the task's label, as shown in logs and pprof goroutine
// labels.
func (h *Handle) Name() string {
	return h.name
}

// Abort cancels the task's context and blocks until the task function has
// returned. Safe to call multiple times.
func (h *Handle) Abort() {
	h.cancel()
	<-h.done
}

// Done returns a channel closed when the task function returns, whether
// from cancellation or a natural error exit.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Go starts fn in a new goroutine labeled name for pprof, deriving its
// context from parent (context.Background() if nil), and returns a Handle
// the caller can Abort or wait on via Done.
func Go(parent context.Context, name string, fn func(ctx context.Context)) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(ctx, labels, func(ctx context.Context) {
		defer close(h.done)
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
	return h
}

// GetName retrieves the goroutine name stashed in ctx by Go, or "" if none.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(nameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID, for debug logging only.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
