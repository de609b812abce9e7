// Package batch implements the Batch Executor (spec.md §4.7): a request is
// an ordered list of batches, each an ordered list of read/write commands,
// executed with two independent bounded-parallelism knobs (across batches
// and within one batch) and a per-batch countdown latch coordinating
// asynchronous-read subscribers against sibling writes. One failing command
// never aborts its siblings; every per-command error is captured and
// returned in the response instead.
package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/syncutil"
)

const (
	minParallelism = 1
	maxParallelism = 64
)

// UnsetTimeout is the sentinel Command.Timeout value meaning "no explicit
// timeout was given for this command" - distinct from an explicit zero,
// which spec.md §8 requires to fail fast rather than fall back to the
// executor's configured default.
const UnsetTimeout time.Duration = -1

// OpKind distinguishes a read from a write command.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// Command is one unit of work in a batch (spec.md §4.7). WaitNotification
// is only meaningful for OpRead: true makes the read a "read-with-
// notification" that subscribes and waits for a matching push rather than
// issuing a direct read. WithResponse is only meaningful for OpWrite.
// Timeout is UnsetTimeout when the caller didn't specify one (the
// executor's default applies); an explicit zero fails fast per spec.md §8.
type Command struct {
	ServiceUUID        string
	CharacteristicUUID string
	Op                 OpKind
	WaitNotification   bool
	Data               []byte
	WithResponse       bool
	Timeout            time.Duration
}

// Batch is one ordered group of commands sharing a countdown latch.
// Parallelism bounds concurrent commands within this batch; zero means
// "use the executor's configured default".
type Batch struct {
	Commands    []Command
	Parallelism int
}

// Request is a full `POST /adapters/{id}/io` body against one peripheral
// address (spec.md §4.7, §6.2). Parallelism bounds concurrent batches;
// zero means "use the executor's configured default".
type Request struct {
	Address     string
	Batches     []Batch
	Parallelism int
}

// Result is one command's outcome. For a successful write, Value is nil
// and Err is nil; for a read, Value holds the decoded bytes. Err is nil
// exactly when the command succeeded, matching spec.md §4.7's "reads emit a
// slot with value or error, writes emit None on success and an error slot
// on failure".
type Result struct {
	Command Command
	Value   []byte
	Err     error
}

// Response mirrors the Request's batch/command shape: Response[i][j] is
// the result of Request.Batches[i].Commands[j].
type Response [][]Result

// HasError reports whether any command in the response failed, the signal
// the HTTP layer uses to choose between 200 and 400 (spec.md §6.2).
func (r Response) HasError() bool {
	for _, batch := range r {
		for _, res := range batch {
			if res.Err != nil {
				return true
			}
		}
	}
	return false
}

// Executor runs Requests against a cached peripheral handle, per
// spec.md §4.7.
type Executor struct {
	cache                        *cache.PeripheralCache
	connectLk                    *syncutil.KeyedLock[string]
	connectTimeout               time.Duration
	readTimeout                  time.Duration
	writeTimeout                 time.Duration
	defaultMultiBatchParallelism int
	defaultBatchParallelism      int

	mu       sync.Mutex
	auditBuf *ringbuffer.RingBuffer // diagnostic trail of raw I/O, length-prefixed frames
}

// Options configures the defaults and timeouts an Executor falls back to
// when a Request/Batch/Command omits its own, mapping directly to the CLI
// flags in spec.md §6.1.
type Options struct {
	ConnectTimeout               time.Duration
	DefaultReadTimeout           time.Duration
	DefaultWriteTimeout          time.Duration
	DefaultMultiBatchParallelism int
	DefaultBatchParallelism      int
	AuditCapacity                int
}

// New constructs an Executor sharing the scheduler's peripheral cache and
// per-address connect lock, so a batch I/O request for an already-connected
// peripheral never races a live poll/subscribe session's connect.
func New(peripheralCache *cache.PeripheralCache, connectLock *syncutil.KeyedLock[string], opts Options) *Executor {
	if opts.AuditCapacity <= 0 {
		opts.AuditCapacity = 4096
	}
	return &Executor{
		cache:                        peripheralCache,
		connectLk:                    connectLock,
		connectTimeout:               opts.ConnectTimeout,
		readTimeout:                  opts.DefaultReadTimeout,
		writeTimeout:                 opts.DefaultWriteTimeout,
		defaultMultiBatchParallelism: clamp(opts.DefaultMultiBatchParallelism),
		defaultBatchParallelism:      clamp(opts.DefaultBatchParallelism),
		auditBuf:                     ringbuffer.New(opts.AuditCapacity),
	}
}

func clamp(n int) int {
	if n < minParallelism {
		return minParallelism
	}
	if n > maxParallelism {
		return maxParallelism
	}
	return n
}

// Execute runs req against req.Address's characteristics on adapter,
// per spec.md §4.7's two-level parallelism and latch-coordinated
// read/write ordering.
func (e *Executor) Execute(ctx context.Context, adapter device.Adapter, req Request) (Response, error) {
	p, err := e.resolvePeripheral(ctx, adapter, req.Address)
	if err != nil {
		return nil, err
	}

	multiBatchParallelism := clamp(orDefault(req.Parallelism, e.defaultMultiBatchParallelism))
	sem := make(chan struct{}, multiBatchParallelism)

	resp := make(Response, len(req.Batches))
	var wg sync.WaitGroup
	for i, b := range req.Batches {
		i, b := i, b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp[i] = e.executeBatch(ctx, p, b)
		}()
	}
	wg.Wait()

	return resp, nil
}

func (e *Executor) resolvePeripheral(ctx context.Context, adapter device.Adapter, address string) (device.Peripheral, error) {
	if p, ok := e.cache.Get(ctx, address); ok {
		return p, nil
	}

	guard := e.connectLk.Lock(address)
	defer guard.Release()

	if p, ok := e.cache.Get(ctx, address); ok {
		return p, nil
	}

	connectTimeout := e.connectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	p, err := adapter.Connect(ctx, address, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("batch: connecting to %s: %w", address, err)
	}
	if err := p.DiscoverServices(ctx); err != nil {
		return nil, fmt.Errorf("batch: discovering services on %s: %w", address, err)
	}
	e.cache.Put(address, p)
	return p, nil
}

// executeBatch implements spec.md §4.7's batch semantics: count
// asynchronous reads (wait_notification == true), size a countdown latch
// to that count, then run every command bounded by the batch's
// parallelism. Writes Wait() on the latch before issuing; read-with-
// notification commands subscribe and Countdown() immediately, so that
// step is never gated behind the same semaphore a write might be holding
// while it waits - only the blocking I/O (the read's notification-wait,
// or the write itself) is subject to the parallelism bound.
func (e *Executor) executeBatch(ctx context.Context, p device.Peripheral, b Batch) []Result {
	asyncReads := 0
	for _, cmd := range b.Commands {
		if cmd.Op == OpRead && cmd.WaitNotification {
			asyncReads++
		}
	}
	latch := syncutil.NewCountdownLatch(asyncReads)

	parallelism := clamp(orDefault(b.Parallelism, e.defaultBatchParallelism))
	sem := make(chan struct{}, parallelism)

	results := make([]Result, len(b.Commands))
	var wg sync.WaitGroup
	for i, cmd := range b.Commands {
		i, cmd := i, cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runOne(ctx, p, cmd, latch, sem)
		}()
	}
	wg.Wait()
	return results
}

func (e *Executor) runOne(ctx context.Context, p device.Peripheral, cmd Command, latch *syncutil.CountdownLatch, sem chan struct{}) Result {
	ch, err := p.GetCharacteristic(cmd.ServiceUUID, cmd.CharacteristicUUID)
	if err != nil {
		if cmd.Op == OpRead && cmd.WaitNotification {
			latch.Countdown()
		}
		return Result{Command: cmd, Err: err}
	}

	switch cmd.Op {
	case OpRead:
		if cmd.WaitNotification {
			return e.runNotifiedRead(ctx, p, ch, cmd, latch, sem)
		}
		return e.runDirectRead(ctx, ch, cmd, sem)
	case OpWrite:
		return e.runWrite(ctx, ch, cmd, latch, sem)
	default:
		if cmd.Op == OpRead && cmd.WaitNotification {
			latch.Countdown()
		}
		return Result{Command: cmd, Err: fmt.Errorf("batch: unknown op %d", cmd.Op)}
	}
}

// resolveTimeout applies spec.md §8's distinction: an unset command
// timeout falls back to def; an explicit timeout (including zero) is used
// as-is and a non-positive result fails fast with ErrTimeout.
func resolveTimeout(cmdTimeout, def time.Duration) (time.Duration, error) {
	timeout := cmdTimeout
	if timeout == UnsetTimeout {
		timeout = def
	}
	if timeout <= 0 {
		return 0, device.ErrTimeout
	}
	return timeout, nil
}

func (e *Executor) runDirectRead(ctx context.Context, ch device.Characteristic, cmd Command, sem chan struct{}) Result {
	timeout, err := resolveTimeout(cmd.Timeout, e.readTimeout)
	if err != nil {
		return Result{Command: cmd, Err: err}
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	data, err := ch.Read(ctx, timeout)
	if err == nil {
		e.audit(cmd.CharacteristicUUID, data)
	}
	return Result{Command: cmd, Value: data, Err: err}
}

// runNotifiedRead subscribes to ch, releases the batch's countdown latch
// (spec.md §4.7: "subscribe()s, countdown()s the latch"), then consumes
// the peripheral's shared notification stream until a value tagged with
// this command's fqcn arrives.
func (e *Executor) runNotifiedRead(ctx context.Context, p device.Peripheral, ch device.Characteristic, cmd Command, latch *syncutil.CountdownLatch, sem chan struct{}) Result {
	if err := ch.Subscribe(ctx); err != nil {
		latch.Countdown()
		return Result{Command: cmd, Err: err}
	}
	defer func() { _ = ch.Unsubscribe(context.Background()) }()

	latch.Countdown()

	timeout, err := resolveTimeout(cmd.Timeout, e.readTimeout)
	if err != nil {
		return Result{Command: cmd, Err: err}
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case n, ok := <-p.Notifications():
			if !ok {
				return Result{Command: cmd, Err: fmt.Errorf("batch: notification stream ended waiting for %s/%s", cmd.ServiceUUID, cmd.CharacteristicUUID)}
			}
			if n.ServiceUUID != cmd.ServiceUUID || n.CharacteristicUUID != cmd.CharacteristicUUID {
				continue
			}
			e.audit(cmd.CharacteristicUUID, n.Value)
			return Result{Command: cmd, Value: n.Value}
		case <-deadline.C:
			return Result{Command: cmd, Err: fmt.Errorf("batch: %w waiting for notification on %s/%s", device.ErrTimeout, cmd.ServiceUUID, cmd.CharacteristicUUID)}
		case <-ctx.Done():
			return Result{Command: cmd, Err: ctx.Err()}
		}
	}
}

// runWrite Wait()s on the batch's countdown latch before issuing the
// write, guaranteeing every asynchronous-read sibling in this batch has
// already subscribed (spec.md §4.7, §8 invariants).
func (e *Executor) runWrite(ctx context.Context, ch device.Characteristic, cmd Command, latch *syncutil.CountdownLatch, sem chan struct{}) Result {
	latch.Wait()

	timeout, terr := resolveTimeout(cmd.Timeout, e.writeTimeout)
	if terr != nil {
		return Result{Command: cmd, Err: terr}
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	err := ch.Write(ctx, cmd.Data, cmd.WithResponse, timeout)
	if err == nil {
		e.audit(cmd.CharacteristicUUID, cmd.Data)
	}
	return Result{Command: cmd, Err: err}
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// audit appends a length-prefixed frame (uuid length, uuid, data length,
// data) to the diagnostic ring buffer, overwriting the oldest bytes once
// full - the same fixed-capacity byte-buffer usage the teacher's
// internal/ptyio/ptyio.go makes of smallnest/ringbuffer.
func (e *Executor) audit(charUUID string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame := make([]byte, 0, 8+len(charUUID)+len(data))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(charUUID)))
	frame = append(frame, charUUID...)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)

	_, _ = e.auditBuf.Write(frame)
}

// AuditFrame is one decoded entry from the executor's audit trail: the
// characteristic a successful read/write touched and the bytes involved.
type AuditFrame struct {
	CharacteristicUUID string
	Data               []byte
}

// AuditTrail drains and decodes every frame currently buffered by audit,
// for the `GET /ble/audit` introspection endpoint (SPEC_FULL.md §10).
// Draining rather than peeking matches smallnest/ringbuffer's
// TryRead/Write contract, the same one the teacher's ptyio package uses for
// its read/write ring buffers - there is no non-destructive peek in that
// API, so each call returns the frames recorded since the previous call.
func (e *Executor) AuditTrail() []AuditFrame {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.auditBuf.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, err := e.auditBuf.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	buf = buf[:read]

	var frames []AuditFrame
	for len(buf) >= 4 {
		uuidLen := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(uuidLen) {
			break
		}
		uuid := string(buf[:uuidLen])
		buf = buf[uuidLen:]

		if len(buf) < 4 {
			break
		}
		dataLen := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(dataLen) {
			break
		}
		data := append([]byte(nil), buf[:dataLen]...)
		buf = buf[dataLen:]

		frames = append(frames, AuditFrame{CharacteristicUUID: uuid, Data: data})
	}
	return frames
}
