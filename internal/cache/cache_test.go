package cache

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecollector/internal/device"
)

// fakePeripheral is a minimal device.Peripheral stand-in that counts
// DiscoverServices calls, for asserting Populate's refresh behavior.
type fakePeripheral struct {
	address      string
	discovers    atomic.Int32
	failNext     atomic.Bool
	disconnected atomic.Bool
}

func (p *fakePeripheral) Address() string            { return p.address }
func (p *fakePeripheral) IsConnected() bool          { return !p.disconnected.Load() }
func (p *fakePeripheral) Disconnect() error          { p.disconnected.Store(true); return nil }
func (p *fakePeripheral) Services() []device.Service { return nil }
func (p *fakePeripheral) DiscoverServices(ctx context.Context) error {
	p.discovers.Add(1)
	if p.failNext.Load() {
		return assertErr
	}
	return nil
}
func (p *fakePeripheral) GetCharacteristic(serviceUUID, charUUID string) (device.Characteristic, error) {
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
}
func (p *fakePeripheral) Notifications() <-chan device.Notification { return nil }

var assertErr = &device.NotFoundError{Resource: "service"}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPeripheralCache_PutGet(t *testing.T) {
	c := New(time.Minute, 2, newTestLogger())
	p := &fakePeripheral{address: "AA:BB:CC:DD:EE:FF"}
	c.Put(p.address, p)

	got, ok := c.Get(context.Background(), p.address)
	require.True(t, ok)
	assert.Same(t, device.Peripheral(p), got)
}

func TestPeripheralCache_GetMissTriggersPopulateThenStillMisses(t *testing.T) {
	c := New(time.Minute, 2, newTestLogger())

	_, ok := c.Get(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestPeripheralCache_EntryExpiresAfterTTL(t *testing.T) {
	c := New(10*time.Millisecond, 2, newTestLogger())
	p := &fakePeripheral{address: "AA:BB:CC:DD:EE:FF"}
	c.Put(p.address, p)

	time.Sleep(30 * time.Millisecond)

	_, ok := c.lookup(p.address)
	assert.False(t, ok)
}

func TestPeripheralCache_Populate_RefreshesKnownEntries(t *testing.T) {
	c := New(time.Hour, 2, newTestLogger())
	p := &fakePeripheral{address: "AA:BB:CC:DD:EE:FF"}
	c.Put(p.address, p)

	c.Populate(context.Background())

	assert.Equal(t, int32(1), p.discovers.Load())
}

func TestPeripheralCache_Populate_CoarseGuardSkipsRepeatCalls(t *testing.T) {
	c := New(time.Hour, 2, newTestLogger())
	p := &fakePeripheral{address: "AA:BB:CC:DD:EE:FF"}
	c.Put(p.address, p)

	c.Populate(context.Background())
	c.Populate(context.Background())

	assert.Equal(t, int32(1), p.discovers.Load(), "second call within TTL should be a no-op")
}

func TestPeripheralCache_StartSweeper_EvictsExpiredEntries(t *testing.T) {
	c := New(20*time.Millisecond, 2, newTestLogger())
	p := &fakePeripheral{address: "AA:BB:CC:DD:EE:FF"}
	c.Put(p.address, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle := c.StartSweeper(ctx)
	defer handle.Abort()

	assert.Eventually(t, func() bool {
		_, ok := c.entries.Get(p.address)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
