package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/syncutil"
)

type fakeCharacteristic struct {
	svcUUID, charUUID string

	mu         sync.Mutex
	subscribed bool
	writes     []writeCall
}

type writeCall struct {
	data         []byte
	withResponse bool
	at           time.Time
}

func (c *fakeCharacteristic) UUID() string        { return c.charUUID }
func (c *fakeCharacteristic) ServiceUUID() string { return c.svcUUID }
func (c *fakeCharacteristic) CanNotify() bool     { return true }
func (c *fakeCharacteristic) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return []byte{0x2a}, nil
}
func (c *fakeCharacteristic) Write(ctx context.Context, data []byte, withResponse bool, timeout time.Duration) error {
	c.mu.Lock()
	c.writes = append(c.writes, writeCall{data: data, withResponse: withResponse, at: time.Now()})
	c.mu.Unlock()
	return nil
}
func (c *fakeCharacteristic) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}
func (c *fakeCharacteristic) Unsubscribe(ctx context.Context) error { return nil }

func (c *fakeCharacteristic) subscribedAt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

type fakePeripheral struct {
	address  string
	chars    map[string]*fakeCharacteristic // keyed by svc/char
	notifyCh chan device.Notification
}

func charKey(svc, ch string) string { return svc + "/" + ch }

func (p *fakePeripheral) Address() string                            { return p.address }
func (p *fakePeripheral) IsConnected() bool                          { return true }
func (p *fakePeripheral) Disconnect() error                          { return nil }
func (p *fakePeripheral) Services() []device.Service                 { return nil }
func (p *fakePeripheral) DiscoverServices(ctx context.Context) error { return nil }
func (p *fakePeripheral) GetCharacteristic(serviceUUID, charUUID string) (device.Characteristic, error) {
	c, ok := p.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return c, nil
}
func (p *fakePeripheral) Notifications() <-chan device.Notification { return p.notifyCh }

type fakeAdapter struct {
	id          string
	peripherals map[string]*fakePeripheral
}

func (a *fakeAdapter) ID() string { return a.id }
func (a *fakeAdapter) CentralEvents(ctx context.Context) (<-chan device.CentralEvent, error) {
	return make(chan device.CentralEvent), nil
}
func (a *fakeAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (device.Peripheral, error) {
	p, ok := a.peripherals[address]
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{address}}
	}
	return p, nil
}
func (a *fakeAdapter) Peripherals(ctx context.Context) ([]device.Peripheral, error) { return nil, nil }

func newTestExecutor(t *testing.T) (*Executor, *fakeAdapter) {
	logger := logrus.New()
	peripheralCache := cache.New(time.Minute, 2, logger)
	connectLock := syncutil.NewKeyedLock[string]()
	exec := New(peripheralCache, connectLock, Options{
		ConnectTimeout:               time.Second,
		DefaultReadTimeout:           time.Second,
		DefaultWriteTimeout:          time.Second,
		DefaultMultiBatchParallelism: 2,
		DefaultBatchParallelism:      2,
	})
	return exec, &fakeAdapter{id: "hci0", peripherals: make(map[string]*fakePeripheral)}
}

// scenario 3: batch with dependent read/write.
func TestExecutor_DependentReadWrite(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	const addr = "AA:BB:CC:DD:EE:FF"

	notifyChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37"}
	cmdChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a38"}
	notifyCh := make(chan device.Notification, 4)
	peripheral := &fakePeripheral{
		address: addr,
		chars: map[string]*fakeCharacteristic{
			charKey("180d", "2a37"): notifyChar,
			charKey("180d", "2a38"): cmdChar,
		},
		notifyCh: notifyCh,
	}
	adapter.peripherals[addr] = peripheral

	req := Request{
		Address:     addr,
		Parallelism: 2,
		Batches: []Batch{
			{
				Parallelism: 2,
				Commands: []Command{
					{ServiceUUID: "180d", CharacteristicUUID: "2a37", Op: OpRead, WaitNotification: true, Timeout: 500 * time.Millisecond},
					{ServiceUUID: "180d", CharacteristicUUID: "2a38", Op: OpWrite, Data: []byte{0x01}, WithResponse: true, Timeout: UnsetTimeout},
				},
			},
		},
	}

	// Fire the notification 50ms after the write occurs, and only after the
	// write has actually been issued (so the test doesn't race the executor).
	go func() {
		for !func() bool { cmdChar.mu.Lock(); defer cmdChar.mu.Unlock(); return len(cmdChar.writes) > 0 }() {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		notifyCh <- device.Notification{ServiceUUID: "180d", CharacteristicUUID: "2a37", Value: []byte{0xAA}}
	}()

	resp, err := exec.Execute(context.Background(), adapter, req)
	require.NoError(t, err)
	require.Len(t, resp, 1)
	require.Len(t, resp[0], 2)

	readResult := resp[0][0]
	writeResult := resp[0][1]

	assert.NoError(t, readResult.Err)
	assert.Equal(t, []byte{0xAA}, readResult.Value)
	assert.NoError(t, writeResult.Err)

	require.Len(t, cmdChar.writes, 1)
	assert.True(t, notifyChar.subscribedAt(), "notify characteristic must have been subscribed before the write was allowed to proceed")
}

func TestExecutor_ZeroTimeoutFailsFast(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	const addr = "11:22:33:44:55:66"

	ch := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a38"}
	peripheral := &fakePeripheral{address: addr, chars: map[string]*fakeCharacteristic{charKey("180d", "2a38"): ch}, notifyCh: make(chan device.Notification)}
	adapter.peripherals[addr] = peripheral

	req := Request{
		Address: addr,
		Batches: []Batch{
			{Commands: []Command{
				{ServiceUUID: "180d", CharacteristicUUID: "2a38", Op: OpWrite, Data: []byte{0x01}, Timeout: 0},
			}},
		},
	}

	resp, err := exec.Execute(context.Background(), adapter, req)
	require.NoError(t, err)
	require.Len(t, resp[0], 1)
	assert.ErrorIs(t, resp[0][0].Err, device.ErrTimeout)
}

func TestExecutor_AuditTrailRecordsSuccessfulReadsAndWrites(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	const addr = "33:44:55:66:77:88"

	readChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37"}
	writeChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a38"}
	peripheral := &fakePeripheral{
		address: addr,
		chars: map[string]*fakeCharacteristic{
			charKey("180d", "2a37"): readChar,
			charKey("180d", "2a38"): writeChar,
		},
		notifyCh: make(chan device.Notification),
	}
	adapter.peripherals[addr] = peripheral

	req := Request{Address: addr, Batches: []Batch{{Commands: []Command{
		{ServiceUUID: "180d", CharacteristicUUID: "2a37", Op: OpRead, Timeout: UnsetTimeout},
		{ServiceUUID: "180d", CharacteristicUUID: "2a38", Op: OpWrite, Data: []byte{0xBE, 0xEF}, Timeout: UnsetTimeout},
	}}}}

	resp, err := exec.Execute(context.Background(), adapter, req)
	require.NoError(t, err)
	require.NoError(t, resp[0][0].Err)
	require.NoError(t, resp[0][1].Err)

	// Commands within a batch run concurrently, so the two frames may land
	// in either order; compare as a set keyed by characteristic UUID.
	frames := exec.AuditTrail()
	require.Len(t, frames, 2)
	byChar := map[string][]byte{frames[0].CharacteristicUUID: frames[0].Data, frames[1].CharacteristicUUID: frames[1].Data}
	assert.Equal(t, []byte{0x2a}, byChar["2a37"])
	assert.Equal(t, []byte{0xBE, 0xEF}, byChar["2a38"])

	assert.Empty(t, exec.AuditTrail(), "AuditTrail drains the buffer; a second call sees nothing new")
}

func TestExecutor_AdapterMissingPeripheral(t *testing.T) {
	exec, adapter := newTestExecutor(t)

	req := Request{Address: "NO:SU:CH:AD:DR:ES", Batches: []Batch{{Commands: []Command{
		{ServiceUUID: "180d", CharacteristicUUID: "2a37", Op: OpRead},
	}}}}

	_, err := exec.Execute(context.Background(), adapter, req)
	assert.Error(t, err)
}

func TestExecutor_DirectReadUnaffectedByTimeoutDefaulting(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	const addr = "22:33:44:55:66:77"

	ch := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37"}
	peripheral := &fakePeripheral{address: addr, chars: map[string]*fakeCharacteristic{charKey("180d", "2a37"): ch}, notifyCh: make(chan device.Notification)}
	adapter.peripherals[addr] = peripheral

	req := Request{Address: addr, Batches: []Batch{{Commands: []Command{
		{ServiceUUID: "180d", CharacteristicUUID: "2a37", Op: OpRead, Timeout: UnsetTimeout},
	}}}}

	resp, err := exec.Execute(context.Background(), adapter, req)
	require.NoError(t, err)
	assert.NoError(t, resp[0][0].Err)
	assert.Equal(t, []byte{0x2a}, resp[0][0].Value)
}
