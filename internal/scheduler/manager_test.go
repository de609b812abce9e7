package scheduler

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/filter"
	"github.com/srg/blecollector/internal/publish"
	"github.com/srg/blecollector/internal/syncutil"
)

// --- fakes -----------------------------------------------------------------

type fakeAdvertisement struct {
	addr string
	name string
}

func (a fakeAdvertisement) LocalName() string        { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte { return nil }
func (a fakeAdvertisement) Services() []string       { return nil }
func (a fakeAdvertisement) RSSI() int                { return 0 }
func (a fakeAdvertisement) Addr() string             { return a.addr }
func (a fakeAdvertisement) Connectable() bool        { return true }

type fakeCharacteristic struct {
	svcUUID, charUUID string
	canNotify         bool

	mu      sync.Mutex
	reads   [][]byte
	readIdx int
}

func (c *fakeCharacteristic) UUID() string        { return c.charUUID }
func (c *fakeCharacteristic) ServiceUUID() string { return c.svcUUID }
func (c *fakeCharacteristic) CanNotify() bool     { return c.canNotify }

var errExhausted = &device.NotFoundError{Resource: "characteristic value"}

func (c *fakeCharacteristic) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readIdx >= len(c.reads) {
		return nil, errExhausted
	}
	v := c.reads[c.readIdx]
	c.readIdx++
	return v, nil
}
func (c *fakeCharacteristic) Write(ctx context.Context, data []byte, withResponse bool, timeout time.Duration) error {
	return nil
}
func (c *fakeCharacteristic) Subscribe(ctx context.Context) error   { return nil }
func (c *fakeCharacteristic) Unsubscribe(ctx context.Context) error { return nil }

type fakeService struct {
	uuid  string
	chars []device.Characteristic
}

func (s *fakeService) UUID() string                             { return s.uuid }
func (s *fakeService) Characteristics() []device.Characteristic { return s.chars }

type fakePeripheral struct {
	address  string
	svcs     []device.Service
	notifyCh chan device.Notification

	mu           sync.Mutex
	disconnected bool
}

func (p *fakePeripheral) Address() string   { return p.address }
func (p *fakePeripheral) IsConnected() bool { return !p.disconnected }
func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	return nil
}
func (p *fakePeripheral) Services() []device.Service                 { return p.svcs }
func (p *fakePeripheral) DiscoverServices(ctx context.Context) error { return nil }
func (p *fakePeripheral) GetCharacteristic(serviceUUID, charUUID string) (device.Characteristic, error) {
	for _, s := range p.svcs {
		if s.UUID() != serviceUUID {
			continue
		}
		for _, c := range s.Characteristics() {
			if c.UUID() == charUUID {
				return c, nil
			}
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
}
func (p *fakePeripheral) Notifications() <-chan device.Notification { return p.notifyCh }

type fakeAdapter struct {
	id          string
	events      chan device.CentralEvent
	peripherals map[string]*fakePeripheral
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, events: make(chan device.CentralEvent, 16), peripherals: make(map[string]*fakePeripheral)}
}

func (a *fakeAdapter) ID() string { return a.id }
func (a *fakeAdapter) CentralEvents(ctx context.Context) (<-chan device.CentralEvent, error) {
	return a.events, nil
}
func (a *fakeAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (device.Peripheral, error) {
	p, ok := a.peripherals[address]
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{address}}
	}
	return p, nil
}
func (a *fakeAdapter) Peripherals(ctx context.Context) ([]device.Peripheral, error) { return nil, nil }

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func f32Bytes(v float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

// --- scenario 1: poll loop ---------------------------------------------------

func TestPeripheralManager_PollLoop(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"

	ch := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37", reads: [][]byte{
		f32Bytes(1), f32Bytes(2), f32Bytes(3), f32Bytes(4),
	}}
	svc := &fakeService{uuid: "180d", chars: []device.Characteristic{ch}}
	peripheral := &fakePeripheral{address: addr, svcs: []device.Service{svc}, notifyCh: make(chan device.Notification)}

	adapter := newFakeAdapter("hci0")
	adapter.peripherals[addr] = peripheral

	eqFilter, err := filter.New(filter.Equals, addr)
	require.NoError(t, err)

	flat := &config.FlatPeripheralConfig{
		Name:           "p1",
		DeviceIDFilter: eqFilter,
		ServiceMap: map[config.ServiceCharKey]*config.CharacteristicConfig{
			{ServiceUUID: "180d", CharacteristicUUID: "2a37"}: {
				Kind:               config.KindPoll,
				ServiceUUID:        "180d",
				CharacteristicUUID: "2a37",
				HistorySize:        3,
				Converter:          convert.Converter{Kind: convert.F32},
				Delay:              40 * time.Millisecond,
			},
		},
	}
	matcher := config.NewMatcher()
	require.NoError(t, matcher.Add(flat))

	bus := syncutil.NewFanOut[publish.CollectorEvent]()
	apiEvents := bus.Subscribe(64)
	apiPublisher := publish.NewAPIPublisher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	apiHandle := apiPublisher.Run(ctx, apiEvents)
	defer apiHandle.Abort()

	opts := Options{ConnectTimeout: time.Second, ReadTimeout: time.Second, DiscoveryDebounce: 10 * time.Millisecond, PurgeProbability: 0, PurgeMaxEvicted: 0}
	peripheralCache := cache.New(time.Minute, 2, newTestLogger())
	mgr := New(adapter, matcher, peripheralCache, syncutil.NewKeyedLock[string](), bus, opts, nil, newTestLogger())

	runCtx, runCancel := context.WithCancel(ctx)
	go mgr.Run(runCtx)
	defer runCancel()

	adapter.events <- device.CentralEvent{Type: device.EventDiscovered, Adv: fakeAdvertisement{addr: addr}}

	assert.Eventually(t, func() bool {
		entry, ok := apiPublisher.Characteristic("hci0", addr, "180d", "2a37")
		return ok && entry.NumUpdates >= 4
	}, 2*time.Second, 10*time.Millisecond)

	entry, ok := apiPublisher.Characteristic("hci0", addr, "180d", "2a37")
	require.True(t, ok)
	assert.GreaterOrEqual(t, entry.NumUpdates, uint64(4))
	history := entry.History()
	require.Len(t, history, 3, "ring is bounded by history_size")
	assert.InDelta(t, 2.0, history[0].Value.Float, 1e-6)
	assert.InDelta(t, 3.0, history[1].Value.Float, 1e-6)
	assert.InDelta(t, 4.0, history[2].Value.Float, 1e-6)
}

// --- scenario 2: subscribe routing ------------------------------------------

func TestPeripheralManager_SubscribeRouting(t *testing.T) {
	const addr = "11:22:33:44:55:66"

	c1 := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37", canNotify: true}
	c2 := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a38", canNotify: true}
	svc := &fakeService{uuid: "180d", chars: []device.Characteristic{c1, c2}}
	notifyCh := make(chan device.Notification, 8)
	peripheral := &fakePeripheral{address: addr, svcs: []device.Service{svc}, notifyCh: notifyCh}

	adapter := newFakeAdapter("hci0")
	adapter.peripherals[addr] = peripheral

	eqFilter, err := filter.New(filter.Equals, addr)
	require.NoError(t, err)

	flat := &config.FlatPeripheralConfig{
		Name:           "p2",
		DeviceIDFilter: eqFilter,
		ServiceMap: map[config.ServiceCharKey]*config.CharacteristicConfig{
			{ServiceUUID: "180d", CharacteristicUUID: "2a37"}: {
				Kind: config.KindSubscribe, ServiceUUID: "180d", CharacteristicUUID: "2a37",
				HistorySize: 10, Converter: convert.Converter{Kind: convert.Utf8},
			},
			{ServiceUUID: "180d", CharacteristicUUID: "2a38"}: {
				Kind: config.KindSubscribe, ServiceUUID: "180d", CharacteristicUUID: "2a38",
				HistorySize: 10, Converter: convert.Converter{Kind: convert.Signed, L: 2, M: 1},
			},
		},
	}
	matcher := config.NewMatcher()
	require.NoError(t, matcher.Add(flat))

	bus := syncutil.NewFanOut[publish.CollectorEvent]()
	apiEvents := bus.Subscribe(64)
	apiPublisher := publish.NewAPIPublisher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	apiHandle := apiPublisher.Run(ctx, apiEvents)
	defer apiHandle.Abort()

	opts := Options{ConnectTimeout: time.Second, ReadTimeout: time.Second, DiscoveryDebounce: 10 * time.Millisecond}
	peripheralCache := cache.New(time.Minute, 2, newTestLogger())
	mgr := New(adapter, matcher, peripheralCache, syncutil.NewKeyedLock[string](), bus, opts, nil, newTestLogger())

	runCtx, runCancel := context.WithCancel(ctx)
	go mgr.Run(runCtx)
	defer runCancel()

	adapter.events <- device.CentralEvent{Type: device.EventDiscovered, Adv: fakeAdvertisement{addr: addr}}

	require.Eventually(t, func() bool {
		return mgr.isActive(addr)
	}, 2*time.Second, 5*time.Millisecond, "subscription must be armed before notifications are delivered")

	notifyCh <- device.Notification{ServiceUUID: "180d", CharacteristicUUID: "2a37", Value: []byte("ok")}
	notifyCh <- device.Notification{ServiceUUID: "180d", CharacteristicUUID: "2a38", Value: []byte{0x00, 0x01}} // 0x0100 LE == 256
	notifyCh <- device.Notification{ServiceUUID: "180d", CharacteristicUUID: "2a37", Value: []byte("done")}

	require.Eventually(t, func() bool {
		e1, ok1 := apiPublisher.Characteristic("hci0", addr, "180d", "2a37")
		e2, ok2 := apiPublisher.Characteristic("hci0", addr, "180d", "2a38")
		return ok1 && ok2 && e1.NumUpdates >= 2 && e2.NumUpdates >= 1
	}, 2*time.Second, 10*time.Millisecond)

	e1, _ := apiPublisher.Characteristic("hci0", addr, "180d", "2a37")
	h1 := e1.History()
	require.Len(t, h1, 2)
	assert.Equal(t, "ok", h1[0].Value.Str)
	assert.Equal(t, "done", h1[1].Value.Str)

	e2, _ := apiPublisher.Characteristic("hci0", addr, "180d", "2a38")
	h2 := e2.History()
	require.Len(t, h2, 1)
	assert.Equal(t, int64(256), h2[0].Value.Int)
}

// --- scenario 6: disconnect cleanup ------------------------------------------

func TestPeripheralManager_DisconnectCleanup(t *testing.T) {
	const addr = "77:88:99:AA:BB:CC"

	pollChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a37", reads: [][]byte{f32Bytes(1)}}
	subChar := &fakeCharacteristic{svcUUID: "180d", charUUID: "2a38", canNotify: true}
	svc := &fakeService{uuid: "180d", chars: []device.Characteristic{pollChar, subChar}}
	notifyCh := make(chan device.Notification, 4)
	peripheral := &fakePeripheral{address: addr, svcs: []device.Service{svc}, notifyCh: notifyCh}

	adapter := newFakeAdapter("hci0")
	adapter.peripherals[addr] = peripheral

	eqFilter, err := filter.New(filter.Equals, addr)
	require.NoError(t, err)

	flat := &config.FlatPeripheralConfig{
		Name:           "p3",
		DeviceIDFilter: eqFilter,
		ServiceMap: map[config.ServiceCharKey]*config.CharacteristicConfig{
			{ServiceUUID: "180d", CharacteristicUUID: "2a37"}: {
				Kind: config.KindPoll, ServiceUUID: "180d", CharacteristicUUID: "2a37",
				HistorySize: 5, Converter: convert.Converter{Kind: convert.F32}, Delay: time.Hour,
			},
			{ServiceUUID: "180d", CharacteristicUUID: "2a38"}: {
				Kind: config.KindSubscribe, ServiceUUID: "180d", CharacteristicUUID: "2a38",
				HistorySize: 5, Converter: convert.Converter{Kind: convert.Utf8},
			},
		},
	}
	matcher := config.NewMatcher()
	require.NoError(t, matcher.Add(flat))

	bus := syncutil.NewFanOut[publish.CollectorEvent]()
	apiEvents := bus.Subscribe(64)
	apiPublisher := publish.NewAPIPublisher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	apiHandle := apiPublisher.Run(ctx, apiEvents)
	defer apiHandle.Abort()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	opts := Options{ConnectTimeout: time.Second, ReadTimeout: time.Second, DiscoveryDebounce: 10 * time.Millisecond}
	peripheralCache := cache.New(time.Minute, 2, newTestLogger())
	mgr := New(adapter, matcher, peripheralCache, syncutil.NewKeyedLock[string](), bus, opts, metrics, newTestLogger())

	runCtx, runCancel := context.WithCancel(ctx)
	go mgr.Run(runCtx)
	defer runCancel()

	adapter.events <- device.CentralEvent{Type: device.EventDiscovered, Adv: fakeAdvertisement{addr: addr}}

	require.Eventually(t, func() bool {
		return mgr.isActive(addr)
	}, 2*time.Second, 5*time.Millisecond)

	connectedBefore := testutil.ToFloat64(metrics.connected.WithLabelValues("hci0"))
	assert.Equal(t, float64(1), connectedBefore)

	adapter.events <- device.CentralEvent{Type: device.EventDisconnected, Addr: addr}

	require.Eventually(t, func() bool {
		return !mgr.isActive(addr)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.connected.WithLabelValues("hci0")))

	// A fresh discovery event after disconnect must reconnect cleanly.
	adapter.events <- device.CentralEvent{Type: device.EventDiscovered, Adv: fakeAdvertisement{addr: addr}}
	require.Eventually(t, func() bool {
		return mgr.isActive(addr)
	}, 2*time.Second, 5*time.Millisecond)
}
