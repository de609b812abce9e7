package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/groutine"
)

// DeviceFactory creates the platform ble.Device; overridden per build tag in
// goble_linux.go/goble_darwin.go, and swappable in tests, matching the
// teacher's internal/device/go-ble/connection.go DeviceFactory pattern.
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("device: no platform BLE device factory registered")
}

// populateConnectTimeout bounds a single Peripherals() connect attempt
// against a peripheral the collector hasn't scheduled yet, distinct from
// the configured --peripheral-connect-timeout the scheduler/batch executor
// use for a peripheral a config actually matched.
const populateConnectTimeout = 10 * time.Second

// GoBLEAdapter implements Adapter on top of github.com/go-ble/ble. One
// instance exists per configured radio, matching spec.md §4.6's "one
// Peripheral Manager per adapter".
type GoBLEAdapter struct {
	id     string
	logger *logrus.Logger
	dev    ble.Device

	mu        sync.Mutex
	seen      map[string]struct{}         // addresses observed via scanning
	connected map[string]*goBLEPeripheral // address -> live connection, reused by Peripherals
}

// NewGoBLEAdapter initializes the platform BLE device for adapter id and
// registers it as ble's process-wide default, mirroring
// pkg/ble/scanner.go's NewScanner.
func NewGoBLEAdapter(id string, logger *logrus.Logger) (*GoBLEAdapter, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("device: creating BLE device for adapter %s: %w", id, err)
	}
	ble.SetDefaultDevice(dev)
	return &GoBLEAdapter{
		id:        id,
		logger:    logger,
		dev:       dev,
		seen:      make(map[string]struct{}),
		connected: make(map[string]*goBLEPeripheral),
	}, nil
}

func (a *GoBLEAdapter) recordSeen(address string) {
	a.mu.Lock()
	a.seen[address] = struct{}{}
	a.mu.Unlock()
}

func (a *GoBLEAdapter) forgetConnection(address string) {
	a.mu.Lock()
	delete(a.connected, address)
	a.mu.Unlock()
}

func (a *GoBLEAdapter) ID() string { return a.id }

// CentralEvents launches a background scan and translates each
// advertisement into an EventDiscovered CentralEvent for the discovery loop
// in spec.md §4.6.1. Disconnects are not reported on this stream: it never
// carries an EventDisconnected. The returned channel is closed when ctx is
// cancelled or the scan ends.
func (a *GoBLEAdapter) CentralEvents(ctx context.Context) (<-chan CentralEvent, error) {
	out := make(chan CentralEvent, 64)

	groutine.Go(ctx, fmt.Sprintf("adapter-%s-scan", a.id), func(ctx context.Context) {
		defer close(out)

		handler := func(adv ble.Advertisement) {
			a.recordSeen(adv.Addr().String())
			select {
			case out <- CentralEvent{Type: EventDiscovered, Adv: &goBLEAdvertisement{adv: adv}}:
			case <-ctx.Done():
			}
		}
		// allowDup=true: repeated advertisements from the same peripheral
		// are expected and are the debounce limiter's responsibility to
		// suppress (spec.md §4.1), not the driver's.
		if err := ble.Scan(ctx, true, handler, nil); err != nil && ctx.Err() == nil {
			a.logger.WithFields(logrus.Fields{"adapter": a.id, "error": err}).Warn("central event stream ended")
		}
	})

	return out, nil
}

func (a *GoBLEAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (Peripheral, error) {
	a.mu.Lock()
	if p, ok := a.connected[address]; ok && p.IsConnected() {
		a.mu.Unlock()
		return p, nil
	}
	a.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("device: connecting to %s: %w", address, NormalizeError(err))
	}

	p := newGoBLEPeripheral(client, address, a.logger)
	p.adapter = a

	a.mu.Lock()
	a.seen[address] = struct{}{}
	a.connected[address] = p
	a.mu.Unlock()

	return p, nil
}

// Peripherals enumerates every address this adapter has observed via
// scanning and returns a connected Peripheral for each, connecting to any
// not already connected. This is the repopulation source for
// cache.PeripheralCache.Populate (spec.md §4.4) - a peripheral the
// collector hasn't matched or scheduled yet still gets cached here so a
// later config match (or a batch-I/O request) finds it without waiting on
// discovery to re-debounce.
func (a *GoBLEAdapter) Peripherals(ctx context.Context) ([]Peripheral, error) {
	a.mu.Lock()
	addresses := make([]string, 0, len(a.seen))
	for addr := range a.seen {
		addresses = append(addresses, addr)
	}
	a.mu.Unlock()

	out := make([]Peripheral, 0, len(addresses))
	for _, addr := range addresses {
		p, err := a.Connect(ctx, addr, populateConnectTimeout)
		if err != nil {
			a.logger.WithFields(logrus.Fields{"adapter": a.id, "address": addr, "error": err}).Warn("populate: connecting to known peripheral failed")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// goBLEAdvertisement adapts ble.Advertisement to device.Advertisement.
type goBLEAdvertisement struct {
	adv ble.Advertisement
}

func (a *goBLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *goBLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *goBLEAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *goBLEAdvertisement) Addr() string             { return a.adv.Addr().String() }
func (a *goBLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *goBLEAdvertisement) Services() []string {
	svcs := a.adv.Services()
	out := make([]string, len(svcs))
	for i, s := range svcs {
		out[i] = s.String()
	}
	return out
}

// goBLEPeripheral implements Peripheral on a live ble.Client connection,
// adapted from the teacher's internal/device/go-ble/connection.go.
type goBLEPeripheral struct {
	client  ble.Client
	address string
	logger  *logrus.Logger
	adapter *GoBLEAdapter // non-nil when obtained via GoBLEAdapter.Connect/Peripherals

	mu       sync.RWMutex
	services map[string]*goBLEService

	notifications chan Notification
}

func newGoBLEPeripheral(client ble.Client, address string, logger *logrus.Logger) *goBLEPeripheral {
	return &goBLEPeripheral{
		client:        client,
		address:       address,
		logger:        logger,
		services:      make(map[string]*goBLEService),
		notifications: make(chan Notification, 256),
	}
}

func (p *goBLEPeripheral) Address() string { return p.address }

func (p *goBLEPeripheral) IsConnected() bool {
	select {
	case <-p.client.Disconnected():
		return false
	default:
		return true
	}
}

func (p *goBLEPeripheral) Disconnect() error {
	if p.adapter != nil {
		p.adapter.forgetConnection(p.address)
	}
	return NormalizeError(p.client.CancelConnection())
}

func (p *goBLEPeripheral) DiscoverServices(ctx context.Context) error {
	profile, err := p.client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("device: discovering services on %s: %w", p.address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range profile.Services {
		uuid := NormalizeUUID(svc.UUID.String())
		gs, ok := p.services[uuid]
		if !ok {
			gs = &goBLEService{uuid: uuid, chars: make(map[string]*goBLECharacteristic)}
			p.services[uuid] = gs
		}
		for _, ch := range svc.Characteristics {
			charUUID := NormalizeUUID(ch.UUID.String())
			if _, exists := gs.chars[charUUID]; exists {
				continue
			}
			gs.chars[charUUID] = &goBLECharacteristic{
				uuid:        charUUID,
				serviceUUID: uuid,
				bleChar:     ch,
				peripheral:  p,
			}
		}
	}
	return nil
}

func (p *goBLEPeripheral) Services() []Service {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Service, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	return out
}

func (p *goBLEPeripheral) GetCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	svc, ok := p.services[NormalizeUUID(serviceUUID)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	ch, ok := svc.chars[NormalizeUUID(charUUID)]
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return ch, nil
}

func (p *goBLEPeripheral) Notifications() <-chan Notification {
	return p.notifications
}

type goBLEService struct {
	uuid  string
	chars map[string]*goBLECharacteristic
}

func (s *goBLEService) UUID() string { return s.uuid }

func (s *goBLEService) Characteristics() []Characteristic {
	out := make([]Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	return out
}

type goBLECharacteristic struct {
	uuid        string
	serviceUUID string
	bleChar     *ble.Characteristic
	peripheral  *goBLEPeripheral
}

func (c *goBLECharacteristic) UUID() string        { return c.uuid }
func (c *goBLECharacteristic) ServiceUUID() string { return c.serviceUUID }
func (c *goBLECharacteristic) CanNotify() bool {
	return c.bleChar.Property&ble.CharNotify != 0 || c.bleChar.Property&ble.CharIndicate != 0
}

func (c *goBLECharacteristic) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.peripheral.client.ReadCharacteristic(c.bleChar)
		done <- result{data, NormalizeError(err)}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("device: read %s/%s: %w", c.serviceUUID, c.uuid, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *goBLECharacteristic) Write(ctx context.Context, data []byte, withResponse bool, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- NormalizeError(c.peripheral.client.WriteCharacteristic(c.bleChar, data, !withResponse))
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("device: write %s/%s: %w", c.serviceUUID, c.uuid, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *goBLECharacteristic) Subscribe(ctx context.Context) error {
	serviceUUID, charUUID := c.serviceUUID, c.uuid
	return NormalizeError(c.peripheral.client.Subscribe(c.bleChar, false, func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case c.peripheral.notifications <- Notification{ServiceUUID: serviceUUID, CharacteristicUUID: charUUID, Value: cp}:
		default:
			c.peripheral.logger.WithFields(logrus.Fields{
				"service":        serviceUUID,
				"characteristic": charUUID,
			}).Warn("notification dropped: consumer channel full")
		}
	}))
}

func (c *goBLECharacteristic) Unsubscribe(ctx context.Context) error {
	return NormalizeError(c.peripheral.client.Unsubscribe(c.bleChar, false))
}
