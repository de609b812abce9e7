// Package scheduler implements the Peripheral Manager (spec.md §4.6): the
// per-adapter discovery loop, connect-and-discover pipeline, poll/subscribe
// task supervision, and disconnect cleanup. Adapted from the connect/
// subscribe/disconnect sequencing in the teacher's
// pkg/connection/connection.go, generalized from one hard-coded serial
// service to the arbitrary per-peripheral configuration produced by
// internal/config.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/fqcn"
	"github.com/srg/blecollector/internal/groutine"
	"github.com/srg/blecollector/internal/publish"
	"github.com/srg/blecollector/internal/syncutil"
)

// Options configures one PeripheralManager, mapping directly to the CLI
// flags in spec.md §6.1.
type Options struct {
	ConnectTimeout                time.Duration
	ReadTimeout                   time.Duration
	DiscoveryDebounce             time.Duration
	PurgeProbability              float64
	PurgeMaxEvicted               int
	ConnectConcurrency            int
	NotificationStreamReadTimeout time.Duration
}

// PeripheralManager owns one Adapter: its discovery loop, the set of
// peripherals currently being serviced, and their poll/subscribe tasks.
type PeripheralManager struct {
	adapter device.Adapter
	matcher *config.Matcher
	cache   *cache.PeripheralCache
	bus     *syncutil.FanOut[publish.CollectorEvent]
	opts    Options
	metrics *Metrics
	logger  *logrus.Logger

	debouncer *syncutil.Debouncer[string]
	connectLk *syncutil.KeyedLock[string]

	mu     sync.Mutex
	active map[string]*peripheralSession // address -> session
}

type peripheralSession struct {
	key    fqcn.PeripheralKey
	cfg    *config.FlatPeripheralConfig
	handle device.Peripheral
	tasks  []*groutine.Handle
}

// New constructs a PeripheralManager for one adapter. metrics may be nil in
// tests that don't care about the connected-peripherals gauge or the
// discovery throttle counter. connectLock is shared with every other
// adapter's manager and with the batch.Executor, so the keyed connection
// lock invariant in spec.md §8 ("at most one driver-level connect is in
// flight per address") holds process-wide, not just within one manager -
// matching §2's "[the batch executor] shares the same connection machinery
// and the peripheral cache" as the scheduler.
func New(adapter device.Adapter, matcher *config.Matcher, peripheralCache *cache.PeripheralCache, connectLock *syncutil.KeyedLock[string], bus *syncutil.FanOut[publish.CollectorEvent], opts Options, metrics *Metrics, logger *logrus.Logger) *PeripheralManager {
	return &PeripheralManager{
		adapter:   adapter,
		matcher:   matcher,
		cache:     peripheralCache,
		bus:       bus,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		debouncer: syncutil.NewDebouncer[string](opts.DiscoveryDebounce, opts.PurgeProbability, opts.PurgeMaxEvicted),
		connectLk: connectLock,
		active:    make(map[string]*peripheralSession),
	}
}

// Run starts the discovery loop and blocks until ctx is cancelled, cleaning
// up every active session on the way out (spec.md §4.6's top-level
// lifecycle).
//
// The loop is wrapped in a read timeout (spec.md §4.6.1): the adapter-level
// central-event stream is treated as liveness-checked, not infinite-blocking,
// so a silent adapter doesn't wedge the discovery loop forever. On timeout
// a fresh stream is opened and read in place of the old one; the old stream
// is not closed or cancelled.
func (m *PeripheralManager) Run(ctx context.Context) error {
	events, err := m.adapter.CentralEvents(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: starting discovery on adapter %s: %w", m.adapter.ID(), err)
	}

	m.logger.WithField("adapter", m.adapter.ID()).Info("discovery loop started")

	timeout := m.opts.NotificationStreamReadTimeout
	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			m.disconnectAll()
			return ctx.Err()
		case <-timerC:
			m.logger.WithField("adapter", m.adapter.ID()).Debug("central-event stream liveness timeout, restarting")
			fresh, err := m.adapter.CentralEvents(ctx)
			if err != nil {
				if ctx.Err() != nil {
					m.disconnectAll()
					return ctx.Err()
				}
				m.logger.WithFields(logrus.Fields{"adapter": m.adapter.ID(), "error": err}).Warn("restarting central-event stream failed")
			} else {
				events = fresh
			}
			timer.Reset(timeout)
		case ev, ok := <-events:
			if !ok {
				m.disconnectAll()
				return nil
			}
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			}
			m.handleCentralEvent(ctx, ev)
		}
	}
}

func (m *PeripheralManager) handleCentralEvent(ctx context.Context, ev device.CentralEvent) {
	switch ev.Type {
	case device.EventDisconnected:
		m.disconnect(ev.Addr)
	case device.EventDiscovered:
		m.handleDiscovered(ctx, ev.Adv)
	}
}

func (m *PeripheralManager) handleDiscovered(ctx context.Context, adv device.Advertisement) {
	address := adv.Addr()

	// Debounce limiter (spec.md §4.1): repeated advertisements from an
	// already-serviced or recently-seen peripheral are suppressed.
	if m.debouncer.Throttle(address) {
		if m.metrics != nil {
			m.metrics.throttled.WithLabelValues(m.adapter.ID()).Inc()
		}
		return
	}

	if m.isActive(address) {
		return
	}

	key := fqcn.PeripheralKey{AdapterID: m.adapter.ID(), Address: address, Name: adv.LocalName()}
	cfg, ok := m.matcher.GetMatching(key)
	if !ok {
		return
	}

	go m.connectAndService(ctx, key, cfg)
}

func (m *PeripheralManager) isActive(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[address]
	return ok
}

// connectAndService implements connect_all's single-peripheral body (spec.md
// §4.6.2): keyed-lock single-flight connect, service discovery via the
// cache, and one task per configured characteristic.
func (m *PeripheralManager) connectAndService(ctx context.Context, key fqcn.PeripheralKey, cfg *config.FlatPeripheralConfig) {
	guard := m.connectLk.Lock(key.Address)
	defer guard.Release()

	if m.isActive(key.Address) {
		return
	}

	p, ok := m.cache.Get(ctx, key.Address)
	if !ok {
		var err error
		p, err = m.adapter.Connect(ctx, key.Address, m.opts.ConnectTimeout)
		if err != nil {
			m.logger.WithFields(logrus.Fields{"address": key.Address, "error": err}).Warn("connect failed")
			return
		}
		if err := p.DiscoverServices(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{"address": key.Address, "error": err}).Warn("service discovery failed")
			_ = p.Disconnect()
			return
		}
		m.cache.Put(key.Address, p)
	}

	sess := &peripheralSession{key: key, cfg: cfg, handle: p}
	subscribed := 0

	for svcCharKey, charCfg := range cfg.ServiceMap {
		ch, err := p.GetCharacteristic(svcCharKey.ServiceUUID, svcCharKey.CharacteristicUUID)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"address": key.Address, "service": svcCharKey.ServiceUUID, "characteristic": svcCharKey.CharacteristicUUID, "error": err,
			}).Warn("configured characteristic not present")
			continue
		}

		// spec.md §4.6.2: one Connect event per matched characteristic,
		// triggering MQTT discovery publication for that characteristic.
		m.bus.Send(ctx, publish.CollectorEvent{
			Kind:      publish.EventConnect,
			Key:       key,
			Fqcn:      fqcn.New(key.Address, svcCharKey.ServiceUUID, svcCharKey.CharacteristicUUID),
			Config:    charCfg,
			Timestamp: time.Now(),
		})

		switch charCfg.Kind {
		case config.KindPoll:
			sess.tasks = append(sess.tasks, m.startPoller(ctx, key, ch, charCfg))
		case config.KindSubscribe:
			if h, err := m.startSubscriber(ctx, key, ch, charCfg); err != nil {
				m.logger.WithFields(logrus.Fields{"address": key.Address, "characteristic": svcCharKey.CharacteristicUUID, "error": err}).Warn("subscribe failed")
			} else {
				sess.tasks = append(sess.tasks, h)
				subscribed++
			}
		}
	}

	// Only spawn the shared notification consumer when this peripheral
	// actually has a subscribed characteristic to route notifications for
	// (spec.md §4.6.2); otherwise it would be an idle goroutine with
	// nothing to read.
	if subscribed > 0 {
		sess.tasks = append(sess.tasks, m.startNotificationConsumer(ctx, key, p, cfg))
	}

	m.mu.Lock()
	m.active[key.Address] = sess
	m.mu.Unlock()

	// spec.md §4.6.2 step 4: update the connected-peripherals gauge.
	if m.metrics != nil {
		m.metrics.connected.WithLabelValues(m.adapter.ID()).Inc()
	}
}

// startPoller runs one characteristic's read-delay-repeat loop (spec.md
// §4.6.3). On a read error the task ends rather than retrying indefinitely
// against a characteristic that has started failing; the peripheral's next
// disconnect/reconnect cycle re-dispatches it.
func (m *PeripheralManager) startPoller(ctx context.Context, key fqcn.PeripheralKey, ch device.Characteristic, cfg *config.CharacteristicConfig) *groutine.Handle {
	name := fmt.Sprintf("poll-%s-%s-%s", key.Address, ch.ServiceUUID(), ch.UUID())
	return groutine.Go(ctx, name, func(ctx context.Context) {
		ticker := time.NewTicker(cfg.Delay)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				raw, err := ch.Read(ctx, m.opts.ReadTimeout)
				if err != nil {
					m.logger.WithFields(logrus.Fields{"address": key.Address, "characteristic": ch.UUID(), "error": err}).Warn("poll read failed, ending task")
					return
				}
				m.publish(ctx, key, ch, cfg, raw)
			}
		}
	})
}

// startSubscriber arms notification delivery; actual values arrive on the
// peripheral's shared Notifications() stream, consumed by
// startNotificationConsumer.
func (m *PeripheralManager) startSubscriber(ctx context.Context, key fqcn.PeripheralKey, ch device.Characteristic, cfg *config.CharacteristicConfig) (*groutine.Handle, error) {
	if !ch.CanNotify() {
		return nil, fmt.Errorf("characteristic %s/%s does not support notify/indicate", ch.ServiceUUID(), ch.UUID())
	}
	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	// No dedicated task: subscription delivery is push-based, consumed
	// centrally. Return a handle that unsubscribes on cancellation so
	// connect_all's per-characteristic bookkeeping stays uniform.
	name := fmt.Sprintf("subscribe-%s-%s-%s", key.Address, ch.ServiceUUID(), ch.UUID())
	return groutine.Go(ctx, name, func(ctx context.Context) {
		<-ctx.Done()
		_ = ch.Unsubscribe(context.Background())
	}), nil
}

// startNotificationConsumer drains the peripheral's shared notification
// channel, matching each value back to its CharacteristicConfig and
// publishing it, per spec.md §4.6.4.
func (m *PeripheralManager) startNotificationConsumer(ctx context.Context, key fqcn.PeripheralKey, p device.Peripheral, cfg *config.FlatPeripheralConfig) *groutine.Handle {
	name := fmt.Sprintf("notify-consumer-%s", key.Address)
	return groutine.Go(ctx, name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-p.Notifications():
				if !ok {
					return
				}
				charCfg, ok := cfg.ServiceMap[config.ServiceCharKey{ServiceUUID: n.ServiceUUID, CharacteristicUUID: n.CharacteristicUUID}]
				if !ok {
					continue
				}
				m.publishRaw(ctx, key, n.ServiceUUID, n.CharacteristicUUID, charCfg, n.Value)
			}
		}
	})
}

func (m *PeripheralManager) publish(ctx context.Context, key fqcn.PeripheralKey, ch device.Characteristic, cfg *config.CharacteristicConfig, raw []byte) {
	m.publishRaw(ctx, key, ch.ServiceUUID(), ch.UUID(), cfg, raw)
}

func (m *PeripheralManager) publishRaw(ctx context.Context, key fqcn.PeripheralKey, serviceUUID, charUUID string, cfg *config.CharacteristicConfig, raw []byte) {
	value, err := cfg.Converter.Decode(raw)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"address": key.Address, "characteristic": charUUID, "error": err}).Warn("decode failed")
		return
	}
	ev := publish.CollectorEvent{
		Kind:      publish.EventPayload,
		Key:       key,
		Fqcn:      fqcn.New(key.Address, serviceUUID, charUUID),
		Payload:   &publish.CharacteristicPayload{Value: value, Raw: raw, Config: cfg},
		Timestamp: time.Now(),
	}
	_ = m.bus.Send(ctx, ev)
}

// disconnect tears down one peripheral session: aborts its tasks,
// disconnects the driver handle, and emits the disconnect event, per
// spec.md §4.6.5.
func (m *PeripheralManager) disconnect(address string) {
	m.mu.Lock()
	sess, ok := m.active[address]
	if ok {
		delete(m.active, address)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	for _, h := range sess.tasks {
		h.Abort()
	}
	if err := sess.handle.Disconnect(); err != nil {
		m.logger.WithFields(logrus.Fields{"address": address, "error": err}).Debug("disconnect returned error")
	}
	if m.metrics != nil {
		m.metrics.connected.WithLabelValues(m.adapter.ID()).Dec()
	}

	// spec.md §4.6.5: one Disconnect event per configured characteristic,
	// mirroring the per-characteristic Connect events, so downstream
	// publishers (e.g. MQTT retained state) can react per-fqcn.
	for svcCharKey, charCfg := range sess.cfg.ServiceMap {
		m.bus.Send(context.Background(), publish.CollectorEvent{
			Kind:      publish.EventDisconnect,
			Key:       sess.key,
			Fqcn:      fqcn.New(sess.key.Address, svcCharKey.ServiceUUID, svcCharKey.CharacteristicUUID),
			Config:    charCfg,
			Timestamp: time.Now(),
		})
	}
}

func (m *PeripheralManager) disconnectAll() {
	m.mu.Lock()
	addresses := make([]string, 0, len(m.active))
	for addr := range m.active {
		addresses = append(addresses, addr)
	}
	m.mu.Unlock()

	for _, addr := range addresses {
		m.disconnect(addr)
	}
}
