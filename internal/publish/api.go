package publish

import (
	"context"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/fqcn"
	"github.com/srg/blecollector/internal/groutine"
)

// HistoryEntry is one retained sample in a characteristic's ring buffer.
type HistoryEntry struct {
	Value     convert.Value
	Raw       []byte
	Timestamp time.Time
}

// CharacteristicRecord is the API store's per-characteristic state: the
// bounded history buffer (github.com/hedzr/go-ringbuf/v2/mpmc, the same
// overwrite-oldest ring the teacher uses in internal/lua/lua_output_collector.go)
// plus the num_updates/updated_at counters from spec.md §3.
type CharacteristicRecord struct {
	UUID       string
	Config     *config.CharacteristicConfig
	historyMu  sync.Mutex
	history    mpmc.RichOverlappedRingBuffer[HistoryEntry]
	NumUpdates uint64
	UpdatedAt  time.Time
}

// History returns up to the ring buffer's full retained capacity of samples,
// oldest first. The dequeue/re-enqueue round trip is serialized against
// concurrent readers and against apply's writer goroutine via historyMu,
// since the ring buffer itself gives no atomicity across that pair of calls.
func (c *CharacteristicRecord) History() []HistoryEntry {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	var out []HistoryEntry
	for {
		e, err := c.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	// Re-enqueue so repeated snapshot reads are non-destructive.
	for _, e := range out {
		_, _ = c.history.EnqueueM(e)
	}
	return out
}

// ServiceRecord aggregates its characteristics' update counters.
type ServiceRecord struct {
	UUID            string
	Name            string
	Characteristics map[string]*CharacteristicRecord
	NumUpdates      uint64
	UpdatedAt       time.Time
}

// PeripheralRecord aggregates one connected (or previously connected)
// peripheral's services.
type PeripheralRecord struct {
	Key        fqcn.PeripheralKey
	Connected  bool
	Services   map[string]*ServiceRecord
	NumUpdates uint64
	UpdatedAt  time.Time
}

// APIPublisher is the in-memory store behind the HTTP API's `/ble/*`
// endpoints (spec.md §4.8, §6.2). It is itself a fan-out subscriber: the
// scheduler never talks to it directly, it only ever sees CollectorEvents.
type APIPublisher struct {
	mu          sync.RWMutex
	peripherals map[string]*PeripheralRecord // key: adapter/address
	historySize func(cfg *config.CharacteristicConfig) int
}

// NewAPIPublisher constructs an empty store.
func NewAPIPublisher() *APIPublisher {
	return &APIPublisher{
		peripherals: make(map[string]*PeripheralRecord),
		historySize: func(cfg *config.CharacteristicConfig) int {
			if cfg == nil || cfg.HistorySize <= 0 {
				return 10
			}
			return cfg.HistorySize
		},
	}
}

// Run consumes events until ctx is cancelled or events closes.
func (p *APIPublisher) Run(ctx context.Context, events <-chan CollectorEvent) *groutine.Handle {
	return groutine.Go(ctx, "api-publisher", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.apply(ev)
			}
		}
	})
}

func (p *APIPublisher) apply(ev CollectorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := p.peripheralLocked(ev.Key)

	switch ev.Kind {
	case EventConnect:
		per.Connected = true
	case EventDisconnect:
		per.Connected = false
	case EventPayload:
		if ev.Payload == nil {
			return
		}
		svc := per.Services[ev.Fqcn.ServiceUUID]
		if svc == nil {
			svc = &ServiceRecord{UUID: ev.Fqcn.ServiceUUID, Characteristics: make(map[string]*CharacteristicRecord)}
			if ev.Payload.Config != nil {
				svc.Name = ev.Payload.Config.ServiceName
			}
			per.Services[ev.Fqcn.ServiceUUID] = svc
		}
		ch := svc.Characteristics[ev.Fqcn.CharacteristicUUID]
		if ch == nil {
			ch = &CharacteristicRecord{
				UUID:    ev.Fqcn.CharacteristicUUID,
				Config:  ev.Payload.Config,
				history: mpmc.NewOverlappedRingBuffer[HistoryEntry](uint32(p.historySize(ev.Payload.Config))),
			}
			svc.Characteristics[ev.Fqcn.CharacteristicUUID] = ch
		}
		ch.historyMu.Lock()
		_, _ = ch.history.EnqueueM(HistoryEntry{Value: ev.Payload.Value, Raw: ev.Payload.Raw, Timestamp: ev.Timestamp})
		ch.historyMu.Unlock()
		ch.NumUpdates++
		ch.UpdatedAt = ev.Timestamp
		svc.NumUpdates++
		svc.UpdatedAt = ev.Timestamp
		per.NumUpdates++
		per.UpdatedAt = ev.Timestamp
	}
}

func (p *APIPublisher) peripheralLocked(key fqcn.PeripheralKey) *PeripheralRecord {
	id := key.String()
	per, ok := p.peripherals[id]
	if !ok {
		per = &PeripheralRecord{Key: key, Services: make(map[string]*ServiceRecord)}
		p.peripherals[id] = per
	} else {
		// A later event may carry a resolved Name where an earlier one
		// didn't (spec.md §3: Name is populated opportunistically).
		if key.Name != "" {
			per.Key.Name = key.Name
		}
	}
	return per
}

// Adapters returns the distinct adapter IDs seen so far.
func (p *APIPublisher) Adapters() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, per := range p.peripherals {
		if !seen[per.Key.AdapterID] {
			seen[per.Key.AdapterID] = true
			out = append(out, per.Key.AdapterID)
		}
	}
	return out
}

// Peripherals returns a snapshot of every peripheral known on adapterID.
func (p *APIPublisher) Peripherals(adapterID string) []*PeripheralRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*PeripheralRecord
	for _, per := range p.peripherals {
		if per.Key.AdapterID == adapterID {
			out = append(out, per)
		}
	}
	return out
}

// Peripheral returns the record for one (adapter, address) pair.
func (p *APIPublisher) Peripheral(adapterID, address string) (*PeripheralRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	per, ok := p.peripherals[fqcn.PeripheralKey{AdapterID: adapterID, Address: address}.String()]
	return per, ok
}

// Characteristic returns the record for a single characteristic, used by the
// supplemented single-characteristic descriptor endpoint (SPEC_FULL.md §10).
func (p *APIPublisher) Characteristic(adapterID, address, serviceUUID, charUUID string) (*CharacteristicRecord, bool) {
	per, ok := p.Peripheral(adapterID, address)
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	svc, ok := per.Services[serviceUUID]
	if !ok {
		return nil, false
	}
	ch, ok := svc.Characteristics[charUUID]
	return ch, ok
}
