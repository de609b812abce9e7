// Package cache implements the peripheral handle cache from spec.md §4.4:
// a TTL map from peripheral address to driver handle, backed by
// github.com/cornelk/hashmap (grounded in the teacher's scanner/scanner.go,
// which uses the same map for its live device set) with an independent
// sweeper goroutine for eviction.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/groutine"
)

type entry struct {
	peripheral device.Peripheral
	expiresAt  time.Time
}

// PeripheralCache maps peripheral address to a connected device.Peripheral,
// with per-entry TTL and a coarse repopulation guard.
type PeripheralCache struct {
	entries     *hashmap.Map[string, *entry]
	ttl         time.Duration
	parallelism int
	logger      *logrus.Logger

	lastPopulateNanos atomic.Int64

	populateMu sync.Mutex

	adaptersMu sync.Mutex
	adapters   []device.Adapter
}

// New constructs an empty PeripheralCache with the given TTL and the bounded
// parallelism to use for service-discovery during Populate (the
// `service_discovery_parallelism` CLI flag).
func New(ttl time.Duration, serviceDiscoveryParallelism int, logger *logrus.Logger) *PeripheralCache {
	return &PeripheralCache{
		entries:     hashmap.New[string, *entry](),
		ttl:         ttl,
		parallelism: serviceDiscoveryParallelism,
		logger:      logger,
	}
}

// AddAdapter registers an adapter whose known peripherals Populate should
// enumerate, per spec.md §4.4. The cache is shared across every adapter the
// process manages (spec.md §2's scheduler/batch-executor sharing), so
// Populate sweeps all of them, not just the one that triggered the miss.
func (c *PeripheralCache) AddAdapter(a device.Adapter) {
	c.adaptersMu.Lock()
	c.adapters = append(c.adapters, a)
	c.adaptersMu.Unlock()
}

// Put inserts or refreshes the cache entry for address with a fresh TTL.
// The scheduler calls this immediately after a successful connect, making
// the cache - per spec.md §3's Ownership note - the single authoritative
// holder of the shared peripheral handle.
func (c *PeripheralCache) Put(address string, p device.Peripheral) {
	c.entries.Set(address, &entry{peripheral: p, expiresAt: time.Now().Add(c.ttl)})
}

// Get returns the cached handle for address if present and unexpired. On a
// miss it triggers a single Populate pass and retries once, per spec.md
// §4.4's Lookup contract.
func (c *PeripheralCache) Get(ctx context.Context, address string) (device.Peripheral, bool) {
	if p, ok := c.lookup(address); ok {
		return p, true
	}

	c.Populate(ctx)

	return c.lookup(address)
}

func (c *PeripheralCache) lookup(address string) (device.Peripheral, bool) {
	e, ok := c.entries.Get(address)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.peripheral, true
}

// Populate is a no-op if the last successful populate was less than TTL
// ago (the coarse repopulation guard). Otherwise it re-runs bounded-parallel
// service discovery against every peripheral already known to the cache,
// refreshing each entry's TTL, and additionally enumerates every peripheral
// each registered adapter currently knows about, inserting the ones the
// cache doesn't hold yet - per spec.md §4.4: "Repopulation enumerates every
// peripheral currently known to the adapter, performs a bounded-parallel
// service discovery ..., and inserts each handle with its TTL."
func (c *PeripheralCache) Populate(ctx context.Context) {
	last := c.lastPopulateNanos.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < c.ttl {
		return
	}

	c.populateMu.Lock()
	defer c.populateMu.Unlock()

	// Re-check under the mutex: another goroutine may have populated while
	// we waited for the lock.
	last = c.lastPopulateNanos.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < c.ttl {
		return
	}

	sem := make(chan struct{}, max(1, c.parallelism))

	addresses := make([]string, 0)
	c.entries.Range(func(address string, _ *entry) bool {
		addresses = append(addresses, address)
		return true
	})

	var wg sync.WaitGroup
	for _, addr := range addresses {
		addr := addr
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.refresh(ctx, addr)
		}()
	}
	wg.Wait()

	c.adaptersMu.Lock()
	adapters := append([]device.Adapter(nil), c.adapters...)
	c.adaptersMu.Unlock()

	var addWg sync.WaitGroup
	for _, a := range adapters {
		peripherals, err := a.Peripherals(ctx)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"adapter": a.ID(), "error": err}).Warn("cache: enumerating adapter peripherals failed")
			continue
		}
		for _, p := range peripherals {
			if _, ok := c.entries.Get(p.Address()); ok {
				continue
			}
			p := p
			addWg.Add(1)
			sem <- struct{}{}
			go func() {
				defer addWg.Done()
				defer func() { <-sem }()
				c.addDiscovered(ctx, p)
			}()
		}
	}
	addWg.Wait()

	c.lastPopulateNanos.Store(time.Now().UnixNano())
}

func (c *PeripheralCache) refresh(ctx context.Context, address string) {
	e, ok := c.entries.Get(address)
	if !ok {
		return
	}
	if err := e.peripheral.DiscoverServices(ctx); err != nil {
		c.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("cache: service discovery failed during populate")
		return
	}
	c.entries.Set(address, &entry{peripheral: e.peripheral, expiresAt: time.Now().Add(c.ttl)})
}

// addDiscovered discovers services on a peripheral the cache didn't already
// hold (obtained from an adapter's Peripherals() enumeration) and inserts
// it with a fresh TTL.
func (c *PeripheralCache) addDiscovered(ctx context.Context, p device.Peripheral) {
	if err := p.DiscoverServices(ctx); err != nil {
		c.logger.WithFields(logrus.Fields{"address": p.Address(), "error": err}).Warn("cache: service discovery failed for newly enumerated peripheral")
		return
	}
	c.entries.Set(p.Address(), &entry{peripheral: p, expiresAt: time.Now().Add(c.ttl)})
}

// StartSweeper launches a background task (via internal/groutine) that
// periodically evicts expired entries, independent of Populate/Get traffic,
// per spec.md §4.4's "independent sweeper task".
func (c *PeripheralCache) StartSweeper(ctx context.Context) *groutine.Handle {
	return groutine.Go(ctx, "peripheral-cache-sweeper", func(ctx context.Context) {
		ticker := time.NewTicker(c.ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				var expired []string
				c.entries.Range(func(address string, e *entry) bool {
					if now.After(e.expiresAt) {
						expired = append(expired, address)
					}
					return true
				})
				for _, addr := range expired {
					c.entries.Del(addr)
				}
			}
		}
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
