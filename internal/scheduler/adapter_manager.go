package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/publish"
	"github.com/srg/blecollector/internal/syncutil"
)

// AdapterManager owns one PeripheralManager per configured radio, matching
// spec.md §2's "one Peripheral Manager per adapter" component boundary.
type AdapterManager struct {
	mu       sync.Mutex
	managers map[string]*PeripheralManager
}

// NewAdapterManager constructs an empty registry.
func NewAdapterManager() *AdapterManager {
	return &AdapterManager{managers: make(map[string]*PeripheralManager)}
}

// AddAdapter registers a PeripheralManager for adapter, sharing the matcher,
// cache, connect lock, fan-out bus, and scheduler-level metrics across every
// adapter in the process.
func (am *AdapterManager) AddAdapter(adapter device.Adapter, matcher *config.Matcher, peripheralCache *cache.PeripheralCache, connectLock *syncutil.KeyedLock[string], bus *syncutil.FanOut[publish.CollectorEvent], opts Options, metrics *Metrics, logger *logrus.Logger) *PeripheralManager {
	peripheralCache.AddAdapter(adapter)

	m := New(adapter, matcher, peripheralCache, connectLock, bus, opts, metrics, logger)
	am.mu.Lock()
	am.managers[adapter.ID()] = m
	am.mu.Unlock()
	return m
}

// Adapters returns the live device.Adapter for every registered manager, for
// the HTTP layer's adapter lookup (spec.md §6.2's 404-on-unknown-adapter
// contract).
func (am *AdapterManager) Adapters() map[string]device.Adapter {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make(map[string]device.Adapter, len(am.managers))
	for id, m := range am.managers {
		out[id] = m.adapter
	}
	return out
}

// RunAll runs every registered adapter's discovery loop concurrently,
// returning when ctx is cancelled or any one loop returns a non-context
// error (golang.org/x/sync/errgroup, used here the way the teacher's go.mod
// already pulls it in as an indirect dependency of the go-ble driver).
func (am *AdapterManager) RunAll(ctx context.Context) error {
	am.mu.Lock()
	managers := make([]*PeripheralManager, 0, len(am.managers))
	for _, m := range am.managers {
		managers = append(managers, m)
	}
	am.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		m := m
		g.Go(func() error {
			return m.Run(gctx)
		})
	}
	return g.Wait()
}
