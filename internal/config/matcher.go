package config

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecollector/internal/fqcn"
)

// Matcher holds the set of flattened peripheral configs and resolves a
// discovered PeripheralKey to the config it matches, per spec.md §4.5.
//
// Configs are kept in an ordered map (github.com/wk8/go-ordered-map/v2,
// grounded in the teacher's go.mod) so that insertion order is preserved;
// GetMatching returns the first config (in insertion order) whose filters
// accept the key. spec.md §9 leaves "which config wins on overlap" an open
// question - this repo resolves it as "first-added wins", which is at least
// deterministic and documented in DESIGN.md, instead of Go's randomized map
// iteration order.
type Matcher struct {
	mu      sync.RWMutex
	configs *orderedmap.OrderedMap[string, *FlatPeripheralConfig]
}

// NewMatcher constructs an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{configs: orderedmap.New[string, *FlatPeripheralConfig]()}
}

// Add registers cfg under its Name. It fails with
// *DuplicateConfigurationError if a config with the same Name already
// exists - a fatal startup error per spec.md §3's Lifecycles section.
func (m *Matcher) Add(cfg *FlatPeripheralConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.configs.Get(cfg.Name); exists {
		return &DuplicateConfigurationError{Name: cfg.Name}
	}
	m.configs.Set(cfg.Name, cfg)
	return nil
}

// GetMatching returns the first config (insertion order) whose adapter,
// device_id, and device_name filters all accept key. A missing filter
// accepts anything; a present device_name filter against a key with no
// advertised name rejects, per spec.md §4.5.
func (m *Matcher) GetMatching(key fqcn.PeripheralKey) (*FlatPeripheralConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for pair := m.configs.Oldest(); pair != nil; pair = pair.Next() {
		cfg := pair.Value
		if !cfg.AdapterFilter.Match(key.AdapterID) {
			continue
		}
		if !cfg.DeviceIDFilter.Match(key.Address) {
			continue
		}
		if cfg.DeviceNameFilter != nil && key.Name == "" {
			continue
		}
		if !cfg.DeviceNameFilter.Match(key.Name) {
			continue
		}
		return cfg, true
	}
	return nil, false
}

// All returns every registered config, in insertion order, for the
// `GET /configurations` HTTP handler.
func (m *Matcher) All() []*FlatPeripheralConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*FlatPeripheralConfig, 0, m.configs.Len())
	for pair := m.configs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
