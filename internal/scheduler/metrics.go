package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the scheduler-level Prometheus instruments shared across
// every adapter's PeripheralManager: the connected-peripherals gauge from
// spec.md §4.6.2 step 4, and the discovery throttle counter supplemented in
// SPEC_FULL.md §10 (spec.md §4.6.1 names the counter but not its
// destination).
type Metrics struct {
	connected *prometheus.GaugeVec
	throttled *prometheus.CounterVec
}

// NewMetrics registers the scheduler's instruments into reg. Call once per
// process and share the result across every AddAdapter call.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_collector_connected_peripherals",
			Help: "Number of peripherals currently connected, by adapter.",
		}, []string{"adapter"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_collector_discovery_throttled_total",
			Help: "Advertisements suppressed by the discovery debounce limiter, by adapter.",
		}, []string{"adapter"}),
	}
	reg.MustRegister(m.connected, m.throttled)
	return m
}
