package publish

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/fqcn"
	"github.com/srg/blecollector/internal/groutine"
)

// MetricPublisher lazily registers one Prometheus collector per
// characteristic the first time it sees a payload for it, and dispatches
// subsequent payloads as counter increments / gauge sets / histogram
// observations per spec.md §4.8 and §6.5. Grounded in
// other_examples/e60ca589_jfallot-mqtt_exporter (paho + client_golang pairing)
// and other_examples/16cae686_madpsy-ka9q_ubersdr (per-metric dynamic
// registration on first observed value).
type MetricPublisher struct {
	registerer  prometheus.Registerer
	logger      *logrus.Logger
	idleTimeout time.Duration

	mu         sync.Mutex
	collectors map[fqcn.Fqcn]*registeredMetric
}

type registeredMetric struct {
	kind      config.MetricType
	counter   prometheus.Counter
	gauge     prometheus.Gauge
	histogram prometheus.Histogram
	lastSeen  time.Time
}

// NewMetricPublisher constructs a publisher registering against reg.
// idleTimeout is the sweep window after which a characteristic's collector
// is unregistered if no new payload arrived (SPEC_FULL.md §6.5's
// `--metrics-idle-timeout`); zero disables the sweep.
func NewMetricPublisher(reg prometheus.Registerer, idleTimeout time.Duration, logger *logrus.Logger) *MetricPublisher {
	return &MetricPublisher{
		registerer:  reg,
		logger:      logger,
		idleTimeout: idleTimeout,
		collectors:  make(map[fqcn.Fqcn]*registeredMetric),
	}
}

// Run consumes payload events, ignoring connect/disconnect (metrics have no
// connection-state dimension per spec.md §4.8).
func (m *MetricPublisher) Run(ctx context.Context, events <-chan CollectorEvent) *groutine.Handle {
	return groutine.Go(ctx, "metric-publisher", func(ctx context.Context) {
		var sweepC <-chan time.Time
		if m.idleTimeout > 0 {
			ticker := time.NewTicker(m.idleTimeout)
			defer ticker.Stop()
			sweepC = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepC:
				m.sweep()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == EventPayload {
					m.apply(ev)
				}
			}
		}
	})
}

func (m *MetricPublisher) apply(ev CollectorEvent) {
	if ev.Payload == nil || ev.Payload.Config == nil || ev.Payload.Config.PublishMetrics == nil {
		return
	}
	cfg := ev.Payload.Config.PublishMetrics

	m.mu.Lock()
	rm, ok := m.collectors[ev.Fqcn]
	if !ok {
		rm = m.register(ev.Fqcn, cfg)
		m.collectors[ev.Fqcn] = rm
	}
	rm.lastSeen = ev.Timestamp
	m.mu.Unlock()

	switch rm.kind {
	case config.MetricCounter:
		if v, ok := ev.Payload.Value.AsUint64(); ok {
			rm.counter.Add(float64(v))
		} else {
			m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn, "metric": cfg.Name}).Warn("non-numeric value skipped for counter metric")
		}
	case config.MetricGauge:
		if v, ok := ev.Payload.Value.AsFloat64(); ok {
			rm.gauge.Set(v)
		} else {
			m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn, "metric": cfg.Name}).Warn("non-numeric value skipped for gauge metric")
		}
	case config.MetricHistogram:
		if v, ok := ev.Payload.Value.AsFloat64(); ok {
			rm.histogram.Observe(v)
		} else {
			m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn, "metric": cfg.Name}).Warn("non-numeric value skipped for histogram metric")
		}
	}
}

// constLabels merges the fixed peripheral/service/characteristic dimensions
// with any user-configured labels, per spec.md §4.8: "Labels include
// peripheral, service, characteristic, plus any user labels."
func constLabels(key fqcn.Fqcn, userLabels map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(userLabels)+3)
	for k, v := range userLabels {
		labels[k] = v
	}
	labels["peripheral"] = key.PeripheralAddress
	labels["service"] = key.ServiceUUID
	labels["characteristic"] = key.CharacteristicUUID
	return labels
}

func (m *MetricPublisher) register(key fqcn.Fqcn, cfg *config.PublishMetricConfig) *registeredMetric {
	opts := prometheus.Opts{Name: cfg.Name, Help: cfg.Description, ConstLabels: constLabels(key, cfg.Labels)}

	rm := &registeredMetric{kind: cfg.Type}
	switch cfg.Type {
	case config.MetricCounter:
		c := prometheus.NewCounter(prometheus.CounterOpts(opts))
		if err := m.registerer.Register(c); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				c = existing.ExistingCollector.(prometheus.Counter)
			} else {
				m.logger.WithFields(logrus.Fields{"metric": cfg.Name, "error": err}).Warn("metric registration failed")
			}
		}
		rm.counter = c
	case config.MetricGauge:
		g := prometheus.NewGauge(prometheus.GaugeOpts(opts))
		if err := m.registerer.Register(g); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				g = existing.ExistingCollector.(prometheus.Gauge)
			} else {
				m.logger.WithFields(logrus.Fields{"metric": cfg.Name, "error": err}).Warn("metric registration failed")
			}
		}
		rm.gauge = g
	case config.MetricHistogram:
		h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: cfg.Name, Help: cfg.Description, ConstLabels: constLabels(key, cfg.Labels)})
		if err := m.registerer.Register(h); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				h = existing.ExistingCollector.(prometheus.Histogram)
			} else {
				m.logger.WithFields(logrus.Fields{"metric": cfg.Name, "error": err}).Warn("metric registration failed")
			}
		}
		rm.histogram = h
	}
	return rm
}

// sweep unregisters collectors that have been idle longer than idleTimeout,
// resolving SPEC_FULL.md §6.5's open question on unbounded metric growth for
// peripherals that disappear permanently.
func (m *MetricPublisher) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, rm := range m.collectors {
		if now.Sub(rm.lastSeen) < m.idleTimeout {
			continue
		}
		switch rm.kind {
		case config.MetricCounter:
			m.registerer.Unregister(rm.counter)
		case config.MetricGauge:
			m.registerer.Unregister(rm.gauge)
		case config.MetricHistogram:
			m.registerer.Unregister(rm.histogram)
		}
		delete(m.collectors, key)
	}
}
