package publish

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/fqcn"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func gaugeEvent(key fqcn.Fqcn, val float64) CollectorEvent {
	return CollectorEvent{
		Kind: EventPayload,
		Fqcn: key,
		Payload: &CharacteristicPayload{
			Value: convert.Value{Float: val, IsInt: false},
			Config: &config.CharacteristicConfig{
				PublishMetrics: &config.PublishMetricConfig{Type: config.MetricGauge, Name: "ble_temp_celsius"},
			},
		},
		Timestamp: time.Now(),
	}
}

func TestMetricPublisher_RegistersGaugeOnFirstPayload(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp := NewMetricPublisher(reg, 0, newTestLogger())
	key := fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37")

	ev := gaugeEvent(key, 21.5)
	ev.Payload.Value = convert.Value{Int: 21, IsInt: true}
	mp.apply(ev)

	got, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestMetricPublisher_CounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp := NewMetricPublisher(reg, 0, newTestLogger())
	key := fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a38")

	mkEv := func(v uint64) CollectorEvent {
		return CollectorEvent{
			Kind: EventPayload,
			Fqcn: key,
			Payload: &CharacteristicPayload{
				Value: convert.Value{Int: int64(v), IsInt: true},
				Config: &config.CharacteristicConfig{
					PublishMetrics: &config.PublishMetricConfig{Type: config.MetricCounter, Name: "ble_events_total"},
				},
			},
			Timestamp: time.Now(),
		}
	}

	mp.apply(mkEv(3))
	mp.apply(mkEv(4))

	rm := mp.collectors[key]
	require.NotNil(t, rm)
	assert.Equal(t, float64(7), testutil.ToFloat64(rm.counter))
}

func TestMetricPublisher_IgnoresPayloadWithoutMetricConfig(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp := NewMetricPublisher(reg, 0, newTestLogger())
	key := fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a39")

	mp.apply(CollectorEvent{
		Kind:      EventPayload,
		Fqcn:      key,
		Payload:   &CharacteristicPayload{Value: convert.Value{Int: 1, IsInt: true}},
		Timestamp: time.Now(),
	})

	assert.Empty(t, mp.collectors)
}

func TestMetricPublisher_SweepUnregistersIdleCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp := NewMetricPublisher(reg, time.Millisecond, newTestLogger())
	key := fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a40")

	mp.apply(gaugeEvent(key, 1))
	require.Len(t, mp.collectors, 1)

	time.Sleep(5 * time.Millisecond)
	mp.sweep()

	assert.Empty(t, mp.collectors)
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
