package config

import (
	"sort"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/filter"
)

// defaultServiceDelay is used when a service declares neither a default_delay
// nor any per-characteristic delay; spec.md leaves this case unconstrained,
// so it falls back to the CLI's default read-timeout scale to avoid a
// zero-duration poll loop.
const defaultServiceDelay = time.Second

// ServiceCharKey identifies one characteristic within a peripheral's
// service_map, per spec.md §3.
type ServiceCharKey struct {
	ServiceUUID        string
	CharacteristicUUID string
}

// CharacteristicConfig is the flattened, per-child-defaulted shape of a
// characteristic config, per spec.md §3.
type CharacteristicConfig struct {
	Kind               CharKind
	Name               string
	ServiceName        string
	ServiceUUID        string
	CharacteristicUUID string
	HistorySize        int
	Converter          convert.Converter
	PublishMetrics     *PublishMetricConfig
	PublishMqtt        *PublishMqttConfig
	Delay              time.Duration // only meaningful when Kind == KindPoll
}

// FlatPeripheralConfig is the flattened shape of one peripheral config, per
// spec.md §3. Within one instance each (service_uuid, characteristic_uuid)
// pair occurs at most once.
type FlatPeripheralConfig struct {
	Name             string
	AdapterFilter    *filter.Filter
	DeviceIDFilter   *filter.Filter
	DeviceNameFilter *filter.Filter
	ServiceMap       map[ServiceCharKey]*CharacteristicConfig
}

// Flatten converts one YAML peripheral entry into its flattened form,
// pushing each service's default_delay/default_history_size down into every
// child characteristic that omits its own value, and rejecting duplicate
// (service, characteristic) pairs per spec.md §3's invariant.
func Flatten(raw PeripheralYAML) (*FlatPeripheralConfig, error) {
	flat := &FlatPeripheralConfig{
		Name:             raw.Name,
		AdapterFilter:    raw.AdapterFilter,
		DeviceIDFilter:   raw.DeviceIDFilter,
		DeviceNameFilter: raw.DeviceNameFilter,
		ServiceMap:       make(map[ServiceCharKey]*CharacteristicConfig),
	}

	for _, svc := range raw.Services {
		svcUUID := device.NormalizeUUID(svc.UUID)

		defaultHistorySize := svc.DefaultHistorySize
		if defaultHistorySize == 0 {
			defaultHistorySize = 10
		}
		defaultDelay := svc.DefaultDelay
		if defaultDelay == 0 {
			defaultDelay = defaultServiceDelay
		}

		for _, c := range svc.Characteristics {
			cc, err := flattenCharacteristic(svc, c, defaultHistorySize, defaultDelay)
			if err != nil {
				return nil, err
			}

			key := ServiceCharKey{ServiceUUID: svcUUID, CharacteristicUUID: device.NormalizeUUID(c.UUID)}
			if _, exists := flat.ServiceMap[key]; exists {
				return nil, &DuplicateCharacteristicConfigurationError{
					Peripheral:         raw.Name,
					ServiceUUID:        key.ServiceUUID,
					CharacteristicUUID: key.CharacteristicUUID,
				}
			}
			flat.ServiceMap[key] = cc
		}
	}

	return flat, nil
}

func flattenCharacteristic(svc ServiceYAML, c CharacteristicYAML, defaultHistorySize int, defaultDelay time.Duration) (*CharacteristicConfig, error) {
	switch c.Type {
	case KindSubscribe, KindPoll:
	default:
		return nil, &UnexpectedCharacteristicConfigurationError{Type: string(c.Type)}
	}

	historySize := defaultHistorySize
	if c.HistorySize != nil {
		historySize = *c.HistorySize
	}

	conv := convert.Converter{Kind: convert.Raw}
	if c.Converter != nil {
		conv = *c.Converter
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}

	cc := &CharacteristicConfig{
		Kind:               c.Type,
		Name:               c.Name,
		ServiceName:        svc.Name,
		ServiceUUID:        device.NormalizeUUID(svc.UUID),
		CharacteristicUUID: device.NormalizeUUID(c.UUID),
		HistorySize:        historySize,
		Converter:          conv,
		PublishMetrics:     c.PublishMetrics,
		PublishMqtt:        c.PublishMqtt,
	}

	if c.Type == KindPoll {
		cc.Delay = defaultDelay
		if c.Delay != nil {
			cc.Delay = *c.Delay
		}
	}

	if cc.PublishMqtt != nil {
		applyMqttDefaults(cc.PublishMqtt)
	}

	return cc, nil
}

// applyMqttDefaults fills the `default` tags declared on PublishMqttConfig
// (retain/qos) the way the teacher repo pairs go-defaults with its own
// config structs.
func applyMqttDefaults(m *PublishMqttConfig) {
	defaults.SetDefaults(m)
	if m.Discovery != nil {
		if m.Discovery.Retain == nil {
			retain := m.Retain
			m.Discovery.Retain = &retain
		}
		if m.Discovery.QoS == nil {
			qos := m.QoS
			m.Discovery.QoS = &qos
		}
	}
}

// flatPeripheralYAML is the serializable mirror of FlatPeripheralConfig.
// Unlike PeripheralYAML it has no services/default_delay/
// default_history_size section: flattening has already pushed every
// service-level default into its characteristics, so the flat form needs
// none of that structure to round-trip, per spec.md §8's "YAML config ->
// internal flat form -> YAML is lossless" property.
type flatPeripheralYAML struct {
	Name             string                   `yaml:"name"`
	AdapterFilter    *filter.Filter           `yaml:"adapter_filter,omitempty"`
	DeviceIDFilter   *filter.Filter           `yaml:"device_id_filter,omitempty"`
	DeviceNameFilter *filter.Filter           `yaml:"device_name_filter,omitempty"`
	Characteristics  []flatCharacteristicYAML `yaml:"characteristics"`
}

// flatCharacteristicYAML is the serializable mirror of CharacteristicConfig,
// fully self-contained (service_uuid/characteristic_uuid carried per entry
// rather than nested under a service) since ServiceMap already flattened
// that nesting away.
type flatCharacteristicYAML struct {
	Kind               CharKind             `yaml:"type"`
	Name               string               `yaml:"name,omitempty"`
	ServiceName        string               `yaml:"service_name,omitempty"`
	ServiceUUID        string               `yaml:"service_uuid"`
	CharacteristicUUID string               `yaml:"characteristic_uuid"`
	HistorySize        int                  `yaml:"history_size"`
	Converter          convert.Converter    `yaml:"converter"`
	PublishMetrics     *PublishMetricConfig `yaml:"publish_metrics,omitempty"`
	PublishMqtt        *PublishMqttConfig   `yaml:"publish_mqtt,omitempty"`
	Delay              time.Duration        `yaml:"delay,omitempty"`
}

// MarshalYAML renders the flat form directly, making Dump's
// flatten->marshal->unmarshal->flatten round-trip (spec.md §8) operate on
// the same structure the scheduler and matcher already hold, rather than
// the pre-flattened YAML document.
func (f *FlatPeripheralConfig) MarshalYAML() (interface{}, error) {
	out := flatPeripheralYAML{
		Name:             f.Name,
		AdapterFilter:    f.AdapterFilter,
		DeviceIDFilter:   f.DeviceIDFilter,
		DeviceNameFilter: f.DeviceNameFilter,
		Characteristics:  make([]flatCharacteristicYAML, 0, len(f.ServiceMap)),
	}

	keys := make([]ServiceCharKey, 0, len(f.ServiceMap))
	for k := range f.ServiceMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ServiceUUID != keys[j].ServiceUUID {
			return keys[i].ServiceUUID < keys[j].ServiceUUID
		}
		return keys[i].CharacteristicUUID < keys[j].CharacteristicUUID
	})

	for _, key := range keys {
		cc := f.ServiceMap[key]
		out.Characteristics = append(out.Characteristics, flatCharacteristicYAML{
			Kind:               cc.Kind,
			Name:               cc.Name,
			ServiceName:        cc.ServiceName,
			ServiceUUID:        cc.ServiceUUID,
			CharacteristicUUID: cc.CharacteristicUUID,
			HistorySize:        cc.HistorySize,
			Converter:          cc.Converter,
			PublishMetrics:     cc.PublishMetrics,
			PublishMqtt:        cc.PublishMqtt,
			Delay:              cc.Delay,
		})
	}
	return out, nil
}

// UnmarshalYAML reconstructs a FlatPeripheralConfig from the shape
// MarshalYAML produces, completing the round-trip: re-flattening is a
// no-op here since every characteristic already carries its own explicit
// values with no service-level defaults left to push down.
func (f *FlatPeripheralConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in flatPeripheralYAML
	if err := unmarshal(&in); err != nil {
		return err
	}

	f.Name = in.Name
	f.AdapterFilter = in.AdapterFilter
	f.DeviceIDFilter = in.DeviceIDFilter
	f.DeviceNameFilter = in.DeviceNameFilter
	f.ServiceMap = make(map[ServiceCharKey]*CharacteristicConfig, len(in.Characteristics))

	for _, c := range in.Characteristics {
		key := ServiceCharKey{ServiceUUID: c.ServiceUUID, CharacteristicUUID: c.CharacteristicUUID}
		f.ServiceMap[key] = &CharacteristicConfig{
			Kind:               c.Kind,
			Name:               c.Name,
			ServiceName:        c.ServiceName,
			ServiceUUID:        c.ServiceUUID,
			CharacteristicUUID: c.CharacteristicUUID,
			HistorySize:        c.HistorySize,
			Converter:          c.Converter,
			PublishMetrics:     c.PublishMetrics,
			PublishMqtt:        c.PublishMqtt,
			Delay:              c.Delay,
		}
	}
	return nil
}
