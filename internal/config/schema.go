// Package config loads the YAML peripheral configuration (spec.md §6),
// flattens it into the internal FlatPeripheralConfig/CharacteristicConfig
// shape (spec.md §3), and matches discovered peripherals against it
// (spec.md §4.5). The MQTT retain/qos defaults are populated with
// github.com/mcuadros/go-defaults struct tags, the same pairing
// other_examples/e60ca589_jfallot-mqtt_exporter uses for its own
// mapstructure-configured exporter; the service default_history_size and
// default_delay fall back to 10 and 1s through zero checks in Flatten.
package config

import (
	"time"

	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/filter"
)

// FileConfig is the YAML document's root shape.
type FileConfig struct {
	Peripherals []PeripheralYAML `yaml:"peripherals"`
}

// PeripheralYAML is one entry of the top-level `peripherals` list.
type PeripheralYAML struct {
	Name             string         `yaml:"name"`
	AdapterFilter    *filter.Filter `yaml:"adapter_filter,omitempty"`
	DeviceIDFilter   *filter.Filter `yaml:"device_id_filter,omitempty"`
	DeviceNameFilter *filter.Filter `yaml:"device_name_filter,omitempty"`
	Services         []ServiceYAML  `yaml:"services"`
}

// ServiceYAML is one entry of a peripheral's `services` list.
type ServiceYAML struct {
	Name               string               `yaml:"name,omitempty"`
	UUID               string               `yaml:"uuid"`
	DefaultDelay       time.Duration        `yaml:"default_delay,omitempty"`
	DefaultHistorySize int                  `yaml:"default_history_size,omitempty" default:"10"`
	Characteristics    []CharacteristicYAML `yaml:"characteristics"`
}

// CharKind tags a characteristic config as subscribe- or poll-driven.
type CharKind string

const (
	KindSubscribe CharKind = "subscribe"
	KindPoll      CharKind = "poll"
)

// CharacteristicYAML is one entry of a service's `characteristics` list.
// Delay is only meaningful when Type == KindPoll.
type CharacteristicYAML struct {
	Type           CharKind             `yaml:"type"`
	UUID           string               `yaml:"uuid"`
	Name           string               `yaml:"name,omitempty"`
	HistorySize    *int                 `yaml:"history_size,omitempty"`
	Delay          *time.Duration       `yaml:"delay,omitempty"`
	Converter      *convert.Converter   `yaml:"converter,omitempty"`
	PublishMetrics *PublishMetricConfig `yaml:"publish_metrics,omitempty"`
	PublishMqtt    *PublishMqttConfig   `yaml:"publish_mqtt,omitempty"`
}

// MetricType enumerates the Prometheus instrument kinds a characteristic may
// publish as.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// PublishMetricConfig describes how a characteristic's decoded value is
// exposed to the Metric Publisher (spec.md §3, §4.8, §6.5).
type PublishMetricConfig struct {
	Type        MetricType        `yaml:"type"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Unit        string            `yaml:"unit,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// DiscoverySettings describes the one-time MQTT discovery publish issued on
// Connect (spec.md §3, §4.8).
type DiscoverySettings struct {
	ConfigTopicTemplate string                 `yaml:"config_topic"`
	Retain              *bool                  `yaml:"retain,omitempty"`
	QoS                 *byte                  `yaml:"qos,omitempty"`
	Payload             map[string]interface{} `yaml:"payload"`
}

// PublishMqttConfig describes how a characteristic's payloads are published
// to MQTT (spec.md §3, §4.8, §4.9).
type PublishMqttConfig struct {
	StateTopicTemplate string             `yaml:"state_topic"`
	Unit               string             `yaml:"unit,omitempty"`
	Retain             bool               `yaml:"retain" default:"false"`
	QoS                byte               `yaml:"qos" default:"0"`
	Discovery          *DiscoverySettings `yaml:"discovery,omitempty"`
}
