package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/fqcn"
	"github.com/srg/blecollector/internal/groutine"
)

// MQTTPublisher renders and publishes characteristic state (and, once per
// connect, discovery) messages, per spec.md §4.8/§4.9. Grounded in
// other_examples/e60ca589_jfallot-mqtt_exporter and
// other_examples/16cae686_madpsy-ka9q_ubersdr, both of which pair
// eclipse/paho.mqtt.golang with a per-metric publish loop.
type MQTTPublisher struct {
	client       mqtt.Client
	interpolator *Interpolator
	logger       *logrus.Logger

	mu         sync.Mutex
	discovered map[fqcn.Fqcn]bool
}

// NewMQTTPublisher connects a paho client using opts and returns a publisher
// ready to Run.
func NewMQTTPublisher(opts *mqtt.ClientOptions, interpolator *Interpolator, logger *logrus.Logger) (*MQTTPublisher, error) {
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connecting: %w", token.Error())
	}
	return &MQTTPublisher{
		client:       client,
		interpolator: interpolator,
		logger:       logger,
		discovered:   make(map[fqcn.Fqcn]bool),
	}, nil
}

// Run consumes the fan-out until ctx is cancelled.
func (m *MQTTPublisher) Run(ctx context.Context, events <-chan CollectorEvent) *groutine.Handle {
	return groutine.Go(ctx, "mqtt-publisher", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				m.client.Disconnect(250)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.apply(ev)
			}
		}
	})
}

func (m *MQTTPublisher) apply(ev CollectorEvent) {
	switch ev.Kind {
	case EventConnect:
		m.publishDiscoveryOnConnect(ev)
	case EventDisconnect:
		m.forgetDiscovery(ev.Key.Address)
	case EventPayload:
		m.publishPayload(ev)
	}
}

// publishDiscoveryOnConnect renders and publishes the discovery payload once
// per matched characteristic, per spec.md §4.6.2/§4.8: "On Connect: if the
// config has a discovery section, render the config_topic and the free-form
// discovery payload and publish once."
func (m *MQTTPublisher) publishDiscoveryOnConnect(ev CollectorEvent) {
	if ev.Config == nil || ev.Config.PublishMqtt == nil || ev.Config.PublishMqtt.Discovery == nil {
		return
	}
	if m.alreadyDiscovered(ev.Fqcn) {
		return
	}
	tmplCtx := Context{Fqcn: ev.Fqcn, Name: ev.Config.Name, ServiceName: ev.Config.ServiceName, PeripheralName: ev.Key.Name}
	if ev.Config.PublishMqtt.StateTopicTemplate != "" {
		if stateTopic, err := m.interpolator.Render(ev.Config.PublishMqtt.StateTopicTemplate, tmplCtx); err == nil {
			tmplCtx.StateTopic = stateTopic
		} else {
			m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn.String(), "error": err}).Warn("mqtt state topic render failed")
		}
	}
	if err := m.publishDiscovery(ev.Fqcn, ev.Config.PublishMqtt.Discovery, tmplCtx); err != nil {
		m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn.String(), "error": err}).Warn("mqtt discovery publish failed")
		return
	}
	m.markDiscovered(ev.Fqcn)
}

// stateMessage is the JSON envelope published to a characteristic's state
// topic, per spec.md §6: `{"fqcn": ..., "value": ...}`.
type stateMessage struct {
	Fqcn  string      `json:"fqcn"`
	Value interface{} `json:"value"`
}

func (m *MQTTPublisher) publishPayload(ev CollectorEvent) {
	if ev.Payload == nil || ev.Payload.Config == nil || ev.Payload.Config.PublishMqtt == nil {
		return
	}
	cfg := ev.Payload.Config.PublishMqtt

	tmplCtx := Context{
		Fqcn:           ev.Fqcn,
		Name:           ev.Payload.Config.Name,
		ServiceName:    ev.Payload.Config.ServiceName,
		PeripheralName: ev.Key.Name,
		Value:          renderableValue(ev.Payload),
	}

	topic, err := m.interpolator.Render(cfg.StateTopicTemplate, tmplCtx)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn.String(), "error": err}).Warn("mqtt state topic render failed")
		return
	}

	body, err := json.Marshal(stateMessage{Fqcn: ev.Fqcn.String(), Value: tmplCtx.Value})
	if err != nil {
		m.logger.WithFields(logrus.Fields{"fqcn": ev.Fqcn.String(), "error": err}).Warn("mqtt state payload marshal failed")
		return
	}
	token := m.client.Publish(topic, cfg.QoS, cfg.Retain, body)
	token.Wait()
	if err := token.Error(); err != nil {
		m.logger.WithFields(logrus.Fields{"topic": topic, "error": err}).Warn("mqtt publish failed")
	}
}

func (m *MQTTPublisher) publishDiscovery(key fqcn.Fqcn, d *config.DiscoverySettings, tmplCtx Context) error {
	topic, err := m.interpolator.Render(d.ConfigTopicTemplate, tmplCtx)
	if err != nil {
		return err
	}
	tmplCtx.ConfigTopic = topic
	rendered, err := m.interpolator.RenderPayload(d.Payload, tmplCtx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rendered)
	if err != nil {
		return err
	}
	retain := false
	if d.Retain != nil {
		retain = *d.Retain
	}
	var qos byte
	if d.QoS != nil {
		qos = *d.QoS
	}
	token := m.client.Publish(topic, qos, retain, body)
	token.Wait()
	return token.Error()
}

func (m *MQTTPublisher) alreadyDiscovered(key fqcn.Fqcn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovered[key]
}

func (m *MQTTPublisher) markDiscovered(key fqcn.Fqcn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovered[key] = true
}

func (m *MQTTPublisher) forgetDiscovery(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.discovered {
		if key.PeripheralAddress == address {
			delete(m.discovered, key)
		}
	}
}

func renderableValue(p *CharacteristicPayload) interface{} {
	switch {
	case p.Value.IsInt:
		return p.Value.Int
	case p.Value.IsStr:
		return p.Value.Str
	case p.Value.IsRaw:
		return p.Value.Raw
	default:
		return p.Value.Float
	}
}
