// Package mqtt publishes watchdog events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/routerwatch/internal/watchdog"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ watchdog.Notifier = (*Publisher)(nil)

// ErrNoBroker is returned by New when no broker URL is configured.
var ErrNoBroker = errors.New("mqtt broker url is required")

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Message is the JSON body published for every event.
type Message struct {
	Kind      string    `json:"event_type"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher forwards events to <prefix>/event/<kind>. Download samples are
// also published, retained, to <prefix>/download_speed.
type Publisher struct {
	cfg        Config
	routerHost string
	logger     *zap.Logger

	mu     sync.RWMutex
	client client
}

// New validates cfg. routerHost identifies the watched router in discovery
// payloads.
func New(cfg Config, routerHost string, logger *zap.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, ErrNoBroker
	}
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HADiscoveryPrefix == "" {
		cfg.HADiscoveryPrefix = def.HADiscoveryPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, routerHost: routerHost, logger: logger}, nil
}

// Connect dials the broker. A failed first connect is logged and left to
// paho's background reconnect; it never blocks startup beyond Timeout.
func (p *Publisher) Connect() {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(p.cfg.Timeout).
		SetOnConnectHandler(func(pahomqtt.Client) {
			p.logger.Info("mqtt connected to broker", zap.String("broker_url", p.cfg.BrokerURL))
			if p.cfg.HADiscovery {
				p.publishDiscovery()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password) //nolint:gosec // G101: config field
	}

	c := pahomqtt.NewClient(opts)
	p.setClient(c)

	token := c.Connect()
	switch {
	case !token.WaitTimeout(p.cfg.Timeout):
		p.logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		p.logger.Warn("mqtt connection failed; will reconnect in background", zap.Error(token.Error()))
	}
}

// Close disconnects, allowing 250ms for in-flight publishes.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
}

// Connected reports whether the broker session is up.
func (p *Publisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil && p.client.IsConnected()
}

func (p *Publisher) setClient(c client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

// EventTopic returns the topic an event kind is published to.
func (p *Publisher) EventTopic(kind watchdog.Kind) string {
	return p.cfg.TopicPrefix + "/event/" + kind.String()
}

// SpeedTopic returns the retained download speed topic.
func (p *Publisher) SpeedTopic() string {
	return p.cfg.TopicPrefix + "/download_speed"
}

// Notify implements watchdog.Notifier. Events are dropped while the broker
// is unreachable.
func (p *Publisher) Notify(_ context.Context, ev watchdog.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.client == nil || !p.client.IsConnected() {
		p.logger.Debug("mqtt not connected, event dropped", zap.Stringer("kind", ev.Kind))
		return
	}

	payload, err := json.Marshal(Message{Kind: ev.Kind.String(), Value: ev.Value, Timestamp: ev.Timestamp.UTC()})
	if err != nil {
		p.logger.Warn("failed to marshal MQTT payload", zap.Stringer("kind", ev.Kind), zap.Error(err))
		return
	}

	p.publish(p.EventTopic(ev.Kind), p.cfg.Retain, payload)
	p.publish(p.lastEventTopic(), true, []byte(ev.Kind.String()))
	if ev.Kind == watchdog.KindDownloadTest {
		p.publish(p.SpeedTopic(), true, []byte(strconv.FormatFloat(ev.Value, 'f', 0, 64)))
	}
}

func (p *Publisher) lastEventTopic() string {
	return p.cfg.TopicPrefix + "/last_event"
}

// publish must be called with p.mu held for reading.
func (p *Publisher) publish(topic string, retain bool, payload []byte) {
	token := p.client.Publish(topic, p.cfg.QoS, retain, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		p.logger.Warn("mqtt publish timed out", zap.String("mqtt_topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("mqtt publish failed", zap.String("mqtt_topic", topic), zap.Error(err))
		return
	}
	p.logger.Debug("mqtt message published", zap.String("mqtt_topic", topic))
}

func (p *Publisher) publishDiscovery() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return
	}
	for _, dc := range BuildDiscoveryConfigs(p.routerHost, p.cfg.TopicPrefix, p.cfg.HADiscoveryPrefix) {
		p.publish(dc.Topic, dc.Retain, dc.Payload)
	}
}
