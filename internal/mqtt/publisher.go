// Package mqtt syncs locations to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Publisher publishes location records, stationary events and provider
// errors. Safe for concurrent use.
type Publisher struct {
	client client
	topics Topics
	qos    byte
}

// Connect dials the broker. Auto-reconnect is enabled and a retained
// offline status is registered as last will.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	topics := Topics{Prefix: cfg.TopicPrefix, Device: cfg.ClientID}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(topics.Status(), statusPayload("offline"), 1, true)

	p := &Publisher{topics: topics, qos: byte(cfg.QoS)}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(topics.Status(), p.qos, true, statusPayload("online"))
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	p.client = c
	return p, nil
}

func newPublisher(c client, topics Topics, qos byte) *Publisher {
	return &Publisher{client: c, topics: topics, qos: qos}
}

// Topics returns the topic set in use.
func (p *Publisher) Topics() Topics { return p.topics }

// PublishLocation sends a moving fix.
func (p *Publisher) PublishLocation(loc *location.Location) error {
	return p.publishJSON(p.topics.Location(), loc, false)
}

// PublishStationary sends a stationary event. It is retained so new
// subscribers learn where the device rests.
func (p *Publisher) PublishStationary(loc *location.Location) error {
	return p.publishJSON(p.topics.Stationary(), loc, true)
}

// ReplayStationary sends a stationary event recovered from history. It is
// not retained, so a late replay never replaces the current resting place.
func (p *Publisher) ReplayStationary(loc *location.Location) error {
	return p.publishJSON(p.topics.Stationary(), loc, false)
}

// PublishError sends a provider error.
func (p *Publisher) PublishError(e *provider.ErrorObject) error {
	return p.publishJSON(p.topics.Errors(), e, false)
}

// IsConnected reports the broker connection state.
func (p *Publisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// Close publishes a graceful offline status and disconnects.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnected() {
		token := p.client.Publish(p.topics.Status(), p.qos, true, statusPayload("offline"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (p *Publisher) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func statusPayload(status string) string {
	return fmt.Sprintf(`{"status":%q,"timestamp":%q}`, status, time.Now().UTC().Format(time.RFC3339))
}
