package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (c *MQTTConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "rasperature-edge"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "sensors"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

func (c *MQTTConfig) validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	return nil
}

// MQTTSink publishes one message per entry on
// {prefix}/{customer_id}/{device_id}/{sensor_id}.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
}

// NewMQTTSink starts connecting to the broker and waits up to ConnectTimeout
// for the first session. An unreachable broker is not an error: the client
// keeps retrying in the background and publishes fail as transient until it
// connects.
func NewMQTTSink(ctx context.Context, cfg MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
		}
	case <-timer.C:
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	return &MQTTSink{cfg: cfg, client: client}, nil
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an entry is published on.
func (m *MQTTSink) Topic(e *domain.QueueEntry) string {
	return topicFor(m.cfg.TopicPrefix, e.Reading)
}

func topicFor(prefix string, r *domain.Reading) string {
	parts := []string{prefix, r.CustomerID, r.DeviceID, r.SensorID}
	for i, p := range parts {
		p = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(p)
		if p == "" {
			p = "_"
		}
		parts[i] = p
	}
	return strings.Join(parts, "/")
}

func (m *MQTTSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	sent, payloads, encodeFailed := encodeEnvelopes(batch)
	tokens := make([]mqtt.Token, len(sent))
	for i, e := range sent {
		tokens[i] = m.client.Publish(m.Topic(e), m.cfg.QoS, false, payloads[i])
	}

	failed := make(map[domain.EntryID]error)
	for i, tok := range tokens {
		select {
		case <-tok.Done():
			if err := tok.Error(); err != nil {
				failed[sent[i].ID] = ports.Transient(err)
			}
		case <-ctx.Done():
			return withEncodeFailures(sent, encodeFailed, ports.Transient(fmt.Errorf("mqtt publish: %w", ctx.Err())))
		}
	}
	return withEncodeFailures(sent, encodeFailed, ports.NewBatchError(failed))
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}

var _ ports.Endpoint = (*MQTTSink)(nil)
