package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "sensor-data-raw"
	}
	if c.Name == "" {
		c.Name = "rasperature-edge"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

func (c *NATSConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// jsPublisher is the part of jetstream.JetStream the sink uses.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes to JetStream with Nats-Msg-Id set to the idempotency
// key. The stream's duplicate window drops redeliveries.
type NATSSink struct {
	prefix string
	conn   *nats.Conn
	js     jsPublisher
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &NATSSink{prefix: cfg.SubjectPrefix, conn: conn, js: js}, nil
}

func (n *NATSSink) Name() string { return "nats" }

func (n *NATSSink) subject(r *domain.Reading) string {
	token := func(s string) string {
		s = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
		if s == "" {
			return "_"
		}
		return s
	}
	return strings.Join([]string{n.prefix, token(r.CustomerID), token(r.DeviceID), token(r.SensorID)}, ".")
}

func (n *NATSSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	failed := make(map[domain.EntryID]error)
	for _, e := range batch {
		payload, err := json.Marshal(e.Envelope())
		if err != nil {
			failed[e.ID] = ports.Permanent(fmt.Errorf("marshal envelope: %w", err))
			continue
		}
		// a Duplicate ack means an earlier attempt already landed
		if _, err := n.js.Publish(ctx, n.subject(e.Reading), payload, jetstream.WithMsgID(e.IdempotencyKey)); err != nil {
			if ctx.Err() != nil {
				return ports.Transient(err)
			}
			failed[e.ID] = classifyNATS(err)
		}
	}
	return ports.NewBatchError(failed)
}

func classifyNATS(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return ports.Permanent(err)
	}
	return ports.Transient(err)
}

func (n *NATSSink) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

var _ ports.Endpoint = (*NATSSink)(nil)
