package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	DLQTopic     string        `yaml:"dlq_topic"`
	RequiredAcks string        `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *KafkaConfig) applyDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Topic == "" {
		c.Topic = "sensor-data-raw"
	}
	if c.DLQTopic == "" {
		c.DLQTopic = "sensor-data-dlq"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

func (c *KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers are required")
	}
	if _, err := kafkaAcks(c.RequiredAcks); err != nil {
		return err
	}
	if _, err := kafkaCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

func kafkaAcks(s string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(s) {
	case "all", "":
		return kafka.RequireAll, nil
	case "one":
		return kafka.RequireOne, nil
	default:
		return 0, fmt.Errorf("unknown required_acks %q", s)
	}
}

func kafkaCompression(s string) (kafka.Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return 0, nil
	case "snappy":
		return kafka.Snappy, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func newKafkaWriter(cfg KafkaConfig, topic string) *kafka.Writer {
	acks, _ := kafkaAcks(cfg.RequiredAcks)
	codec, _ := kafkaCompression(cfg.Compression)
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  1,

		RequiredAcks: acks,
		Compression:  codec,
	}
}

// messageWriter is the part of kafka.Writer the sinks use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one message per entry, keyed by device and sensor so each
// sensor's readings stay ordered within one partition. The idempotency key
// travels in a header.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{w: newKafkaWriter(cfg, cfg.Topic)}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	if len(batch) == 0 {
		return nil
	}
	sent, payloads, failed := encodeEnvelopes(batch)
	msgs := make([]kafka.Message, len(sent))
	for i, e := range sent {
		msgs[i] = kafka.Message{
			Key:   partitionKey(e.Reading),
			Value: payloads[i],
			Time:  e.Reading.Timestamp,
			Headers: []kafka.Header{
				{Key: "idempotency-key", Value: []byte(e.IdempotencyKey)},
				{Key: "sensor-id", Value: []byte(e.Reading.SensorID)},
			},
		}
	}

	return withEncodeFailures(sent, failed, k.write(ctx, sent, msgs))
}

func (k *KafkaSink) write(ctx context.Context, sent []*domain.QueueEntry, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := k.w.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil
	}

	var we kafka.WriteErrors
	if errors.As(err, &we) && len(we) == len(sent) {
		failed := make(map[domain.EntryID]error)
		for i, msgErr := range we {
			if msgErr != nil {
				failed[sent[i].ID] = classifyKafka(msgErr)
			}
		}
		return ports.NewBatchError(failed)
	}
	return classifyKafka(err)
}

func partitionKey(r *domain.Reading) []byte {
	return []byte(r.DeviceID + "/" + r.SensorID)
}

func (k *KafkaSink) Close() error { return k.w.Close() }

// classifyKafka marks broker rejections of the message itself as permanent.
func classifyKafka(err error) error {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidMessage),
		errors.Is(err, kafka.InvalidMessageSize),
		errors.Is(err, kafka.InvalidTopic):
		return ports.Permanent(err)
	default:
		return ports.Transient(err)
	}
}

// KafkaDeadLetter publishes dead-letter records to a separate topic on the
// same cluster.
type KafkaDeadLetter struct {
	w   messageWriter
	now func() time.Time
}

func NewKafkaDeadLetter(cfg KafkaConfig) *KafkaDeadLetter {
	return &KafkaDeadLetter{w: newKafkaWriter(cfg, cfg.DLQTopic), now: time.Now}
}

func (d *KafkaDeadLetter) Route(ctx context.Context, entries []*domain.QueueEntry, reason error) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		rec := ports.NewDeadLetterRecord(e, reason, d.now())
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal dead-letter record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   partitionKey(e.Reading),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "idempotency-key", Value: []byte(e.IdempotencyKey)},
				{Key: "dlq-reason", Value: []byte(rec.Reason)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return d.w.WriteMessages(ctx, msgs...)
}

func (d *KafkaDeadLetter) Close() error { return d.w.Close() }

var (
	_ ports.Endpoint   = (*KafkaSink)(nil)
	_ ports.DeadLetter = (*KafkaDeadLetter)(nil)
)
