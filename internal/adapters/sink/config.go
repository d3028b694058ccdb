package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/benschg/rasperature/internal/ports"
)

const (
	KindKafka     = "kafka"
	KindMQTT      = "mqtt"
	KindNATS      = "nats"
	KindTimescale = "timescale"
	KindInflux    = "influx"
	KindHTTP      = "http"
)

// Config selects and configures the ingestion endpoint.
type Config struct {
	Kind      string          `yaml:"kind"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Influx    InfluxConfig    `yaml:"influx"`
	HTTP      HTTPConfig      `yaml:"http"`
}

func (c *Config) ApplyDefaults() {
	c.Kind = strings.ToLower(c.Kind)
	if c.Kind == "" {
		c.Kind = KindKafka
	}
	c.Kafka.applyDefaults()
	c.MQTT.applyDefaults()
	c.NATS.applyDefaults()
	c.Timescale.applyDefaults()
	c.Influx.applyDefaults()
	c.HTTP.applyDefaults()
}

// Validate checks the section of the selected kind only.
func (c *Config) Validate() error {
	var err error
	switch c.Kind {
	case KindKafka:
		err = c.Kafka.validate()
	case KindMQTT:
		err = c.MQTT.validate()
	case KindNATS:
		err = c.NATS.validate()
	case KindTimescale:
		err = c.Timescale.validate()
	case KindInflux:
		err = c.Influx.validate()
	case KindHTTP:
		err = c.HTTP.validate()
	default:
		return fmt.Errorf("unknown endpoint kind %q", c.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.Kind, err)
	}
	return nil
}

// New builds the endpoint selected by cfg.Kind. Every endpoint returned here
// also implements io.Closer.
func New(ctx context.Context, cfg Config) (ports.Endpoint, error) {
	switch cfg.Kind {
	case KindKafka:
		return NewKafkaSink(cfg.Kafka), nil
	case KindMQTT:
		s, err := NewMQTTSink(ctx, cfg.MQTT)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindNATS:
		s, err := NewNATSSink(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindTimescale:
		db, err := sql.Open("postgres", cfg.Timescale.ConnString)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.Timescale.MaxOpenConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return NewTimescaleSink(db, cfg.Timescale.Table), nil
	case KindInflux:
		return NewInfluxSink(cfg.Influx), nil
	case KindHTTP:
		s, err := NewHTTPSink(cfg.HTTP)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown endpoint kind %q", cfg.Kind)
	}
}
