package sink

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

func (c *InfluxConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:8086"
	}
	if c.Measurement == "" {
		c.Measurement = "sensor_readings"
	}
}

func (c *InfluxConfig) validate() error {
	if c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("org and bucket are required")
	}
	return nil
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per entry. Points are keyed by measurement,
// tags and timestamp, so a redelivered entry overwrites itself.
type InfluxSink struct {
	measurement string
	client      influxdb2.Client
	w           pointWriter
}

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		measurement: cfg.Measurement,
		client:      client,
		w:           client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]*write.Point, len(batch))
	for i, e := range batch {
		points[i] = s.point(e)
	}
	if err := s.w.WritePoint(ctx, points...); err != nil {
		return classifyInflux(err)
	}
	return nil
}

func (s *InfluxSink) point(e *domain.QueueEntry) *write.Point {
	r := e.Reading
	tags := map[string]string{
		"sensor_id":   r.SensorID,
		"sensor_type": r.SensorType,
		"device_id":   r.DeviceID,
		"customer_id": r.CustomerID,
	}
	if r.Location != "" {
		tags["location"] = r.Location
	}
	fields := map[string]interface{}{
		"idempotency_key": e.IdempotencyKey,
		"status":          string(r.Status),
	}
	for k, v := range r.Values {
		fields[k] = v
	}
	if r.IsError() {
		fields["error"] = r.ErrorMessage
		fields["error_count"] = int64(r.ConsecutiveErrors)
	}
	return write.NewPoint(s.measurement, tags, fields, r.Timestamp)
}

// classifyInflux treats 4xx responses as permanent except request timeout
// and rate limiting.
func classifyInflux(err error) error {
	var he *http.Error
	if errors.As(err, &he) {
		code := he.StatusCode
		if code >= 400 && code < 500 && code != nethttp.StatusRequestTimeout && code != nethttp.StatusTooManyRequests {
			return ports.Permanent(err)
		}
	}
	return ports.Transient(err)
}

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

var _ ports.Endpoint = (*InfluxSink)(nil)
