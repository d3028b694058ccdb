package rasperature

import (
	"github.com/benschg/rasperature/internal/adapters/deadletter"
	"github.com/benschg/rasperature/internal/adapters/sensor"
	"github.com/benschg/rasperature/internal/adapters/sink"
	"github.com/benschg/rasperature/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	DeviceConfig     = config.DeviceConfig
	HeartbeatConfig  = config.HeartbeatConfig
	BufferConfig     = config.BufferConfig
	PublisherConfig  = config.PublisherConfig
	MetricsConfig    = config.MetricsConfig
	LogConfig        = config.LogConfig
	SensorConfig     = sensor.Config
	EndpointConfig   = sink.Config
	DeadLetterConfig = deadletter.Config
)

// LoadConfig reads, defaults and validates a YAML file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig does the same for an in-memory document.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}

// Ptr returns a pointer to v, for PublisherConfig.MaxRetries and
// PublisherConfig.BackoffJitter.
func Ptr[T any](v T) *T { return config.Ptr(v) }
