package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benschg/rasperature/internal/adapters/deadletter"
	"github.com/benschg/rasperature/internal/adapters/sensor"
	"github.com/benschg/rasperature/internal/adapters/sink"
)

const (
	BackendWAL    = "wal"
	BackendBadger = "badger"
)

const envPrefix = "RASPERATURE_"

type Config struct {
	Device     DeviceConfig       `yaml:"device"`
	Thresholds map[string]float64 `yaml:"thresholds"`
	Heartbeat  HeartbeatConfig    `yaml:"heartbeat"`
	Sensors    []sensor.Config    `yaml:"sensors"`
	Buffer     BufferConfig       `yaml:"buffer"`
	Publisher  PublisherConfig    `yaml:"publisher"`
	Endpoint   sink.Config        `yaml:"endpoint"`
	DeadLetter deadletter.Config  `yaml:"dead_letter"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Log        LogConfig          `yaml:"log"`
}

type DeviceConfig struct {
	ID           string        `yaml:"id"`
	CustomerID   string        `yaml:"customer_id"`
	Location     string        `yaml:"location"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// HeartbeatConfig forces a forward after MaxSilence without one. Zero
// disables it.
type HeartbeatConfig struct {
	MaxSilence time.Duration `yaml:"max_silence"`
}

type BufferConfig struct {
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	Capacity       int    `yaml:"capacity"`
	NoSync         bool   `yaml:"no_sync"`
	CompactMinDead int    `yaml:"compact_min_dead"`
	ChannelSize    int    `yaml:"channel_size"`
}

// PublisherConfig tunes batching and retries. MaxRetries and BackoffJitter
// are pointers because zero is a valid setting for both; nil takes the default.
type PublisherConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxBatchWait   time.Duration `yaml:"max_batch_wait"`
	MaxRetries     *int          `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	BackoffJitter  *float64      `yaml:"backoff_jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	Concurrency    int           `yaml:"concurrency"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultThresholds are the downsampling deltas used when the file sets none.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"temperature": 0.5,
		"pressure":    2.0,
		"humidity":    2.0,
		"altitude":    5.0,
	}
}

// Ptr returns a pointer to v, for the optional numeric settings.
func Ptr[T any](v T) *T { return &v }

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes raw YAML, applies environment overrides and defaults, then
// validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	set("DEVICE_ID", &c.Device.ID)
	set("CUSTOMER_ID", &c.Device.CustomerID)
	set("LOCATION", &c.Device.Location)
	set("BUFFER_DIR", &c.Buffer.Dir)
	set("LOG_LEVEL", &c.Log.Level)
}

func (c *Config) ApplyDefaults() {
	if c.Device.PollInterval <= 0 {
		c.Device.PollInterval = 60 * time.Second
	}
	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds()
	}
	for i := range c.Sensors {
		c.Sensors[i].ApplyDefaults(c.Device.PollInterval)
	}

	c.Buffer.Backend = strings.ToLower(c.Buffer.Backend)
	if c.Buffer.Backend == "" {
		c.Buffer.Backend = BackendWAL
	}
	if c.Buffer.Dir == "" {
		c.Buffer.Dir = "./data/buffer"
	}
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = 10_000
	}
	if c.Buffer.CompactMinDead == 0 {
		c.Buffer.CompactMinDead = 1024
	}
	if c.Buffer.ChannelSize == 0 {
		c.Buffer.ChannelSize = 64
	}

	p := &c.Publisher
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 10
	}
	if p.MaxBatchWait == 0 {
		p.MaxBatchWait = 5 * time.Second
	}
	if p.MaxRetries == nil {
		p.MaxRetries = Ptr(5)
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCeiling == 0 {
		p.BackoffCeiling = 5 * time.Minute
	}
	if p.BackoffJitter == nil {
		p.BackoffJitter = Ptr(0.25)
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = 10 * time.Second
	}
	if p.Concurrency == 0 {
		p.Concurrency = 2
	}

	c.Endpoint.ApplyDefaults()
	c.DeadLetter.ApplyDefaults()

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Device.CustomerID == "" {
		return fmt.Errorf("device.customer_id is required")
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor is required")
	}
	seen := make(map[string]struct{}, len(c.Sensors))
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sensors[%d]: duplicate sensor id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for metric, v := range c.Thresholds {
		if v < 0 {
			return fmt.Errorf("thresholds.%s must be >= 0", metric)
		}
	}
	if c.Heartbeat.MaxSilence < 0 {
		return fmt.Errorf("heartbeat.max_silence must be >= 0")
	}

	switch c.Buffer.Backend {
	case BackendWAL, BackendBadger:
	default:
		return fmt.Errorf("unknown buffer.backend %q", c.Buffer.Backend)
	}
	if c.Buffer.Dir == "" {
		return fmt.Errorf("buffer.dir is required")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be > 0")
	}
	if c.Buffer.ChannelSize < 0 {
		return fmt.Errorf("buffer.channel_size must be >= 0")
	}

	p := c.Publisher
	if p.MaxBatchSize <= 0 {
		return fmt.Errorf("publisher.max_batch_size must be > 0")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("publisher.max_retries must be >= 0")
	}
	if p.BackoffCeiling < p.BackoffBase {
		return fmt.Errorf("publisher.backoff_ceiling must be >= backoff_base")
	}
	if j := p.BackoffJitter; j != nil && (*j < 0 || *j > 1) {
		return fmt.Errorf("publisher.backoff_jitter must be within [0,1]")
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("publisher.concurrency must be > 0")
	}

	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if err := c.DeadLetter.Validate(); err != nil {
		return err
	}
	if c.DeadLetter.Kind == deadletter.KindKafka && c.Endpoint.Kind != sink.KindKafka {
		return fmt.Errorf("dead_letter.kind kafka requires endpoint.kind kafka")
	}
	if !c.Metrics.Disabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// SensorThresholds returns the per-sensor overrides keyed by sensor id.
func (c *Config) SensorThresholds() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, s := range c.Sensors {
		if len(s.Thresholds) > 0 {
			out[s.ID] = s.Thresholds
		}
	}
	return out
}
