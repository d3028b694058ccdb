// Package sensor builds the read capability for each configured sensor.
package sensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/benschg/rasperature/internal/adapters/opcua"
	"github.com/benschg/rasperature/internal/ports"
)

// Config describes one registered sensor. Driver selects the adapter and
// falls back to Type, so `type: simulated` needs no driver entry.
type Config struct {
	ID          string             `yaml:"id"`
	Type        string             `yaml:"type"`
	Driver      string             `yaml:"driver"`
	Interval    time.Duration      `yaml:"interval"`
	ReadTimeout time.Duration      `yaml:"read_timeout"`
	Thresholds  map[string]float64 `yaml:"thresholds"`

	OPCUA     opcua.Config    `yaml:"opcua"`
	File      FileConfig      `yaml:"file"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

const (
	DriverOPCUA     = "opcua"
	DriverFile      = "file"
	DriverSimulated = "simulated"
)

// ApplyDefaults fills the poll interval and read timeout.
func (c *Config) ApplyDefaults(defaultInterval time.Duration) {
	if c.Driver == "" {
		c.Driver = strings.ToLower(c.Type)
	}
	if c.Type == "" {
		c.Type = c.Driver
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
		if c.ReadTimeout > c.Interval {
			c.ReadTimeout = c.Interval
		}
	}
	switch c.Driver {
	case DriverOPCUA:
		c.OPCUA.ApplyDefaults()
	case DriverFile:
		c.File.applyDefaults()
	case DriverSimulated:
		c.Simulated.applyDefaults()
	}
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("sensor id is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sensor %s: interval must be > 0", c.ID)
	}
	for metric, v := range c.Thresholds {
		if v < 0 {
			return fmt.Errorf("sensor %s: threshold for %s must be >= 0", c.ID, metric)
		}
	}
	var err error
	switch c.Driver {
	case DriverOPCUA:
		err = c.OPCUA.Validate()
	case DriverFile:
		err = c.File.validate()
	case DriverSimulated:
		err = c.Simulated.validate()
	default:
		return fmt.Errorf("sensor %s: no driver for sensor type %q", c.ID, c.Type)
	}
	if err != nil {
		return fmt.Errorf("sensor %s: %w", c.ID, err)
	}
	return nil
}

// New builds the driver for cfg. Drivers holding connections also implement
// io.Closer.
func New(cfg Config) (ports.Sensor, error) {
	switch cfg.Driver {
	case DriverOPCUA:
		s, err := opcua.NewSensor(cfg.OPCUA)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverFile:
		s, err := NewFileSensor(cfg.File)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSimulated:
		return NewSimulated(cfg.Simulated), nil
	default:
		return nil, fmt.Errorf("sensor %s: no driver for sensor type %q", cfg.ID, cfg.Type)
	}
}
