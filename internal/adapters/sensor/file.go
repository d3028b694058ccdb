package sensor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileConfig reads a single numeric value from a file, such as
// /sys/class/thermal/thermal_zone0/temp.
type FileConfig struct {
	Path   string  `yaml:"path"`
	Metric string  `yaml:"metric"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

func (c *FileConfig) applyDefaults() {
	if c.Metric == "" {
		c.Metric = "value"
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
}

func (c *FileConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("file.path is required")
	}
	return nil
}

type FileSensor struct {
	cfg FileConfig
}

func NewFileSensor(cfg FileConfig) (*FileSensor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FileSensor{cfg: cfg}, nil
}

func (s *FileSensor) Read(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.cfg.Path, err)
	}
	return map[string]float64{s.cfg.Metric: v*s.cfg.Scale + s.cfg.Offset}, nil
}
