package sensor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// SimMetric is a bounded random walk.
type SimMetric struct {
	Start float64 `yaml:"start"`
	Step  float64 `yaml:"step"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

type SimulatedConfig struct {
	Metrics     map[string]SimMetric `yaml:"metrics"`
	FailureRate float64              `yaml:"failure_rate"`
	Seed        int64                `yaml:"seed"`
}

// Defaults resemble a BME280 in a living room.
func (c *SimulatedConfig) applyDefaults() {
	if len(c.Metrics) == 0 {
		c.Metrics = map[string]SimMetric{
			"temperature": {Start: 21, Step: 0.3, Min: 15, Max: 30},
			"humidity":    {Start: 45, Step: 1, Min: 20, Max: 80},
			"pressure":    {Start: 1013, Step: 0.8, Min: 980, Max: 1040},
		}
	}
}

func (c *SimulatedConfig) validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("simulated.failure_rate must be within [0,1]")
	}
	for name, m := range c.Metrics {
		if m.Max < m.Min {
			return fmt.Errorf("simulated metric %s: max < min", name)
		}
	}
	return nil
}

var errSimulatedFailure = errors.New("simulated read failure")

// Simulated produces plausible readings without hardware.
type Simulated struct {
	mu      sync.Mutex
	cfg     SimulatedConfig
	rnd     *rand.Rand
	names   []string
	current map[string]float64
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	cfg.applyDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	s := &Simulated{
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(seed)),
		current: make(map[string]float64, len(cfg.Metrics)),
	}
	for name, m := range cfg.Metrics {
		s.names = append(s.names, name)
		s.current[name] = m.Start
	}
	sort.Strings(s.names)
	return s
}

func (s *Simulated) Read(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.FailureRate > 0 && s.rnd.Float64() < s.cfg.FailureRate {
		return nil, errSimulatedFailure
	}

	out := make(map[string]float64, len(s.names))
	for _, name := range s.names {
		m := s.cfg.Metrics[name]
		v := s.current[name] + (s.rnd.Float64()*2-1)*m.Step
		if m.Max > m.Min {
			if v < m.Min {
				v = m.Min
			}
			if v > m.Max {
				v = m.Max
			}
		}
		s.current[name] = v
		out[name] = v
	}
	return out, nil
}
