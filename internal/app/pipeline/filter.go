package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// FilterConfig holds the downsample thresholds. A metric without a threshold
// forwards on any change. Metrics absent from the last forwarded snapshot are
// not compared.
type FilterConfig struct {
	Thresholds       map[string]float64
	SensorThresholds map[string]map[string]float64

	// MaxSilence force-forwards a reading once this much time has passed since
	// the sensor's last forward. Zero disables the heartbeat.
	MaxSilence time.Duration
}

type filterState struct {
	lastForwarded map[string]float64
	hasForwarded  bool
	lastForwardAt time.Time
}

// Filter suppresses readings that are not novel compared to the last reading
// forwarded for the same sensor.
type Filter struct {
	mu     sync.Mutex
	cfg    FilterConfig
	states map[string]*filterState
	obs    ports.Observability

	suppressed uint64
	forwarded  uint64
}

func NewFilter(cfg FilterConfig, obs ports.Observability) *Filter {
	return &Filter{
		cfg:    cfg,
		states: make(map[string]*filterState),
		obs:    obs,
	}
}

// Thresholds returns the effective thresholds for sensorID.
func (f *Filter) Thresholds(sensorID string) map[string]float64 {
	out := make(map[string]float64, len(f.cfg.Thresholds))
	for k, v := range f.cfg.Thresholds {
		out[k] = v
	}
	for k, v := range f.cfg.SensorThresholds[sensorID] {
		out[k] = v
	}
	return out
}

// Forward decides whether r goes to the buffer and updates the sensor's
// state when it does.
func (f *Filter) Forward(r *domain.Reading) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.states[r.SensorID]
	if !ok {
		st = &filterState{}
		f.states[r.SensorID] = st
	}

	if r.IsError() {
		// the value snapshot keeps tracking the last good data point
		st.lastForwardAt = r.Timestamp
		f.forwarded++
		return true
	}

	if !st.hasForwarded || f.heartbeatDue(st, r.Timestamp) || f.exceeds(st, r) {
		st.hasForwarded = true
		st.lastForwarded = domain.CopyValues(r.Values)
		st.lastForwardAt = r.Timestamp
		f.forwarded++
		return true
	}

	f.suppressed++
	if f.obs != nil {
		f.obs.IncCounter(ports.MetricReadingsSuppressed, 1)
	}
	return false
}

func (f *Filter) heartbeatDue(st *filterState, ts time.Time) bool {
	if f.cfg.MaxSilence <= 0 || st.lastForwardAt.IsZero() {
		return false
	}
	return ts.Sub(st.lastForwardAt) >= f.cfg.MaxSilence
}

func (f *Filter) exceeds(st *filterState, r *domain.Reading) bool {
	overrides := f.cfg.SensorThresholds[r.SensorID]
	for metric, v := range r.Values {
		last, ok := st.lastForwarded[metric]
		if !ok {
			continue
		}
		if !finite(last) || !finite(v) {
			return true
		}
		threshold, ok := overrides[metric]
		if !ok {
			threshold = f.cfg.Thresholds[metric]
		}
		if math.Abs(v-last) > threshold {
			return true
		}
	}
	return false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Counts returns how many readings were forwarded and suppressed so far.
func (f *Filter) Counts() (forwarded, suppressed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded, f.suppressed
}
