package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func okReading(sensor string, at time.Duration, values map[string]float64) *domain.Reading {
	return &domain.Reading{
		SensorID:  sensor,
		Timestamp: t0.Add(at),
		Values:    values,
		Status:    domain.StatusOK,
	}
}

func TestFilterComparesAgainstLastForwarded(t *testing.T) {
	obs := newRecordingObs()
	f := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 0.5}}, obs)

	assert.True(t, f.Forward(okReading("s1", 0, map[string]float64{"temperature": 22.0})), "first reading always forwards")
	assert.False(t, f.Forward(okReading("s1", time.Minute, map[string]float64{"temperature": 22.3})))
	assert.True(t, f.Forward(okReading("s1", 2*time.Minute, map[string]float64{"temperature": 22.6})))

	fwd, sup := f.Counts()
	assert.Equal(t, uint64(2), fwd)
	assert.Equal(t, uint64(1), sup)
	assert.Equal(t, 1.0, obs.counter(ports.MetricReadingsSuppressed))
}

func TestFilterFirstReadingIgnoresThresholds(t *testing.T) {
	f := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 1e9}}, nil)
	assert.True(t, f.Forward(okReading("a", 0, map[string]float64{"temperature": 1})))
	assert.True(t, f.Forward(okReading("b", 0, map[string]float64{"temperature": 1})), "state is per sensor")
	assert.False(t, f.Forward(okReading("a", time.Second, map[string]float64{"temperature": 2})))
}

func TestFilterErrorReadingsAlwaysForward(t *testing.T) {
	f := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 0.5}}, nil)
	assert.True(t, f.Forward(okReading("s1", 0, map[string]float64{"temperature": 22.0})))

	errReading := &domain.Reading{
		SensorID:     "s1",
		Timestamp:    t0.Add(time.Minute),
		Status:       domain.StatusError,
		ErrorMessage: "i2c timeout",
	}
	assert.True(t, f.Forward(errReading))
	assert.True(t, f.Forward(errReading))

	// snapshot still holds 22.0
	assert.False(t, f.Forward(okReading("s1", 2*time.Minute, map[string]float64{"temperature": 22.4})))
	assert.True(t, f.Forward(okReading("s1", 3*time.Minute, map[string]float64{"temperature": 22.51})))
}

func TestFilterFirstOkAfterErrorsForwards(t *testing.T) {
	f := NewFilter(FilterConfig{}, nil)
	assert.True(t, f.Forward(&domain.Reading{SensorID: "s1", Timestamp: t0, Status: domain.StatusError}))
	assert.True(t, f.Forward(okReading("s1", time.Second, map[string]float64{"temperature": 20})))
	assert.False(t, f.Forward(okReading("s1", 2*time.Second, map[string]float64{"temperature": 20})))
}

func TestFilterPerSensorOverridesAndNewMetrics(t *testing.T) {
	f := NewFilter(FilterConfig{
		Thresholds:       map[string]float64{"temperature": 0.5, "pressure": 2.0},
		SensorThresholds: map[string]map[string]float64{"attic": {"temperature": 3}},
	}, nil)

	assert.Equal(t, map[string]float64{"temperature": 3, "pressure": 2.0}, f.Thresholds("attic"))

	assert.True(t, f.Forward(okReading("attic", 0, map[string]float64{"temperature": 20})))
	assert.False(t, f.Forward(okReading("attic", time.Second, map[string]float64{"temperature": 22})))
	assert.False(t, f.Forward(okReading("attic", 2*time.Second, map[string]float64{"temperature": 20, "pressure": 1000})),
		"a metric missing from the last forwarded snapshot is not compared")
	assert.True(t, f.Forward(okReading("attic", 3*time.Second, map[string]float64{"temperature": 24, "pressure": 1000})))
	assert.False(t, f.Forward(okReading("attic", 4*time.Second, map[string]float64{"temperature": 24, "pressure": 1001})))
	assert.True(t, f.Forward(okReading("attic", 5*time.Second, map[string]float64{"temperature": 24, "pressure": 1003})))
}

func TestFilterNonFiniteSnapshotCountsAsChange(t *testing.T) {
	f := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 0.5}}, nil)

	assert.True(t, f.Forward(okReading("s1", 0, map[string]float64{"temperature": math.NaN()})))
	assert.True(t, f.Forward(okReading("s1", time.Second, map[string]float64{"temperature": 22})))
	assert.False(t, f.Forward(okReading("s1", 2*time.Second, map[string]float64{"temperature": 22.2})))
	assert.True(t, f.Forward(okReading("s1", 3*time.Second, map[string]float64{"temperature": math.Inf(1)})))
	assert.True(t, f.Forward(okReading("s1", 4*time.Second, map[string]float64{"temperature": 22})))
}

func TestFilterMissingThresholdForwardsAnyChange(t *testing.T) {
	f := NewFilter(FilterConfig{}, nil)
	assert.True(t, f.Forward(okReading("s1", 0, map[string]float64{"cpu_temp": 41})))
	assert.False(t, f.Forward(okReading("s1", time.Second, map[string]float64{"cpu_temp": 41})))
	assert.True(t, f.Forward(okReading("s1", 2*time.Second, map[string]float64{"cpu_temp": 41.01})))
}

func TestFilterHeartbeat(t *testing.T) {
	values := map[string]float64{"temperature": 22}

	disabled := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 0.5}}, nil)
	assert.True(t, disabled.Forward(okReading("s1", 0, values)))
	assert.False(t, disabled.Forward(okReading("s1", 24*time.Hour, values)))

	f := NewFilter(FilterConfig{Thresholds: map[string]float64{"temperature": 0.5}, MaxSilence: 10 * time.Minute}, nil)
	assert.True(t, f.Forward(okReading("s1", 0, values)))
	assert.False(t, f.Forward(okReading("s1", 5*time.Minute, values)))
	assert.True(t, f.Forward(okReading("s1", 10*time.Minute, values)))
	assert.False(t, f.Forward(okReading("s1", 15*time.Minute, values)))
}
