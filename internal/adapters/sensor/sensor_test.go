package sensor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benschg/rasperature/internal/adapters/opcua"
)

func TestFileSensorScalesValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(path, []byte("48312\n"), 0o600))

	s, err := NewFileSensor(FileConfig{Path: path, Metric: "cpu_temperature", Scale: 0.001})
	require.NoError(t, err)

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 48.312, got["cpu_temperature"], 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = s.Read(context.Background())
	assert.Error(t, err)
}

func TestSimulatedStaysWithinBounds(t *testing.T) {
	s := NewSimulated(SimulatedConfig{
		Seed:    7,
		Metrics: map[string]SimMetric{"temperature": {Start: 20, Step: 5, Min: 18, Max: 22}},
	})
	for i := 0; i < 200; i++ {
		v, err := s.Read(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v["temperature"], 18.0)
		assert.LessOrEqual(t, v["temperature"], 22.0)
	}
}

func TestSimulatedFailureRate(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Seed: 1, FailureRate: 1})
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, errSimulatedFailure)
}

func TestConfigDriverFallsBackToType(t *testing.T) {
	cfg := Config{ID: "living_room", Type: "Simulated"}
	cfg.ApplyDefaults(time.Minute)

	assert.Equal(t, DriverSimulated, cfg.Driver)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	require.NoError(t, cfg.Validate())

	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.Read(context.Background())
	assert.NoError(t, err)
}

func TestConfigUnknownTypeFails(t *testing.T) {
	cfg := Config{ID: "outdoor", Type: "BMP280"}
	cfg.ApplyDefaults(time.Minute)
	assert.ErrorContains(t, cfg.Validate(), "no driver")

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestConfigReadTimeoutNeverExceedsInterval(t *testing.T) {
	cfg := Config{ID: "fast", Type: "simulated", Interval: time.Second}
	cfg.ApplyDefaults(time.Minute)
	assert.Equal(t, time.Second, cfg.ReadTimeout)
}

func TestConfigOPCUA(t *testing.T) {
	cfg := Config{
		ID:     "boiler",
		Type:   "PT100",
		Driver: "opcua",
		OPCUA: opcua.Config{
			Endpoint: "opc.tcp://plc:4840",
			Nodes:    []opcua.NodeConfig{{NodeID: "ns=2;s=Boiler.Temperature", Metric: "temperature"}},
		},
	}
	cfg.ApplyDefaults(time.Minute)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "PT100", cfg.Type)

	s, err := New(cfg)
	require.NoError(t, err)
	_, isSensor := s.(*opcua.Sensor)
	assert.True(t, isSensor)
}
