package rasperature

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Device: DeviceConfig{
			ID:           "rpi_test",
			CustomerID:   "customer_test",
			Location:     "lab",
			PollInterval: 5 * time.Millisecond,
		},
		Buffer: BufferConfig{Dir: t.TempDir(), Capacity: 100},
		Publisher: PublisherConfig{
			MaxBatchSize:   2,
			MaxBatchWait:   10 * time.Millisecond,
			BackoffBase:    time.Millisecond,
			BackoffCeiling: 10 * time.Millisecond,
			AttemptTimeout: time.Second,
			ShutdownGrace:  time.Second,
		},
		Metrics: MetricsConfig{Disabled: true},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// risingSensor returns a temperature one degree higher on every read.
func risingSensor() Sensor {
	var n atomic.Int64
	return SensorFunc(func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"temperature": float64(n.Add(1))}, nil
	})
}

type envelopeCollector struct {
	mu   sync.Mutex
	envs []Envelope
	got  chan struct{}
}

func newEnvelopeCollector() *envelopeCollector {
	return &envelopeCollector{got: make(chan struct{}, 1024)}
}

func (c *envelopeCollector) handle(_ context.Context, batch []Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, batch...)
	c.mu.Unlock()
	for range batch {
		c.got <- struct{}{}
	}
	return nil
}

func (c *envelopeCollector) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d envelopes, got %d", n, i)
		}
	}
}

func (c *envelopeCollector) snapshot() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestNewEdgeRuntimeWithCustomAdapters(t *testing.T) {
	cfg := testConfig(t)
	ep := NewCallbackEndpoint("stub", func(context.Context, []Envelope) error { return nil })
	obs := &stubObservability{}

	rt, err := NewEdgeRuntime(cfg,
		WithEndpoint(ep),
		WithDeadLetter(nil),
		WithObservability(obs),
		WithSensor("sim", risingSensor()),
	)
	if err != nil {
		t.Fatalf("NewEdgeRuntime returned error: %v", err)
	}
	defer rt.close()

	if rt.endpoint != ep {
		t.Fatalf("expected custom endpoint to be used")
	}
	if rt.obs != obs {
		t.Fatalf("expected custom observability to be used")
	}
	if rt.dlq != nil {
		t.Fatalf("expected no dead-letter sink")
	}
	if rt.metricsSrv != nil {
		t.Fatalf("expected metrics server to be disabled")
	}
	if cfg.Buffer.Backend != "wal" {
		t.Fatalf("expected wal backend default, got %s", cfg.Buffer.Backend)
	}
}

func TestNewEdgeRuntimeRejectsUnknownSensorType(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sensors = []SensorConfig{{ID: "bmp", Type: "BMP280"}}

	_, err := NewEdgeRuntime(cfg,
		WithEndpoint(NewCallbackEndpoint("stub", func(context.Context, []Envelope) error { return nil })),
		WithDeadLetter(nil),
		WithLogger(quietLogger()),
	)
	if err == nil || !strings.Contains(err.Error(), "no driver") {
		t.Fatalf("expected no driver error, got %v", err)
	}
}

func TestEdgeRuntimeDeliversReadings(t *testing.T) {
	cfg := testConfig(t)
	col := newEnvelopeCollector()

	rt, err := NewEdgeRuntime(cfg,
		WithEndpoint(NewCallbackEndpoint("collector", col.handle)),
		WithDeadLetter(nil),
		WithLogger(quietLogger()),
		WithSensor("sim", risingSensor()),
	)
	if err != nil {
		t.Fatalf("NewEdgeRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	col.wait(t, 4)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}

	envs := col.snapshot()
	seen := make(map[string]bool)
	for i, env := range envs {
		if env.DeviceID != "rpi_test" || env.CustomerID != "customer_test" || env.Location != "lab" {
			t.Fatalf("envelope %d missing device metadata: %+v", i, env)
		}
		if env.SensorType != "custom" {
			t.Fatalf("expected custom sensor type, got %s", env.SensorType)
		}
		if seen[env.IdempotencyKey] {
			t.Fatalf("duplicate idempotency key %s", env.IdempotencyKey)
		}
		seen[env.IdempotencyKey] = true
	}

	stats := rt.Stats()
	if stats.Publisher.Delivered < 4 {
		t.Fatalf("expected at least 4 delivered, got %d", stats.Publisher.Delivered)
	}
	if stats.StartedAt.IsZero() {
		t.Fatalf("expected start time to be recorded")
	}

	if err := rt.Run(context.Background()); err == nil {
		t.Fatalf("expected second Run to fail")
	}
}

func TestEdgeRuntimeKeepsUndeliveredEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Publisher.MaxRetries = Ptr(1000)
	down := errors.New("ingest unavailable")

	rt, err := NewEdgeRuntime(cfg,
		WithEndpoint(NewCallbackEndpoint("down", func(context.Context, []Envelope) error { return down })),
		WithDeadLetter(nil),
		WithLogger(quietLogger()),
		WithSensor("sim", risingSensor()),
	)
	if err != nil {
		t.Fatalf("NewEdgeRuntime: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rt.Stats().Publisher.Delivered != 0 {
		t.Fatalf("nothing should be delivered while the endpoint is down")
	}

	// a fresh runtime over the same directory picks the entries up again
	col := newEnvelopeCollector()
	cfg2 := testConfig(t)
	cfg2.Buffer.Dir = cfg.Buffer.Dir
	rt2, err := NewEdgeRuntime(cfg2,
		WithEndpoint(NewCallbackEndpoint("collector", col.handle)),
		WithDeadLetter(nil),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buffered := rt2.buf.Len()
	if buffered == 0 {
		t.Fatalf("expected buffered entries to survive restart")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt2.Run(ctx2) }()
	col.wait(t, buffered)
	cancel2()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEdgeRuntimeHandler(t *testing.T) {
	cfg := testConfig(t)
	rt, err := NewEdgeRuntime(cfg,
		WithEndpoint(NewCallbackEndpoint("stub", func(context.Context, []Envelope) error { return nil })),
		WithDeadLetter(nil),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("NewEdgeRuntime: %v", err)
	}
	defer rt.close()

	h := rt.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats RuntimeStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.DeviceID != "rpi_test" || stats.Endpoint != "stub" || stats.Buffer.Capacity != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "rasperature_buffer_length") {
		t.Fatalf("expected pipeline metrics to be exported")
	}
}

type stubObservability struct{}

func (s *stubObservability) LogInfo(string, ...Field)            {}
func (s *stubObservability) LogError(string, error, ...Field)    {}
func (s *stubObservability) LogCritical(string, error, ...Field) {}
func (s *stubObservability) IncCounter(string, float64)          {}
func (s *stubObservability) ObserveLatency(string, float64)      {}
func (s *stubObservability) SetGauge(string, float64)            {}
func (s *stubObservability) RecordDLQ(*QueueEntry, error)        {}
