package rasperature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/benschg/rasperature/internal/adapters/badgerstore"
	"github.com/benschg/rasperature/internal/adapters/deadletter"
	"github.com/benschg/rasperature/internal/adapters/observability"
	"github.com/benschg/rasperature/internal/adapters/queue"
	"github.com/benschg/rasperature/internal/adapters/sensor"
	"github.com/benschg/rasperature/internal/adapters/sink"
	"github.com/benschg/rasperature/internal/adapters/wal"
	"github.com/benschg/rasperature/internal/app/config"
	"github.com/benschg/rasperature/internal/app/pipeline"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// EdgeRuntimeOption customizes the dependencies used by EdgeRuntime.
type EdgeRuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	endpoint      Endpoint
	deadLetter    DeadLetter
	deadLetterSet bool
	store         EntryStore
	observability Observability
	logger        *slog.Logger
	registry      *prometheus.Registry
	sensors       map[string]Sensor
}

// WithEndpoint injects a custom endpoint so batches can be sent to any
// database or API.
func WithEndpoint(ep Endpoint) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.endpoint = ep
	}
}

// WithDeadLetter replaces the configured dead-letter sink. A nil sink keeps
// dead-lettered entries in logs and metrics only.
func WithDeadLetter(dl DeadLetter) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.deadLetter = dl
		o.deadLetterSet = true
	}
}

// WithEntryStore lets callers bring their own durable store for the buffer.
func WithEntryStore(s EntryStore) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger sets the logger of the default Prometheus observability.
func WithLogger(l *slog.Logger) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry registers the runtime's collectors on reg and serves it at
// /metrics.
func WithRegistry(reg *prometheus.Registry) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithSensor supplies the driver for sensor id. Sensors missing from the
// config are polled at device.poll_interval with type "custom".
func WithSensor(id string, s Sensor) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		if o.sensors == nil {
			o.sensors = make(map[string]Sensor)
		}
		o.sensors[id] = s
	}
}

// RuntimeStats is the snapshot served at /stats.
type RuntimeStats struct {
	DeviceID   string         `json:"device_id"`
	CustomerID string         `json:"customer_id"`
	Endpoint   string         `json:"endpoint"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	Forwarded  uint64         `json:"readings_forwarded"`
	Suppressed uint64         `json:"readings_suppressed"`
	Buffer     BufferStats    `json:"buffer"`
	Publisher  PublisherStats `json:"publisher"`
}

// EdgeRuntime wires up the poller → filter → buffer → publisher pipeline and
// exposes simple lifecycle hooks for embedding rasperature inside any Go
// service.
type EdgeRuntime struct {
	cfg       *Config
	obs       ports.Observability
	registry  *prometheus.Registry
	buf       *queue.DurableQueue
	poller    *pipeline.Poller
	filter    *pipeline.Filter
	publisher *pipeline.Publisher
	endpoint  ports.Endpoint
	dlq       ports.DeadLetter
	closers   []io.Closer

	metricsSrv *http.Server
	running    atomic.Bool
	startedAt  atomic.Pointer[time.Time]
}

// NewEdgeRuntime bootstraps the default adapters (configured sensors, file
// WAL or badger buffer, configured endpoint and dead-letter sink, Prometheus
// observability). Callers can use EdgeRuntimeOption values to override any
// dependency.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (_ *EdgeRuntime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &EdgeRuntime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	rt.registry = overrides.registry
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	rt.obs = overrides.observability
	if rt.obs == nil {
		logger := overrides.logger
		if logger == nil {
			logger, err = observability.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return nil, err
			}
		}
		rt.obs, err = observability.NewPromObs(rt.registry, logger)
		if err != nil {
			return nil, err
		}
	}

	store := overrides.store
	if store == nil {
		store, err = openStore(cfg.Buffer, false)
		if err != nil {
			return nil, fmt.Errorf("open buffer store: %w", err)
		}
	}
	obs := rt.obs
	rt.buf, err = queue.NewDurableQueue(store, cfg.Buffer.Capacity,
		queue.WithEvictCallback(func(e *domain.QueueEntry) {
			obs.IncCounter(ports.MetricBufferEvicted, 1)
		}))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	if n := rt.buf.Len(); n > 0 {
		rt.obs.LogInfo("buffer_restored", ports.Field{Key: "entries", Value: n})
	}

	regs, err := rt.sensorRegistrations(overrides.sensors)
	if err != nil {
		return nil, err
	}
	rt.poller, err = pipeline.NewPoller(pipeline.DeviceInfo{
		DeviceID:   cfg.Device.ID,
		CustomerID: cfg.Device.CustomerID,
		Location:   cfg.Device.Location,
	}, regs, rt.obs)
	if err != nil {
		return nil, err
	}

	rt.filter = pipeline.NewFilter(pipeline.FilterConfig{
		Thresholds:       cfg.Thresholds,
		SensorThresholds: cfg.SensorThresholds(),
		MaxSilence:       cfg.Heartbeat.MaxSilence,
	}, rt.obs)

	rt.endpoint = overrides.endpoint
	if rt.endpoint == nil {
		if err = cfg.Endpoint.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint: %w", err)
		}
		rt.endpoint, err = sink.New(context.Background(), cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", cfg.Endpoint.Kind, err)
		}
		rt.track(rt.endpoint)
	}

	if overrides.deadLetterSet {
		rt.dlq = overrides.deadLetter
	} else {
		if err = cfg.DeadLetter.Validate(); err != nil {
			return nil, err
		}
		rt.dlq, err = deadletter.New(cfg.DeadLetter, cfg.Endpoint.Kafka)
		if err != nil {
			return nil, fmt.Errorf("dead letter: %w", err)
		}
		rt.track(rt.dlq)
	}

	p := cfg.Publisher
	rt.publisher, err = pipeline.NewPublisher(pipeline.PublisherConfig{
		MaxBatchSize: p.MaxBatchSize,
		MaxBatchWait: p.MaxBatchWait,
		MaxRetries:   *p.MaxRetries,
		Backoff: pipeline.Backoff{
			Base:    p.BackoffBase,
			Ceiling: p.BackoffCeiling,
			Jitter:  *p.BackoffJitter,
		},
		AttemptTimeout: p.AttemptTimeout,
		ShutdownGrace:  p.ShutdownGrace,
		Concurrency:    p.Concurrency,
	}, rt.buf, rt.endpoint, rt.dlq, rt.obs)
	if err != nil {
		return nil, err
	}

	if !cfg.Metrics.Disabled {
		rt.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return rt, nil
}

// OpenEntryStore opens the store selected by buffer.backend, as the runtime
// does when no WithEntryStore option is given.
func OpenEntryStore(cfg BufferConfig) (EntryStore, error) {
	return openStore(cfg, false)
}

// InspectEntryStore opens the buffer read-only so its entries can be listed
// without disturbing a runtime that owns it. Writes return an error.
func InspectEntryStore(cfg BufferConfig) (EntryStore, error) {
	return openStore(cfg, true)
}

func openStore(cfg config.BufferConfig, readOnly bool) (ports.EntryStore, error) {
	if cfg.Backend == config.BackendBadger {
		open := badgerstore.Open
		if readOnly {
			open = badgerstore.OpenReadOnly
		}
		s, err := open(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open badger buffer: %w", err)
		}
		return s, nil
	}
	w, err := wal.NewFileWAL(cfg.Dir, wal.Options{
		SyncWrites:     !cfg.NoSync,
		CompactMinDead: cfg.CompactMinDead,
		ReadOnly:       readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal buffer: %w", err)
	}
	return w, nil
}

func (e *EdgeRuntime) sensorRegistrations(custom map[string]Sensor) ([]pipeline.SensorRegistration, error) {
	regs := make([]pipeline.SensorRegistration, 0, len(e.cfg.Sensors)+len(custom))
	configured := make(map[string]struct{}, len(e.cfg.Sensors))
	for _, sc := range e.cfg.Sensors {
		configured[sc.ID] = struct{}{}
		drv, ok := custom[sc.ID]
		if !ok {
			if err := sc.Validate(); err != nil {
				return nil, err
			}
			var err error
			drv, err = sensor.New(sc)
			if err != nil {
				return nil, err
			}
			e.track(drv)
		}
		regs = append(regs, pipeline.SensorRegistration{
			ID:          sc.ID,
			Type:        sc.Type,
			Interval:    sc.Interval,
			ReadTimeout: sc.ReadTimeout,
			Sensor:      drv,
		})
	}

	var extra []string
	for id := range custom {
		if _, ok := configured[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		sc := sensor.Config{ID: id, Type: "custom"}
		sc.ApplyDefaults(e.cfg.Device.PollInterval)
		regs = append(regs, pipeline.SensorRegistration{
			ID:          id,
			Type:        sc.Type,
			Interval:    sc.Interval,
			ReadTimeout: sc.ReadTimeout,
			Sensor:      custom[id],
		})
	}
	return regs, nil
}

func (e *EdgeRuntime) track(v any) {
	if c, ok := v.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
}

// Run starts the pipeline and the metrics server and blocks until ctx is
// cancelled or a component fails. On return the buffer and every adapter
// opened by the runtime are closed; entries still buffered are on disk.
func (e *EdgeRuntime) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("edge runtime is nil")
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("edge runtime already started")
	}
	now := time.Now()
	e.startedAt.Store(&now)
	e.obs.LogInfo("edge_runtime_started",
		ports.Field{Key: "device_id", Value: e.cfg.Device.ID},
		ports.Field{Key: "endpoint", Value: e.endpoint.Name()},
		ports.Field{Key: "buffered", Value: e.buf.Len()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.RunEdgePipeline(gctx, e.poller, e.filter, e.buf, e.cfg.Buffer.ChannelSize, e.obs)
		return nil
	})
	g.Go(func() error {
		return e.publisher.Run(gctx)
	})
	g.Go(func() error {
		e.recordResourceGauges(gctx, time.Second)
		return nil
	})
	if e.metricsSrv != nil {
		g.Go(func() error {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	stats := e.Stats()
	e.obs.LogInfo("edge_runtime_stopped",
		ports.Field{Key: "buffered", Value: stats.Buffer.Pending + stats.Buffer.InFlight},
		ports.Field{Key: "delivered", Value: stats.Publisher.Delivered})
	return errors.Join(err, e.close())
}

// Stats returns a snapshot of pipeline counters.
func (e *EdgeRuntime) Stats() RuntimeStats {
	fwd, sup := e.filter.Counts()
	s := RuntimeStats{
		DeviceID:   e.cfg.Device.ID,
		CustomerID: e.cfg.Device.CustomerID,
		Endpoint:   e.endpoint.Name(),
		Forwarded:  fwd,
		Suppressed: sup,
		Buffer:     e.buf.Stats(),
		Publisher:  e.publisher.Stats(),
	}
	if t := e.startedAt.Load(); t != nil {
		s.StartedAt = *t
	}
	return s
}

// Handler serves /metrics, /healthz and /stats.
func (e *EdgeRuntime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(e.Stats())
	})
	return mux
}

// ExternalPublisher returns a producer that feeds readings through this
// runtime's filter and buffer.
func (e *EdgeRuntime) ExternalPublisher() *ExternalPublisher {
	return newExternalPublisher(e.cfg.Device, e.filter, e.buf, e.obs)
}

func (e *EdgeRuntime) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.buf.Stats()
			e.obs.SetGauge(ports.MetricBufferLength, float64(stats.Pending+stats.InFlight))
			e.obs.SetGauge(ports.MetricStoreSizeBytes, float64(stats.Store.SizeBytes))
		}
	}
}

func (e *EdgeRuntime) close() error {
	var errs []error
	if e.buf != nil {
		if err := e.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close buffer: %w", err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
