package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// LevelCritical marks failures that may lose or duplicate data.
const LevelCritical = slog.Level(12)

// NewLogger builds a slog logger. format is "json" or "text".
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// PromObs implements ports.Observability with Prometheus collectors and a
// structured logger.
type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	dlq      *prometheus.CounterVec
}

// NewPromObs registers the pipeline collectors on reg. A nil reg uses the
// default registerer, a nil logger uses slog.Default.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) (*PromObs, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricReadingsPolled:     counter(ports.MetricReadingsPolled, "Readings produced by the sensor poller, including error readings."),
			ports.MetricSensorReadErrors:   counter(ports.MetricSensorReadErrors, "Sensor reads that failed or timed out."),
			ports.MetricReadingsSuppressed: counter(ports.MetricReadingsSuppressed, "Readings suppressed by the downsample filter."),
			ports.MetricBufferAdmitted:     counter(ports.MetricBufferAdmitted, "Entries durably admitted to the offline buffer."),
			ports.MetricBufferEvicted:      counter(ports.MetricBufferEvicted, "Entries evicted by the drop-oldest capacity policy."),
			ports.MetricEntriesDelivered:   counter(ports.MetricEntriesDelivered, "Entries acknowledged by the ingestion endpoint."),
			ports.MetricPublishFailures:    counter(ports.MetricPublishFailures, "Failed batch publish attempts."),
			ports.MetricEntriesRetried:     counter(ports.MetricEntriesRetried, "Entries returned to pending for a later retry."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricBufferLength:    gauge(ports.MetricBufferLength, "Entries currently held in the offline buffer."),
			ports.MetricInFlightBatches: gauge(ports.MetricInFlightBatches, "Batch publish attempts in progress."),
			ports.MetricStoreSizeBytes:  gauge(ports.MetricStoreSizeBytes, "Size of the buffer's durable store on disk."),
		},
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ports.MetricDLQ,
			Help: "Entries routed to the dead-letter channel.",
		}, []string{"sensor_id", "class"}),
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricPublishLatency,
		Help:    "Duration of a single batch publish attempt.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricBatchSize,
		Help:    "Entries per publish attempt.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	p.histos = map[string]prometheus.Observer{
		ports.MetricPublishLatency: latency,
		ports.MetricBatchSize:      batchSize,
	}

	collectors := []prometheus.Collector{p.dlq, latency, batchSize}
	for _, c := range p.counters {
		collectors = append(collectors, c)
	}
	for _, g := range p.gauges {
		collectors = append(collectors, g)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return p, nil
}

func (p *PromObs) Logger() *slog.Logger { return p.logger }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(nil, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.LogAttrs(context.Background(), LevelCritical, msg, attrs(err, fields)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(e *domain.QueueEntry, err error) {
	class := ports.ClassTransient
	if ports.IsPermanent(err) {
		class = ports.ClassPermanent
	}
	sensorID := ""
	if e != nil && e.Reading != nil {
		sensorID = e.Reading.SensorID
	}
	p.dlq.WithLabelValues(sensorID, class.String()).Inc()

	fields := []ports.Field{{Key: "sensor_id", Value: sensorID}, {Key: "class", Value: class.String()}}
	if e != nil {
		fields = append(fields,
			ports.Field{Key: "idempotency_key", Value: e.IdempotencyKey},
			ports.Field{Key: "attempts", Value: e.AttemptCount + 1})
	}
	p.logger.LogAttrs(context.Background(), slog.LevelWarn, "entry_dead_lettered", attrs(err, fields)...)
}

func attrs(err error, fields []ports.Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields)+1)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
