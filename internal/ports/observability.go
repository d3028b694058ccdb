package ports

import "github.com/benschg/rasperature/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordDLQ(e *domain.QueueEntry, err error)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the pipeline and the observability adapters.
const (
	MetricReadingsPolled     = "rasperature_readings_polled_total"
	MetricSensorReadErrors   = "rasperature_sensor_read_errors_total"
	MetricReadingsSuppressed = "rasperature_readings_suppressed_total"
	MetricBufferAdmitted     = "rasperature_buffer_admitted_total"
	MetricBufferEvicted      = "rasperature_buffer_evicted_total"
	MetricEntriesDelivered   = "rasperature_entries_delivered_total"
	MetricPublishFailures    = "rasperature_publish_failures_total"
	MetricEntriesRetried     = "rasperature_entries_retried_total"
	MetricDLQ                = "rasperature_dlq_total"
	MetricBufferLength       = "rasperature_buffer_length"
	MetricInFlightBatches    = "rasperature_inflight_batches"
	MetricStoreSizeBytes     = "rasperature_store_size_bytes"
	MetricPublishLatency     = "rasperature_publish_latency_seconds"
	MetricBatchSize          = "rasperature_batch_size"
)
