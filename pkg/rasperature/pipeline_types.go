package rasperature

import (
	"github.com/benschg/rasperature/internal/app/pipeline"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// Reading is one sensor capture as it flows through filter, buffer and
// publisher.
type Reading = domain.Reading

// Status marks a Reading as ok or error.
type Status = domain.Status

const (
	StatusOK    = domain.StatusOK
	StatusError = domain.StatusError
)

// QueueEntry is a Reading held in the durable buffer together with its retry
// bookkeeping.
type QueueEntry = domain.QueueEntry

// EntryID identifies a QueueEntry inside the buffer.
type EntryID = domain.EntryID

// Envelope is the wire form sent to endpoints for one entry.
type Envelope = domain.Envelope

// DeadLetterRecord is what dead-letter sinks persist for an entry.
type DeadLetterRecord = domain.DeadLetterRecord

// Sensor is the read capability of a sensor driver.
type Sensor = ports.Sensor

// SensorFunc adapts a function into a Sensor.
type SensorFunc = ports.SensorFunc

// Endpoint transmits batches to the cloud ingestion service.
type Endpoint = ports.Endpoint

// DeadLetter receives entries that will never be retried.
type DeadLetter = ports.DeadLetter

// Buffer is the bounded durable offline buffer.
type Buffer = ports.Buffer

// EntryStore persists buffer entries across restarts.
type EntryStore = ports.EntryStore

// Observability emits logs and metrics about the pipeline.
type Observability = ports.Observability

// Field is a structured log field.
type Field = ports.Field

// BatchError reports per-entry outcomes from an Endpoint.
type BatchError = ports.BatchError

// BufferStats, StoreStats and PublisherStats make up the runtime snapshot.
type (
	BufferStats    = ports.BufferStats
	StoreStats     = ports.StoreStats
	PublisherStats = pipeline.PublisherStats
)

// ErrBufferClosed is returned when a reading arrives after shutdown.
var ErrBufferClosed = ports.ErrBufferClosed

// Transient marks an endpoint error as retryable. Unmarked errors are
// treated the same way.
func Transient(err error) error { return ports.Transient(err) }

// Permanent marks an endpoint error as a definitive rejection: the entries go
// to the dead-letter sink without further retries.
func Permanent(err error) error { return ports.Permanent(err) }

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool { return ports.IsPermanent(err) }

// NewBatchError builds the per-entry error an Endpoint returns for a partial
// failure. It returns nil when failed is empty.
func NewBatchError(failed map[EntryID]error) error { return ports.NewBatchError(failed) }
