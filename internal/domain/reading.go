package domain

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status reports whether a sensor read succeeded.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Reading is the canonical unit of sensor telemetry. It is never mutated after
// the poller creates it.
type Reading struct {
	SensorID          string             `json:"sensor_id"`
	SensorType        string             `json:"sensor_type"`
	DeviceID          string             `json:"device_id"`
	CustomerID        string             `json:"customer_id"`
	Location          string             `json:"location,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Values            map[string]float64 `json:"values,omitempty"`
	Status            Status             `json:"status"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	ConsecutiveErrors int                `json:"consecutive_error_count,omitempty"`
}

// IsError reports whether the reading carries a sensor failure.
func (r *Reading) IsError() bool { return r.Status == StatusError }

// EntryID is the admission sequence number assigned by the entry store.
type EntryID uint64

// QueueEntry wraps a Reading while it waits in the offline buffer.
type QueueEntry struct {
	ID             EntryID   `json:"id"`
	Reading        *Reading  `json:"reading"`
	EnqueueTime    time.Time `json:"enqueue_time"`
	AttemptCount   int       `json:"attempt_count"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// NewQueueEntry wraps r for admission. The store assigns the ID.
func NewQueueEntry(r *Reading, now time.Time) *QueueEntry {
	return &QueueEntry{
		Reading:        r,
		EnqueueTime:    now,
		IdempotencyKey: IdempotencyKey(r.SensorID, r.Timestamp),
	}
}

var keyNamespace = uuid.MustParse("6f1c7b5e-2d0a-4f7e-9a43-3c1be0d5a8f2")

// IdempotencyKey derives the deduplication key for a reading. The same sensor
// and capture time always yield the same key, so redelivered entries can be
// recognised downstream.
func IdempotencyKey(sensorID string, ts time.Time) string {
	name := sensorID + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// CopyValues returns an independent copy of a metric map.
func CopyValues(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CheckFinite returns an error naming the first metric, in key order, whose
// value is NaN or infinite. Such values cannot be encoded as JSON.
func CheckFinite(values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := values[k]; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("metric %q has non-finite value %v", k, v)
		}
	}
	return nil
}
