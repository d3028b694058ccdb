package domain

import "time"

// Envelope is the JSON document sent to ingestion endpoints for one entry.
// Field names follow the cloud ingestion schema.
type Envelope struct {
	IdempotencyKey string             `json:"idempotency_key"`
	SensorID       string             `json:"sensor_id"`
	SensorType     string             `json:"sensor_type"`
	DeviceID       string             `json:"device_id"`
	CustomerID     string             `json:"customer_id"`
	Location       string             `json:"location,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Readings       map[string]float64 `json:"readings"`
	Status         Status             `json:"status"`
	Error          string             `json:"error,omitempty"`
	ErrorCount     int                `json:"error_count,omitempty"`
	Attempt        int                `json:"attempt"`
}

// Envelope converts the entry into its wire form.
func (e *QueueEntry) Envelope() Envelope {
	r := e.Reading
	readings := r.Values
	if readings == nil {
		readings = map[string]float64{}
	}
	return Envelope{
		IdempotencyKey: e.IdempotencyKey,
		SensorID:       r.SensorID,
		SensorType:     r.SensorType,
		DeviceID:       r.DeviceID,
		CustomerID:     r.CustomerID,
		Location:       r.Location,
		Timestamp:      r.Timestamp,
		Readings:       readings,
		Status:         r.Status,
		Error:          r.ErrorMessage,
		ErrorCount:     r.ConsecutiveErrors,
		Attempt:        e.AttemptCount + 1,
	}
}

// Envelopes converts a batch in order.
func Envelopes(batch []*QueueEntry) []Envelope {
	out := make([]Envelope, len(batch))
	for i, e := range batch {
		out[i] = e.Envelope()
	}
	return out
}

// DeadLetterRecord is the reported form of an entry that will never be
// retried.
type DeadLetterRecord struct {
	Envelope
	Reason         string    `json:"reason"`
	Permanent      bool      `json:"permanent"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}
