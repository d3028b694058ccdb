package ports

import (
	"errors"
	"fmt"

	"github.com/benschg/rasperature/internal/domain"
)

// ErrBufferClosed is returned by Enqueue after the buffer was closed.
var ErrBufferClosed = errors.New("rasperature: buffer closed")

// SensorReadError describes a failed read. It never stops the poller; the
// failure travels downstream as an error-status Reading.
type SensorReadError struct {
	SensorID string
	Err      error
}

func (e *SensorReadError) Error() string {
	return fmt.Sprintf("sensor %s: %v", e.SensorID, e.Err)
}

func (e *SensorReadError) Unwrap() error { return e.Err }

// ErrorClass tells the publisher whether a failed attempt may be retried.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// PublishError wraps an endpoint failure with its class.
type PublishError struct {
	Class ErrorClass
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish error: %v", e.Class, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Transient marks err as retryable (network or service unavailability).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Class: ClassTransient, Err: err}
}

// Permanent marks err as a definitive rejection (schema, validation, size).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Class: ClassPermanent, Err: err}
}

// IsPermanent reports whether err was classified permanent. Unclassified
// errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Class == ClassPermanent
	}
	return false
}

// BatchError carries per-entry outcomes. Entries missing from Failed were
// delivered.
type BatchError struct {
	Failed map[domain.EntryID]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d entries failed", len(e.Failed))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// NewBatchError returns nil when failed is empty.
func NewBatchError(failed map[domain.EntryID]error) error {
	if len(failed) == 0 {
		return nil
	}
	return &BatchError{Failed: failed}
}
