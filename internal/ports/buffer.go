package ports

import (
	"time"

	"github.com/benschg/rasperature/internal/domain"
)

// Buffer is the bounded durable offline buffer between the filter and the
// publisher. Entries leave it only through Remove.
type Buffer interface {
	// Enqueue admits r, evicting the oldest entry when the buffer is full.
	Enqueue(r *domain.Reading) (*domain.QueueEntry, error)
	// Pull moves up to max pending entries that are due at now to in-flight,
	// oldest admission first.
	Pull(max int, now time.Time) []*domain.QueueEntry
	// Remove drops entries after delivery or dead-lettering.
	Remove(ids ...domain.EntryID) error
	// Retry returns in-flight entries to pending after a transient failure and
	// persists their new attempt count and due time.
	Retry(updates ...ScheduleUpdate) error
	// Release returns in-flight entries to pending without counting an attempt.
	Release(ids ...domain.EntryID)
	// Ready is signalled whenever entries may have become available.
	Ready() <-chan struct{}
	// NextDue reports the earliest NextAttemptAt among pending entries that
	// are not due yet.
	NextDue(now time.Time) (time.Time, bool)
	Len() int
	Stats() BufferStats
	Close() error
}

type BufferStats struct {
	Pending  int        `json:"pending"`
	InFlight int        `json:"in_flight"`
	Capacity int        `json:"capacity"`
	Admitted uint64     `json:"admitted"`
	Evicted  uint64     `json:"evicted"`
	Removed  uint64     `json:"removed"`
	Store    StoreStats `json:"store"`
}
