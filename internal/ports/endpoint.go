package ports

import (
	"context"
	"time"

	"github.com/benschg/rasperature/internal/domain"
)

// Endpoint transmits a batch to the cloud ingestion service. A nil error means
// every entry was accepted. A *BatchError reports per-entry outcomes; any
// other error applies to the whole batch and is classified with
// IsPermanent.
type Endpoint interface {
	Publish(ctx context.Context, batch []*domain.QueueEntry) error
	Name() string
}

// DeadLetter receives entries that will never be retried.
type DeadLetter interface {
	Route(ctx context.Context, entries []*domain.QueueEntry, reason error) error
}

// NewDeadLetterRecord describes e as dead-lettered at now because of reason.
func NewDeadLetterRecord(e *domain.QueueEntry, reason error, now time.Time) domain.DeadLetterRecord {
	rec := domain.DeadLetterRecord{
		Envelope:       e.Envelope(),
		Permanent:      IsPermanent(reason),
		DeadLetteredAt: now.UTC(),
	}
	if reason != nil {
		rec.Reason = reason.Error()
	}
	return rec
}
