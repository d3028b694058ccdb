package ports

import (
	"time"

	"github.com/benschg/rasperature/internal/domain"
)

// EntryStore persists queue entries so they survive a process restart.
// Append must not return before the entry is durable.
type EntryStore interface {
	// Append assigns the next EntryID to e and persists it.
	Append(e *domain.QueueEntry) (domain.EntryID, error)
	// Remove deletes entries after a terminal outcome. Unknown IDs are ignored.
	Remove(ids ...domain.EntryID) error
	// UpdateSchedule persists retry bookkeeping for entries still pending.
	UpdateSchedule(updates ...ScheduleUpdate) error
	// Load replays live entries in admission order.
	Load(fn func(e *domain.QueueEntry) error) error
	Stats() StoreStats
	Close() error
}

// ScheduleUpdate records a failed attempt for one entry.
type ScheduleUpdate struct {
	ID            domain.EntryID
	AttemptCount  int
	NextAttemptAt time.Time
}

type StoreStats struct {
	LiveEntries   int            `json:"live_entries"`
	LatestID      domain.EntryID `json:"latest_id"`
	SizeBytes     int64          `json:"size_bytes"`
	Compactions   uint64         `json:"compactions"`
	DeadRecords   int            `json:"dead_records"`
	SyncedAppends uint64         `json:"synced_appends"`
}
