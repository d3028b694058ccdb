package queue

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type slot struct {
	entry    *domain.QueueEntry
	inFlight bool
}

// Option customizes a DurableQueue.
type Option func(*DurableQueue)

// WithEvictCallback is invoked, outside the lock, for every entry dropped by
// the capacity policy.
func WithEvictCallback(fn func(*domain.QueueEntry)) Option {
	return func(q *DurableQueue) { q.onEvict = fn }
}

// WithClock overrides time.Now for admission timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *DurableQueue) { q.now = now }
}

// DurableQueue is a bounded FIFO of queue entries mirrored in an EntryStore.
// When full it evicts the oldest entry, whatever its state.
type DurableQueue struct {
	mu       sync.Mutex
	store    ports.EntryStore
	capacity int
	order    *list.List
	index    map[domain.EntryID]*list.Element
	inFlight int
	closed   bool
	ready    chan struct{}
	onEvict  func(*domain.QueueEntry)
	now      func() time.Time

	admitted uint64
	evicted  uint64
	removed  uint64
}

// NewDurableQueue reloads every entry found in store in admission order. If
// the store holds more than capacity entries the oldest ones are evicted.
func NewDurableQueue(store ports.EntryStore, capacity int, opts ...Option) (*DurableQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("entry store is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", capacity)
	}
	q := &DurableQueue{
		store:    store,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[domain.EntryID]*list.Element),
		ready:    make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	var evicted []*domain.QueueEntry
	err := store.Load(func(e *domain.QueueEntry) error {
		q.index[e.ID] = q.order.PushBack(&slot{entry: e})
		if q.order.Len() > q.capacity {
			evicted = append(evicted, q.evictOldestLocked())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reload buffer: %w", err)
	}
	if err := q.removeFromStore(evicted); err != nil {
		return nil, err
	}
	q.notifyEvicted(evicted)
	if q.order.Len() > 0 {
		q.signal()
	}
	return q, nil
}

func (q *DurableQueue) Enqueue(r *domain.Reading) (*domain.QueueEntry, error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return nil, ports.ErrBufferClosed
	}

	var evicted []*domain.QueueEntry
	for q.order.Len() >= q.capacity {
		evicted = append(evicted, q.evictOldestLocked())
	}
	if err := q.removeFromStore(evicted); err != nil {
		q.mu.Unlock()
		q.notifyEvicted(evicted)
		return nil, err
	}

	e := domain.NewQueueEntry(r, q.now())
	if _, err := q.store.Append(e); err != nil {
		q.mu.Unlock()
		q.notifyEvicted(evicted)
		return nil, fmt.Errorf("persist entry: %w", err)
	}
	q.index[e.ID] = q.order.PushBack(&slot{entry: e})
	q.admitted++
	q.mu.Unlock()

	q.notifyEvicted(evicted)
	q.signal()
	return e, nil
}

func (q *DurableQueue) Pull(max int, now time.Time) []*domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		return nil
	}
	var out []*domain.QueueEntry
	for el := q.order.Front(); el != nil && len(out) < max; el = el.Next() {
		s := el.Value.(*slot)
		if s.inFlight || s.entry.NextAttemptAt.After(now) {
			continue
		}
		s.inFlight = true
		q.inFlight++
		out = append(out, s.entry)
	}
	return out
}

func (q *DurableQueue) Remove(ids ...domain.EntryID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	present := make([]domain.EntryID, 0, len(ids))
	for _, id := range ids {
		el, ok := q.index[id]
		if !ok {
			continue
		}
		if el.Value.(*slot).inFlight {
			q.inFlight--
		}
		q.order.Remove(el)
		delete(q.index, id)
		present = append(present, id)
	}
	if len(present) == 0 {
		return nil
	}
	q.removed += uint64(len(present))
	return q.store.Remove(present...)
}

func (q *DurableQueue) Retry(updates ...ports.ScheduleUpdate) error {
	q.mu.Lock()

	present := make([]ports.ScheduleUpdate, 0, len(updates))
	for _, u := range updates {
		el, ok := q.index[u.ID]
		if !ok {
			continue
		}
		s := el.Value.(*slot)
		if s.inFlight {
			s.inFlight = false
			q.inFlight--
		}
		s.entry.AttemptCount = u.AttemptCount
		s.entry.NextAttemptAt = u.NextAttemptAt
		present = append(present, u)
	}
	var err error
	if len(present) > 0 {
		err = q.store.UpdateSchedule(present...)
	}
	q.mu.Unlock()

	q.signal()
	return err
}

func (q *DurableQueue) Release(ids ...domain.EntryID) {
	q.mu.Lock()
	for _, id := range ids {
		el, ok := q.index[id]
		if !ok {
			continue
		}
		if s := el.Value.(*slot); s.inFlight {
			s.inFlight = false
			q.inFlight--
		}
	}
	q.mu.Unlock()
	q.signal()
}

func (q *DurableQueue) Ready() <-chan struct{} { return q.ready }

func (q *DurableQueue) NextDue(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for el := q.order.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot)
		if s.inFlight || !s.entry.NextAttemptAt.After(now) {
			continue
		}
		if !found || s.entry.NextAttemptAt.Before(next) {
			next = s.entry.NextAttemptAt
			found = true
		}
	}
	return next, found
}

func (q *DurableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *DurableQueue) Stats() ports.BufferStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ports.BufferStats{
		Pending:  q.order.Len() - q.inFlight,
		InFlight: q.inFlight,
		Capacity: q.capacity,
		Admitted: q.admitted,
		Evicted:  q.evicted,
		Removed:  q.removed,
		Store:    q.store.Stats(),
	}
}

// Snapshot returns the buffered entries in offering order without changing
// their state.
func (q *DurableQueue) Snapshot() []domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueueEntry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*slot).entry)
	}
	return out
}

// Close rejects further admissions and closes the store. Entries still
// buffered stay durable for the next start.
func (q *DurableQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.store.Close()
}

func (q *DurableQueue) evictOldestLocked() *domain.QueueEntry {
	el := q.order.Front()
	s := el.Value.(*slot)
	if s.inFlight {
		q.inFlight--
	}
	q.order.Remove(el)
	delete(q.index, s.entry.ID)
	q.evicted++
	return s.entry
}

func (q *DurableQueue) removeFromStore(evicted []*domain.QueueEntry) error {
	if len(evicted) == 0 {
		return nil
	}
	ids := make([]domain.EntryID, len(evicted))
	for i, e := range evicted {
		ids[i] = e.ID
	}
	if err := q.store.Remove(ids...); err != nil {
		return fmt.Errorf("evict entries: %w", err)
	}
	return nil
}

func (q *DurableQueue) notifyEvicted(evicted []*domain.QueueEntry) {
	if q.onEvict == nil {
		return
	}
	for _, e := range evicted {
		q.onEvict(e)
	}
}

func (q *DurableQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

var _ ports.Buffer = (*DurableQueue)(nil)
