// Package badgerstore keeps buffered queue entries in an embedded BadgerDB
// instance. It trades the single-file layout of the WAL for cheap random
// deletes, which suits devices that buffer for days.
package badgerstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

var (
	entryPrefix = []byte("e/")
	seqKey      = []byte("m/next_id")
)

// storedEntry is the CBOR value layout. Keys carry the ID.
type storedEntry struct {
	SensorID          string             `cbor:"1,keyasint"`
	SensorType        string             `cbor:"2,keyasint"`
	DeviceID          string             `cbor:"3,keyasint"`
	CustomerID        string             `cbor:"4,keyasint"`
	Location          string             `cbor:"5,keyasint,omitempty"`
	Timestamp         time.Time          `cbor:"6,keyasint"`
	Values            map[string]float64 `cbor:"7,keyasint,omitempty"`
	Status            string             `cbor:"8,keyasint"`
	ErrorMessage      string             `cbor:"9,keyasint,omitempty"`
	ConsecutiveErrors int                `cbor:"10,keyasint,omitempty"`
	EnqueueTime       time.Time          `cbor:"11,keyasint"`
	AttemptCount      int                `cbor:"12,keyasint"`
	NextAttemptAt     time.Time          `cbor:"13,keyasint,omitempty"`
	IdempotencyKey    string             `cbor:"14,keyasint"`
}

// Store implements ports.EntryStore on BadgerDB.
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	nextID domain.EntryID
	live   int
	enc    cbor.EncMode
}

// Open opens (or creates) the store under dir. Writes are synced before
// returning so an admitted entry survives a crash.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = true
	return open(opts)
}

// OpenReadOnly opens an existing store for inspection. It fails while a
// runtime holds the directory lock.
func OpenReadOnly(dir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger")).WithReadOnly(true)
	opts.Logger = nil
	return open(opts)
}

// OpenInMemory is used by tests and by devices without writable storage.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, enc: enc}
	if err := s.bootstrap(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				s.nextID = domain.EntryID(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.live++
			if id := idFromKey(it.Item().Key()); id > s.nextID {
				s.nextID = id
			}
		}
		return nil
	})
}

func (s *Store) Append(e *domain.QueueEntry) (domain.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	val, err := s.enc.Marshal(toStored(e))
	if err != nil {
		return 0, err
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(id))
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(id), val); err != nil {
			return err
		}
		return txn.Set(seqKey, seq[:])
	})
	if err != nil {
		return 0, fmt.Errorf("badger append: %w", err)
	}

	e.ID = id
	s.nextID = id
	s.live++
	return id, nil
}

func (s *Store) Remove(ids ...domain.EntryID) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if _, err := txn.Get(entryKey(id)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete(entryKey(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger remove: %w", err)
	}
	s.live -= removed
	return nil
}

func (s *Store) UpdateSchedule(updates ...ports.ScheduleUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, u := range updates {
			item, err := txn.Get(entryKey(u.ID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var se storedEntry
			if err := item.Value(func(v []byte) error { return cbor.Unmarshal(v, &se) }); err != nil {
				return err
			}
			se.AttemptCount = u.AttemptCount
			se.NextAttemptAt = u.NextAttemptAt
			val, err := s.enc.Marshal(se)
			if err != nil {
				return err
			}
			if err := txn.Set(entryKey(u.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load iterates keys in byte order; big-endian IDs make that admission order.
func (s *Store) Load(fn func(e *domain.QueueEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: entryPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var se storedEntry
			if err := item.Value(func(v []byte) error { return cbor.Unmarshal(v, &se) }); err != nil {
				return fmt.Errorf("corrupt badger entry %x: %w", item.Key(), err)
			}
			e := se.toDomain()
			e.ID = idFromKey(item.Key())
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Stats() ports.StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsm, vlog := s.db.Size()
	return ports.StoreStats{
		LiveEntries: s.live,
		LatestID:    s.nextID,
		SizeBytes:   lsm + vlog,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(id domain.EntryID) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], uint64(id))
	return key
}

func idFromKey(key []byte) domain.EntryID {
	return domain.EntryID(binary.BigEndian.Uint64(key[len(entryPrefix):]))
}

func toStored(e *domain.QueueEntry) storedEntry {
	r := e.Reading
	return storedEntry{
		SensorID:          r.SensorID,
		SensorType:        r.SensorType,
		DeviceID:          r.DeviceID,
		CustomerID:        r.CustomerID,
		Location:          r.Location,
		Timestamp:         r.Timestamp,
		Values:            r.Values,
		Status:            string(r.Status),
		ErrorMessage:      r.ErrorMessage,
		ConsecutiveErrors: r.ConsecutiveErrors,
		EnqueueTime:       e.EnqueueTime,
		AttemptCount:      e.AttemptCount,
		NextAttemptAt:     e.NextAttemptAt,
		IdempotencyKey:    e.IdempotencyKey,
	}
}

func (se storedEntry) toDomain() *domain.QueueEntry {
	return &domain.QueueEntry{
		Reading: &domain.Reading{
			SensorID:          se.SensorID,
			SensorType:        se.SensorType,
			DeviceID:          se.DeviceID,
			CustomerID:        se.CustomerID,
			Location:          se.Location,
			Timestamp:         se.Timestamp,
			Values:            se.Values,
			Status:            domain.Status(se.Status),
			ErrorMessage:      se.ErrorMessage,
			ConsecutiveErrors: se.ConsecutiveErrors,
		},
		EnqueueTime:    se.EnqueueTime,
		AttemptCount:   se.AttemptCount,
		NextAttemptAt:  se.NextAttemptAt,
		IdempotencyKey: se.IdempotencyKey,
	}
}

var _ ports.EntryStore = (*Store)(nil)
