package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// record frame: [1 kind][8 id][4 len][4 crc32(payload)][len bytes payload]
const recordHeaderLen = 17

type recordKind byte

const (
	kindPut      recordKind = 1
	kindRemove   recordKind = 2
	kindSchedule recordKind = 3
)

const defaultCompactMinDead = 1024

type schedulePayload struct {
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Options tune durability and compaction.
type Options struct {
	// SyncWrites fsyncs after every append, remove and schedule update.
	SyncWrites bool
	// CompactMinDead is the number of dead records that must accumulate
	// before a compaction is considered.
	CompactMinDead int
	// ReadOnly opens an existing log for inspection while another process may
	// own it. Nothing is truncated or written, and a torn tail is skipped.
	ReadOnly bool
}

var ErrReadOnly = errors.New("wal: opened read-only")

// FileWAL is an append-only log of queue entry records. Live entries are the
// puts not followed by a remove; compaction rewrites only those.
type FileWAL struct {
	mu        sync.Mutex
	opts      Options
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    domain.EntryID
	live      map[domain.EntryID]struct{}
	records   int
	sizeBytes int64

	compactions uint64
	synced      uint64
}

func NewFileWAL(dir string, opts Options) (*FileWAL, error) {
	flag := os.O_RDONLY
	if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		flag = os.O_CREATE | os.O_RDWR | os.O_APPEND
	}
	if opts.CompactMinDead <= 0 {
		opts.CompactMinDead = defaultCompactMinDead
	}
	path := filepath.Join(dir, "buffer.wal")
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	w := &FileWAL{
		opts:     opts,
		path:     path,
		metaPath: filepath.Join(dir, "buffer.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
		live:     make(map[domain.EntryID]struct{}),
	}
	if err := w.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *FileWAL) bootstrap() error {
	if err := w.scanExisting(); err != nil {
		return err
	}
	watermark, err := w.loadWatermark()
	if err != nil {
		return err
	}
	if w.nextID < watermark {
		w.nextID = watermark
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting rebuilds the live set and truncates a torn or corrupt tail left
// by a crash mid-write.
func (w *FileWAL) scanExisting() error {
	rf, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	var offset int64
	err = readRecords(bufio.NewReader(rf), func(kind recordKind, id domain.EntryID, payload []byte) error {
		switch kind {
		case kindPut:
			w.live[id] = struct{}{}
			if id > w.nextID {
				w.nextID = id
			}
		case kindRemove:
			delete(w.live, id)
		}
		w.records++
		offset += int64(recordHeaderLen + len(payload))
		return nil
	})
	if err != nil && !errors.Is(err, errTornRecord) {
		return err
	}

	w.sizeBytes = offset
	if w.opts.ReadOnly {
		return nil
	}
	return w.file.Truncate(offset)
}

func (w *FileWAL) loadWatermark() (domain.EntryID, error) {
	data, err := os.ReadFile(w.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal meta parse: %w", err)
	}
	return domain.EntryID(u), nil
}

func (w *FileWAL) Append(e *domain.QueueEntry) (domain.EntryID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID + 1
	e.ID = id

	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	if err := w.writeRecordLocked(kindPut, id, b); err != nil {
		return 0, err
	}
	if err := w.syncLocked(); err != nil {
		return 0, err
	}

	w.nextID = id
	w.live[id] = struct{}{}
	return id, nil
}

func (w *FileWAL) Remove(ids ...domain.EntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var wrote bool
	for _, id := range ids {
		if _, ok := w.live[id]; !ok {
			continue
		}
		if err := w.writeRecordLocked(kindRemove, id, nil); err != nil {
			return err
		}
		delete(w.live, id)
		wrote = true
	}
	if !wrote {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.maybeCompactLocked()
}

func (w *FileWAL) UpdateSchedule(updates ...ports.ScheduleUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var wrote bool
	for _, u := range updates {
		if _, ok := w.live[u.ID]; !ok {
			continue
		}
		b, err := json.Marshal(schedulePayload{AttemptCount: u.AttemptCount, NextAttemptAt: u.NextAttemptAt})
		if err != nil {
			return err
		}
		if err := w.writeRecordLocked(kindSchedule, u.ID, b); err != nil {
			return err
		}
		wrote = true
	}
	if !wrote {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.maybeCompactLocked()
}

func (w *FileWAL) Load(fn func(e *domain.QueueEntry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.liveEntriesLocked()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWAL) Stats() ports.StoreStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ports.StoreStats{
		LiveEntries:   len(w.live),
		LatestID:      w.nextID,
		SizeBytes:     w.sizeBytes,
		Compactions:   w.compactions,
		DeadRecords:   w.records - len(w.live),
		SyncedAppends: w.synced,
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if w.opts.ReadOnly {
		err := w.file.Close()
		w.file = nil
		return err
	}
	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.persistWatermarkLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	w.file = nil
	return errors.Join(errs...)
}

func (w *FileWAL) writeRecordLocked(kind recordKind, id domain.EntryID, payload []byte) error {
	if w.file == nil {
		return os.ErrClosed
	}
	if w.opts.ReadOnly {
		return ErrReadOnly
	}
	var hdr [recordHeaderLen]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint64(hdr[1:9], uint64(id))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[13:17], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	w.records++
	w.sizeBytes += int64(recordHeaderLen + len(payload))
	return nil
}

func (w *FileWAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if !w.opts.SyncWrites {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.synced++
	return nil
}

func (w *FileWAL) maybeCompactLocked() error {
	dead := w.records - len(w.live)
	if dead < w.opts.CompactMinDead || dead < len(w.live) {
		return nil
	}
	return w.compactLocked()
}

// compactLocked rewrites the live entries into a fresh file and swaps it in
// with an atomic rename.
func (w *FileWAL) compactLocked() error {
	entries, err := w.liveEntriesLocked()
	if err != nil {
		return err
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(tmp)
	var size int64
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		var hdr [recordHeaderLen]byte
		hdr[0] = byte(kindPut)
		binary.BigEndian.PutUint64(hdr[1:9], uint64(e.ID))
		binary.BigEndian.PutUint32(hdr[9:13], uint32(len(b)))
		binary.BigEndian.PutUint32(hdr[13:17], crc32.ChecksumIEEE(b))
		if _, err := bw.Write(hdr[:]); err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := bw.Write(b); err != nil {
			_ = tmp.Close()
			return err
		}
		size += int64(recordHeaderLen + len(b))
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// The watermark keeps IDs monotonic even when compaction empties the log.
	if err := w.persistWatermarkLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	syncDir(filepath.Dir(w.path))

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		w.file = nil
		return err
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64<<10)
	w.records = len(entries)
	w.sizeBytes = size
	w.compactions++
	return nil
}

// liveEntriesLocked decodes the log and returns live entries ordered by ID,
// which is admission order.
func (w *FileWAL) liveEntriesLocked() ([]*domain.QueueEntry, error) {
	if err := w.writer.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byID := make(map[domain.EntryID]*domain.QueueEntry, len(w.live))
	err = readRecords(bufio.NewReader(f), func(kind recordKind, id domain.EntryID, payload []byte) error {
		switch kind {
		case kindPut:
			var e domain.QueueEntry
			if err := json.Unmarshal(payload, &e); err != nil {
				return fmt.Errorf("corrupt wal entry %d: %w", id, err)
			}
			e.ID = id
			byID[id] = &e
		case kindRemove:
			delete(byID, id)
		case kindSchedule:
			e, ok := byID[id]
			if !ok {
				return nil
			}
			var s schedulePayload
			if err := json.Unmarshal(payload, &s); err != nil {
				return fmt.Errorf("corrupt wal schedule %d: %w", id, err)
			}
			e.AttemptCount = s.AttemptCount
			e.NextAttemptAt = s.NextAttemptAt
		}
		return nil
	})
	if err != nil && !(w.opts.ReadOnly && errors.Is(err, errTornRecord)) {
		return nil, err
	}

	out := make([]*domain.QueueEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (w *FileWAL) persistWatermarkLocked() error {
	data := []byte(fmt.Sprintf("%d\n", w.nextID))
	tmp := w.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.metaPath)
}

var errTornRecord = errors.New("wal: torn record")

func readRecords(r *bufio.Reader, fn func(kind recordKind, id domain.EntryID, payload []byte) error) error {
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return errTornRecord
			}
			return fmt.Errorf("wal read header: %w", err)
		}
		kind := recordKind(hdr[0])
		id := domain.EntryID(binary.BigEndian.Uint64(hdr[1:9]))
		length := binary.BigEndian.Uint32(hdr[9:13])
		sum := binary.BigEndian.Uint32(hdr[13:17])

		if kind < kindPut || kind > kindSchedule {
			return errTornRecord
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errTornRecord
			}
			return fmt.Errorf("wal read body: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return errTornRecord
		}
		if err := fn(kind, id, payload); err != nil {
			return err
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var _ ports.EntryStore = (*FileWAL)(nil)
