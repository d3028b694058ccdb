package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benschg/rasperature/internal/adapters/queue"
	"github.com/benschg/rasperature/internal/adapters/wal"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// fakeEndpoint records every batch and deduplicates by idempotency key the
// way the ingestion side does.
type fakeEndpoint struct {
	mu      sync.Mutex
	batches [][]string
	seen    map[string]int
	fn      func(ctx context.Context, batch []*domain.QueueEntry) error
}

func newFakeEndpoint(fn func(ctx context.Context, batch []*domain.QueueEntry) error) *fakeEndpoint {
	return &fakeEndpoint{seen: map[string]int{}, fn: fn}
}

func (f *fakeEndpoint) Name() string { return "fake" }

func (f *fakeEndpoint) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	var err error
	if f.fn != nil {
		err = f.fn(ctx, batch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(batch))
	for i, e := range batch {
		keys[i] = e.IdempotencyKey
		if err == nil {
			f.seen[e.IdempotencyKey]++
		}
	}
	f.batches = append(f.batches, keys)
	return err
}

func (f *fakeEndpoint) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeEndpoint) batch(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func (f *fakeEndpoint) unique() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type fakeDLQ struct {
	mu      sync.Mutex
	keys    []string
	reasons []error
	err     error
}

func (d *fakeDLQ) Route(_ context.Context, entries []*domain.QueueEntry, reason error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.keys = append(d.keys, e.IdempotencyKey)
		d.reasons = append(d.reasons, reason)
	}
	return d.err
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

type retryRecord struct {
	update ports.ScheduleUpdate
	at     time.Time
}

// retrySpy records schedule updates on their way into the buffer.
type retrySpy struct {
	ports.Buffer
	mu      sync.Mutex
	records []retryRecord
}

func (s *retrySpy) Retry(updates ...ports.ScheduleUpdate) error {
	now := time.Now()
	s.mu.Lock()
	for _, u := range updates {
		s.records = append(s.records, retryRecord{update: u, at: now})
	}
	s.mu.Unlock()
	return s.Buffer.Retry(updates...)
}

func (s *retrySpy) snapshot() []retryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]retryRecord(nil), s.records...)
}

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MaxBatchSize:   5,
		MaxBatchWait:   2 * time.Second,
		MaxRetries:     3,
		Backoff:        Backoff{Base: 10 * time.Millisecond, Ceiling: 40 * time.Millisecond, Rand: func() float64 { return 0 }},
		AttemptTimeout: time.Second,
		ShutdownGrace:  time.Second,
		Concurrency:    2,
	}
}

func enqueueN(t *testing.T, buf ports.Buffer, sensor string, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		e, err := buf.Enqueue(&domain.Reading{
			SensorID:  sensor,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Values:    map[string]float64{"temperature": float64(i)},
			Status:    domain.StatusOK,
		})
		require.NoError(t, err)
		keys[i] = e.IdempotencyKey
	}
	return keys
}

func startPublisher(t *testing.T, p *Publisher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestPublisherFullBatchSendsImmediately(t *testing.T) {
	buf := newTestQueue(t, 100)
	keys := enqueueN(t, buf, "s1", 5)
	ep := newFakeEndpoint(nil)

	p, err := NewPublisher(testPublisherConfig(), buf, ep, nil, newRecordingObs())
	require.NoError(t, err)

	start := time.Now()
	startPublisher(t, p)
	require.Eventually(t, func() bool { return ep.calls() == 1 }, time.Second, time.Millisecond)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, keys, ep.batch(0))
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(5), p.Stats().Delivered)
}

func TestPublisherPartialBatchFlushesAfterWait(t *testing.T) {
	buf := newTestQueue(t, 100)
	keys := enqueueN(t, buf, "s1", 2)
	ep := newFakeEndpoint(nil)

	cfg := testPublisherConfig()
	cfg.MaxBatchWait = 150 * time.Millisecond
	p, err := NewPublisher(cfg, buf, ep, nil, newRecordingObs())
	require.NoError(t, err)

	start := time.Now()
	startPublisher(t, p)
	require.Eventually(t, func() bool { return ep.calls() == 1 }, 2*time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), cfg.MaxBatchWait)
	assert.Equal(t, keys, ep.batch(0))
}

func TestPublisherBoundsBatchesInFlight(t *testing.T) {
	buf := newTestQueue(t, 100)
	enqueueN(t, buf, "s1", 12)

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	ep := newFakeEndpoint(func(context.Context, []*domain.QueueEntry) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	cfg := testPublisherConfig()
	cfg.Concurrency = 3
	cfg.MaxBatchSize = 2
	p, err := NewPublisher(cfg, buf, ep, nil, newRecordingObs())
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return buf.Len() == 0 }, 3*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, ep.calls())
	assert.LessOrEqual(t, peak, 3)
	assert.Greater(t, peak, 1, "batches should overlap up to the concurrency limit")
}

func TestPublisherTransientRetriesWithBackoffThenDeadLetters(t *testing.T) {
	spy := &retrySpy{Buffer: newTestQueue(t, 100)}
	keys := enqueueN(t, spy, "s1", 1)
	ep := newFakeEndpoint(func(context.Context, []*domain.QueueEntry) error {
		return errors.New("connection refused")
	})
	dlq := &fakeDLQ{}
	obs := newRecordingObs()

	cfg := testPublisherConfig()
	cfg.MaxBatchSize = 1
	p, err := NewPublisher(cfg, spy, ep, dlq, obs)
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return dlq.count() == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return spy.Len() == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, cfg.MaxRetries+1, ep.calls())
	assert.Equal(t, keys, dlq.keys)
	assert.Equal(t, 1, obs.dlqCount())

	records := spy.snapshot()
	require.Len(t, records, cfg.MaxRetries)
	for i, rec := range records {
		n := i + 1
		assert.Equal(t, n, rec.update.AttemptCount)
		want := cfg.Backoff.Delay(n)
		got := rec.update.NextAttemptAt.Sub(rec.at)
		assert.InDelta(t, float64(want), float64(got), float64(5*time.Millisecond), "delay for retry %d", n)
	}

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, cfg.MaxRetries+1, ep.calls(), "dead-lettered entries are never retried")
}

func TestPublisherPermanentFailureDeadLettersImmediately(t *testing.T) {
	buf := newTestQueue(t, 100)
	enqueueN(t, buf, "s1", 3)
	ep := newFakeEndpoint(func(context.Context, []*domain.QueueEntry) error {
		return ports.Permanent(errors.New("schema rejected"))
	})
	dlq := &fakeDLQ{}

	cfg := testPublisherConfig()
	cfg.MaxBatchSize = 3
	p, err := NewPublisher(cfg, buf, ep, dlq, newRecordingObs())
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return dlq.count() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, ep.calls())
	assert.True(t, ports.IsPermanent(dlq.reasons[0]))
	assert.Zero(t, p.Stats().Retried)
}

func TestPublisherHandlesPerEntryOutcomes(t *testing.T) {
	buf := newTestQueue(t, 100)
	keys := enqueueN(t, buf, "s1", 3)
	ep := newFakeEndpoint(func(_ context.Context, batch []*domain.QueueEntry) error {
		return ports.NewBatchError(map[domain.EntryID]error{
			batch[1].ID: ports.Permanent(errors.New("value out of range")),
		})
	})
	dlq := &fakeDLQ{}

	cfg := testPublisherConfig()
	cfg.MaxBatchSize = 3
	p, err := NewPublisher(cfg, buf, ep, dlq, newRecordingObs())
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{keys[1]}, dlq.keys)
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.DeadLettered)
}

func TestPublisherRemovesEntriesWhenDeadLetterSinkFails(t *testing.T) {
	buf := newTestQueue(t, 100)
	enqueueN(t, buf, "s1", 1)
	ep := newFakeEndpoint(func(context.Context, []*domain.QueueEntry) error {
		return ports.Permanent(errors.New("payload too large"))
	})
	obs := newRecordingObs()

	cfg := testPublisherConfig()
	cfg.MaxBatchWait = 10 * time.Millisecond
	p, err := NewPublisher(cfg, buf, ep, &fakeDLQ{err: errors.New("dlq down")}, obs)
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, obs.dlqCount())
	assert.Equal(t, 1, obs.criticalCount())
}

func TestPublisherRetryDoesNotBlockLaterEntries(t *testing.T) {
	buf := newTestQueue(t, 100)
	keys := enqueueN(t, buf, "s1", 6)
	poison := keys[0]

	ep := newFakeEndpoint(func(_ context.Context, batch []*domain.QueueEntry) error {
		for _, e := range batch {
			if e.IdempotencyKey == poison {
				return errors.New("gateway timeout")
			}
		}
		return nil
	})

	cfg := testPublisherConfig()
	cfg.MaxBatchSize = 1
	cfg.Backoff = Backoff{Base: time.Hour, Ceiling: time.Hour}
	p, err := NewPublisher(cfg, buf, ep, nil, newRecordingObs())
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool {
		snap := buf.Snapshot()
		return len(snap) == 1 && snap[0].AttemptCount == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 5, ep.unique())
	remaining := buf.Snapshot()
	assert.Equal(t, poison, remaining[0].IdempotencyKey)
	assert.Equal(t, 1, remaining[0].AttemptCount)
}

func TestPublisherRedeliversAfterCrashExactlyOncePerKey(t *testing.T) {
	dir := t.TempDir()
	ep := newFakeEndpoint(nil)

	store, err := wal.NewFileWAL(dir, wal.Options{SyncWrites: true})
	require.NoError(t, err)
	before, err := queue.NewDurableQueue(store, 100)
	require.NoError(t, err)
	keys := enqueueN(t, before, "s1", 6)

	// delivered but never acknowledged: the process dies before Remove
	inFlight := before.Pull(2, time.Now())
	require.NoError(t, ep.Publish(context.Background(), inFlight))

	store2, err := wal.NewFileWAL(dir, wal.Options{SyncWrites: true})
	require.NoError(t, err)
	after, err := queue.NewDurableQueue(store2, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = after.Close() })
	require.Equal(t, len(keys), after.Len())

	cfg := testPublisherConfig()
	cfg.MaxBatchWait = 10 * time.Millisecond
	p, err := NewPublisher(cfg, after, ep, nil, newRecordingObs())
	require.NoError(t, err)

	startPublisher(t, p)
	require.Eventually(t, func() bool { return after.Len() == 0 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, len(keys), ep.unique())
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, k := range keys {
		assert.GreaterOrEqual(t, ep.seen[k], 1, "key %s never delivered", k)
	}
	assert.Equal(t, 2, ep.seen[keys[0]])
}

func TestPublisherShutdownLeavesAbortedEntriesPending(t *testing.T) {
	buf := newTestQueue(t, 100)
	enqueueN(t, buf, "s1", 3)

	started := make(chan struct{}, 1)
	ep := newFakeEndpoint(func(ctx context.Context, _ []*domain.QueueEntry) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testPublisherConfig()
	cfg.MaxBatchSize = 3
	cfg.AttemptTimeout = time.Minute
	cfg.ShutdownGrace = 20 * time.Millisecond
	p, err := NewPublisher(cfg, buf, ep, nil, newRecordingObs())
	require.NoError(t, err)

	stop := startPublisher(t, p)
	<-started
	stop()

	assert.Equal(t, 3, buf.Len())
	stats := buf.Stats()
	assert.Equal(t, 0, stats.InFlight)
	for _, e := range buf.Snapshot() {
		assert.Zero(t, e.AttemptCount, "aborted attempts are not counted")
	}
	assert.Zero(t, p.Stats().Failures)
}

func TestNewPublisherValidatesConfig(t *testing.T) {
	buf := newTestQueue(t, 10)
	cases := []func(*PublisherConfig){
		func(c *PublisherConfig) { c.MaxBatchSize = 0 },
		func(c *PublisherConfig) { c.MaxBatchWait = 0 },
		func(c *PublisherConfig) { c.MaxRetries = -1 },
		func(c *PublisherConfig) { c.AttemptTimeout = 0 },
		func(c *PublisherConfig) { c.Concurrency = 0 },
	}
	for i, mutate := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			cfg := testPublisherConfig()
			mutate(&cfg)
			_, err := NewPublisher(cfg, buf, newFakeEndpoint(nil), nil, newRecordingObs())
			assert.Error(t, err)
		})
	}
}
