package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// PublisherConfig bounds batching, retries and concurrency.
type PublisherConfig struct {
	MaxBatchSize   int
	MaxBatchWait   time.Duration
	MaxRetries     int
	Backoff        Backoff
	AttemptTimeout time.Duration
	ShutdownGrace  time.Duration
	Concurrency    int
}

func (c PublisherConfig) validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0")
	}
	if c.MaxBatchWait <= 0 {
		return fmt.Errorf("max_batch_wait must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be > 0")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	return nil
}

// PublisherStats is a snapshot of delivery counters.
type PublisherStats struct {
	Batches      uint64    `json:"batches"`
	Delivered    uint64    `json:"delivered"`
	Failures     uint64    `json:"failures"`
	Retried      uint64    `json:"retried"`
	DeadLettered uint64    `json:"dead_lettered"`
	InFlight     int64     `json:"in_flight_batches"`
	LastBatchAt  time.Time `json:"last_batch_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// Publisher drains the buffer into batches and resolves every entry to
// delivered, pending (retry later) or dead-lettered.
type Publisher struct {
	cfg      PublisherConfig
	buf      ports.Buffer
	endpoint ports.Endpoint
	dlq      ports.DeadLetter
	obs      ports.Observability
	sem      *semaphore.Weighted
	now      func() time.Time

	inFlight atomic.Int64

	mu    sync.Mutex
	stats PublisherStats
}

// NewPublisher wires a publisher. dlq may be nil, in which case dead-lettered
// entries are only reported through obs.
func NewPublisher(cfg PublisherConfig, buf ports.Buffer, endpoint ports.Endpoint, dlq ports.DeadLetter, obs ports.Observability) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if buf == nil || endpoint == nil || obs == nil {
		return nil, fmt.Errorf("buffer, endpoint and observability are required")
	}
	return &Publisher{
		cfg:      cfg,
		buf:      buf,
		endpoint: endpoint,
		dlq:      dlq,
		obs:      obs,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
	}, nil
}

// Run dispatches batches until ctx is cancelled, then gives in-flight attempts
// ShutdownGrace to finish. Aborted attempts leave their entries pending.
func (p *Publisher) Run(ctx context.Context) error {
	attemptCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	var wg sync.WaitGroup
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		batch := p.assemble(ctx)
		if len(batch) == 0 {
			p.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		wg.Add(1)
		p.setInFlight(1)
		go func(batch []*domain.QueueEntry) {
			defer wg.Done()
			defer p.sem.Release(1)
			defer p.setInFlight(-1)
			p.attempt(attemptCtx, batch)
		}(batch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		p.obs.LogInfo("publisher_grace_expired", ports.Field{Key: "in_flight", Value: p.inFlight.Load()})
		abort()
		<-done
	}
	return nil
}

// assemble pulls entries until MaxBatchSize is reached or MaxBatchWait has
// passed since the first entry was pulled. On cancellation the partial batch
// is released untouched.
func (p *Publisher) assemble(ctx context.Context) []*domain.QueueEntry {
	var (
		batch    []*domain.QueueEntry
		deadline <-chan time.Time
	)
	for {
		got := p.buf.Pull(p.cfg.MaxBatchSize-len(batch), p.now())
		if len(got) > 0 {
			if len(batch) == 0 {
				t := time.NewTimer(p.cfg.MaxBatchWait)
				defer t.Stop()
				deadline = t.C
			}
			batch = append(batch, got...)
		}
		if len(batch) >= p.cfg.MaxBatchSize {
			return batch
		}

		var (
			wakeTimer *time.Timer
			wake      <-chan time.Time
		)
		if due, ok := p.buf.NextDue(p.now()); ok {
			wakeTimer = time.NewTimer(time.Until(due))
			wake = wakeTimer.C
		}

		var (
			out  []*domain.QueueEntry
			done bool
		)
		select {
		case <-ctx.Done():
			p.buf.Release(entryIDs(batch)...)
			done = true
		case <-deadline:
			out, done = batch, true
		case <-p.buf.Ready():
		case <-wake:
		}
		if wakeTimer != nil {
			wakeTimer.Stop()
		}
		if done {
			return out
		}
	}
}

func (p *Publisher) attempt(ctx context.Context, batch []*domain.QueueEntry) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	start := time.Now()
	err := p.endpoint.Publish(actx, batch)
	cancel()

	p.obs.ObserveLatency(ports.MetricPublishLatency, time.Since(start).Seconds())
	p.obs.ObserveLatency(ports.MetricBatchSize, float64(len(batch)))
	p.record(func(s *PublisherStats) {
		s.Batches++
		s.LastBatchAt = p.now()
	})

	if err == nil {
		p.delivered(batch)
		return
	}
	if ctx.Err() != nil {
		// shutdown aborted the attempt; it does not count
		p.buf.Release(entryIDs(batch)...)
		return
	}

	p.obs.IncCounter(ports.MetricPublishFailures, 1)
	p.obs.LogError("publish_failed", err,
		ports.Field{Key: "endpoint", Value: p.endpoint.Name()},
		ports.Field{Key: "batch_size", Value: len(batch)})
	p.record(func(s *PublisherStats) {
		s.Failures++
		s.LastError = err.Error()
	})

	var be *ports.BatchError
	if errors.As(err, &be) {
		ok := make([]*domain.QueueEntry, 0, len(batch))
		var failed []*domain.QueueEntry
		for _, e := range batch {
			if _, bad := be.Failed[e.ID]; bad {
				failed = append(failed, e)
			} else {
				ok = append(ok, e)
			}
		}
		p.delivered(ok)
		p.failed(ctx, failed, func(e *domain.QueueEntry) error { return be.Failed[e.ID] })
		return
	}
	p.failed(ctx, batch, func(*domain.QueueEntry) error { return err })
}

func (p *Publisher) delivered(entries []*domain.QueueEntry) {
	if len(entries) == 0 {
		return
	}
	if err := p.buf.Remove(entryIDs(entries)...); err != nil {
		p.obs.LogCritical("buffer_remove_failed", err, ports.Field{Key: "entries", Value: len(entries)})
	}
	p.obs.IncCounter(ports.MetricEntriesDelivered, float64(len(entries)))
	p.record(func(s *PublisherStats) { s.Delivered += uint64(len(entries)) })
}

// failed schedules a retry for each entry or dead-letters it when the error is
// permanent or its retries are exhausted.
func (p *Publisher) failed(ctx context.Context, entries []*domain.QueueEntry, reason func(*domain.QueueEntry) error) {
	now := p.now()
	var retries []ports.ScheduleUpdate
	for _, e := range entries {
		err := reason(e)
		attempts := e.AttemptCount + 1
		if ports.IsPermanent(err) || attempts > p.cfg.MaxRetries {
			if !ports.IsPermanent(err) {
				err = fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
			}
			p.deadLetter(ctx, []*domain.QueueEntry{e}, err)
			continue
		}
		retries = append(retries, ports.ScheduleUpdate{
			ID:            e.ID,
			AttemptCount:  attempts,
			NextAttemptAt: now.Add(p.cfg.Backoff.Delay(attempts)),
		})
	}
	if len(retries) == 0 {
		return
	}
	if err := p.buf.Retry(retries...); err != nil {
		p.obs.LogCritical("buffer_retry_persist_failed", err, ports.Field{Key: "entries", Value: len(retries)})
	}
	p.obs.IncCounter(ports.MetricEntriesRetried, float64(len(retries)))
	p.record(func(s *PublisherStats) { s.Retried += uint64(len(retries)) })
}

// deadLetter reports entries and removes them from the buffer. A failing
// dead-letter sink does not keep them in the buffer.
func (p *Publisher) deadLetter(ctx context.Context, entries []*domain.QueueEntry, reason error) {
	if p.dlq != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
		err := p.dlq.Route(dctx, entries, reason)
		cancel()
		if err != nil {
			for _, e := range entries {
				p.obs.LogCritical("dead_letter_route_failed", err,
					ports.Field{Key: "idempotency_key", Value: e.IdempotencyKey},
					ports.Field{Key: "envelope", Value: e.Envelope()})
			}
		}
	}
	for _, e := range entries {
		p.obs.RecordDLQ(e, reason)
	}
	if err := p.buf.Remove(entryIDs(entries)...); err != nil {
		p.obs.LogCritical("buffer_remove_failed", err, ports.Field{Key: "entries", Value: len(entries)})
	}
	p.record(func(s *PublisherStats) { s.DeadLettered += uint64(len(entries)) })
}

func (p *Publisher) setInFlight(delta int64) {
	p.obs.SetGauge(ports.MetricInFlightBatches, float64(p.inFlight.Add(delta)))
}

func (p *Publisher) record(fn func(*PublisherStats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// Stats returns a copy of the delivery counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.InFlight = p.inFlight.Load()
	return s
}

func entryIDs(entries []*domain.QueueEntry) []domain.EntryID {
	ids := make([]domain.EntryID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
