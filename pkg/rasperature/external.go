package rasperature

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/app/config"
	"github.com/benschg/rasperature/internal/app/pipeline"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// Sample is a reading captured outside the poller. A non-nil Err produces an
// error-status reading.
type Sample struct {
	SensorID   string
	SensorType string
	Timestamp  time.Time
	Values     map[string]float64
	Err        error
}

// ExternalPublisher lets callers push their own readings through the
// downsample filter into the durable buffer, reusing the runtime's
// durability and retry policies.
type ExternalPublisher struct {
	device config.DeviceConfig
	filter *pipeline.Filter
	buf    ports.Buffer
	obs    ports.Observability
	now    func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	errors map[string]int

	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
}

func newExternalPublisher(device config.DeviceConfig, filter *pipeline.Filter, buf ports.Buffer, obs ports.Observability) *ExternalPublisher {
	return &ExternalPublisher{
		device: device,
		filter: filter,
		buf:    buf,
		obs:    obs,
		now:    time.Now,
		last:   make(map[string]time.Time),
		errors: make(map[string]int),
	}
}

// NewExternalPublisher starts a runtime dedicated to external producers: the
// configured buffer, endpoint and dead-letter sink, and whatever sensors cfg
// or opts declare. Close stops it.
func NewExternalPublisher(cfg *Config, opts ...EdgeRuntimeOption) (*ExternalPublisher, error) {
	rt, err := NewEdgeRuntime(cfg, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := rt.ExternalPublisher()
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- rt.Run(ctx)
	}()
	return p, nil
}

// Publish stamps device metadata on s and admits it if the filter forwards
// it. Timestamps are made strictly increasing per sensor.
func (p *ExternalPublisher) Publish(s Sample) (forwarded bool, err error) {
	if s.SensorID == "" {
		return false, fmt.Errorf("sensor id is required")
	}

	p.mu.Lock()
	ts := s.Timestamp.UTC()
	if s.Timestamp.IsZero() {
		ts = p.now().UTC()
	}
	if last, ok := p.last[s.SensorID]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	p.last[s.SensorID] = ts

	r := &domain.Reading{
		SensorID:   s.SensorID,
		SensorType: s.SensorType,
		DeviceID:   p.device.ID,
		CustomerID: p.device.CustomerID,
		Location:   p.device.Location,
		Timestamp:  ts,
	}
	readErr := s.Err
	if readErr == nil {
		readErr = domain.CheckFinite(s.Values)
	}
	if readErr != nil {
		p.errors[s.SensorID]++
		r.Status = domain.StatusError
		r.ErrorMessage = readErr.Error()
		r.ConsecutiveErrors = p.errors[s.SensorID]
	} else {
		p.errors[s.SensorID] = 0
		r.Status = domain.StatusOK
		r.Values = domain.CopyValues(s.Values)
	}
	p.mu.Unlock()

	return pipeline.Admit(p.filter, p.buf, r, p.obs)
}

// Close stops a publisher created by NewExternalPublisher and waits for its
// runtime to flush, respecting ctx. It is a no-op for publishers obtained
// from EdgeRuntime.ExternalPublisher.
func (p *ExternalPublisher) Close(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.closeOnce.Do(p.cancel)

	select {
	case err := <-p.done:
		p.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
