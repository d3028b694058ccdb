package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

var errReadInProgress = errors.New("previous read still in progress")

// DeviceInfo is stamped on every reading.
type DeviceInfo struct {
	DeviceID   string
	CustomerID string
	Location   string
}

// SensorRegistration binds a sensor driver to its polling schedule.
type SensorRegistration struct {
	ID          string
	Type        string
	Interval    time.Duration
	ReadTimeout time.Duration
	Sensor      ports.Sensor
}

// Poller reads every registered sensor on its own interval. Sensors are polled
// independently; a hung driver only delays its own readings.
type Poller struct {
	device  DeviceInfo
	sensors []SensorRegistration
	obs     ports.Observability
	now     func() time.Time
}

func NewPoller(device DeviceInfo, sensors []SensorRegistration, obs ports.Observability) (*Poller, error) {
	seen := make(map[string]struct{}, len(sensors))
	for _, s := range sensors {
		if s.ID == "" {
			return nil, fmt.Errorf("sensor id is required")
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate sensor id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Interval <= 0 {
			return nil, fmt.Errorf("sensor %s: interval must be > 0", s.ID)
		}
		if s.Sensor == nil {
			return nil, fmt.Errorf("sensor %s: driver is nil", s.ID)
		}
	}
	return &Poller{device: device, sensors: sensors, obs: obs, now: time.Now}, nil
}

// Run polls until ctx is cancelled. emit is called from the sensor's own
// goroutine, in capture order for that sensor.
func (p *Poller) Run(ctx context.Context, emit func(*domain.Reading)) {
	var wg sync.WaitGroup
	for _, reg := range p.sensors {
		wg.Add(1)
		go func(reg SensorRegistration) {
			defer wg.Done()
			p.runSensor(ctx, reg, emit)
		}(reg)
	}
	wg.Wait()
}

type readResult struct {
	values map[string]float64
	err    error
}

type sensorState struct {
	consecutiveErrors int
	lastTimestamp     time.Time
	// outstanding is non-nil while a timed-out read has not returned yet.
	outstanding chan readResult
}

func (p *Poller) runSensor(ctx context.Context, reg SensorRegistration, emit func(*domain.Reading)) {
	var st sensorState

	ticker := time.NewTicker(reg.Interval)
	defer ticker.Stop()

	p.poll(ctx, reg, &st, emit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, reg, &st, emit)
		}
	}
}

func (p *Poller) poll(ctx context.Context, reg SensorRegistration, st *sensorState, emit func(*domain.Reading)) {
	if ctx.Err() != nil {
		return
	}
	if st.outstanding != nil {
		select {
		case <-st.outstanding:
			st.outstanding = nil
		default:
			emit(p.reading(reg, st, nil, errReadInProgress))
			return
		}
	}

	readCtx := ctx
	cancel := func() {}
	if reg.ReadTimeout > 0 {
		readCtx, cancel = context.WithTimeout(ctx, reg.ReadTimeout)
	}
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		values, err := reg.Sensor.Read(readCtx)
		done <- readResult{values: values, err: err}
	}()

	select {
	case res := <-done:
		emit(p.reading(reg, st, res.values, res.err))
	case <-readCtx.Done():
		st.outstanding = done
		if ctx.Err() != nil {
			return
		}
		emit(p.reading(reg, st, nil, fmt.Errorf("read timed out after %s", reg.ReadTimeout)))
	}
}

func (p *Poller) reading(reg SensorRegistration, st *sensorState, values map[string]float64, err error) *domain.Reading {
	ts := p.now().UTC()
	if !ts.After(st.lastTimestamp) {
		ts = st.lastTimestamp.Add(time.Nanosecond)
	}
	st.lastTimestamp = ts

	r := &domain.Reading{
		SensorID:   reg.ID,
		SensorType: reg.Type,
		DeviceID:   p.device.DeviceID,
		CustomerID: p.device.CustomerID,
		Location:   p.device.Location,
		Timestamp:  ts,
	}

	if p.obs != nil {
		p.obs.IncCounter(ports.MetricReadingsPolled, 1)
	}

	if err == nil {
		err = domain.CheckFinite(values)
	}
	if err != nil {
		st.consecutiveErrors++
		readErr := &ports.SensorReadError{SensorID: reg.ID, Err: err}
		r.Status = domain.StatusError
		r.ErrorMessage = err.Error()
		r.ConsecutiveErrors = st.consecutiveErrors
		if p.obs != nil {
			p.obs.IncCounter(ports.MetricSensorReadErrors, 1)
			p.obs.LogError("sensor_read_failed", readErr,
				ports.Field{Key: "sensor_id", Value: reg.ID},
				ports.Field{Key: "consecutive_errors", Value: st.consecutiveErrors})
		}
		return r
	}

	st.consecutiveErrors = 0
	r.Status = domain.StatusOK
	r.Values = domain.CopyValues(values)
	return r
}
