package pipeline

import (
	"context"
	"errors"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// RunEdgePipeline polls sensors, filters each reading in line and hands the
// forwarded ones to the buffer through a bounded channel. It returns once ctx
// is cancelled and every reading already accepted by the channel has been
// admitted.
func RunEdgePipeline(ctx context.Context, poller *Poller, filter *Filter, buf ports.Buffer, queueLen int, obs ports.Observability) {
	if queueLen <= 0 {
		queueLen = 1
	}
	ch := make(chan *domain.Reading, queueLen)

	admitted := make(chan struct{})
	go func() {
		defer close(admitted)
		for r := range ch {
			admit(buf, r, obs)
		}
	}()

	poller.Run(ctx, func(r *domain.Reading) {
		if filter.Forward(r) {
			ch <- r
		}
	})
	close(ch)
	<-admitted
}

// admit enqueues r. Failures are reported and never stop the pipeline.
func admit(buf ports.Buffer, r *domain.Reading, obs ports.Observability) {
	if _, err := buf.Enqueue(r); err != nil {
		if errors.Is(err, ports.ErrBufferClosed) {
			obs.LogError("buffer_closed_drop", err, ports.Field{Key: "sensor_id", Value: r.SensorID})
		} else {
			obs.LogCritical("buffer_enqueue_failed", err, ports.Field{Key: "sensor_id", Value: r.SensorID})
		}
		return
	}
	obs.IncCounter(ports.MetricBufferAdmitted, 1)
	obs.SetGauge(ports.MetricBufferLength, float64(buf.Len()))
	obs.SetGauge(ports.MetricStoreSizeBytes, float64(buf.Stats().Store.SizeBytes))
}

// Admit runs r through filter and buffer synchronously. It serves producers
// outside the poller, such as embedded applications.
func Admit(filter *Filter, buf ports.Buffer, r *domain.Reading, obs ports.Observability) (forwarded bool, err error) {
	if !filter.Forward(r) {
		return false, nil
	}
	if _, err := buf.Enqueue(r); err != nil {
		return true, err
	}
	obs.IncCounter(ports.MetricBufferAdmitted, 1)
	obs.SetGauge(ports.MetricBufferLength, float64(buf.Len()))
	return true, nil
}
