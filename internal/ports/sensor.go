package ports

import "context"

// Sensor is the read capability exposed by a sensor driver. Implementations
// should honour ctx cancellation; the poller bounds every call with a timeout.
type Sensor interface {
	Read(ctx context.Context) (map[string]float64, error)
}

// SensorFunc adapts a plain function into a Sensor.
type SensorFunc func(ctx context.Context) (map[string]float64, error)

func (f SensorFunc) Read(ctx context.Context) (map[string]float64, error) { return f(ctx) }
