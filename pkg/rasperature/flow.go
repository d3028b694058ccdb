package rasperature

import (
	"context"
	"fmt"
)

// Flow builds an EdgeRuntime in three steps: configuration, then the sensor
// side, then the delivery side.
//
//	flow, err := rasperature.Conf("config.yaml")
//	...
//	rt, err := flow.StreamIN(rasperature.StreamInSensor("cpu", cpuSensor)).
//		StreamOUT(rasperature.StreamOutCallback("stdout", print))
type Flow struct {
	cfg  *Config
	opts []EdgeRuntimeOption
}

type (
	FlowOption      func(*Flow)
	StreamInOption  func(*Flow)
	StreamOutOption func(*Flow)
)

// Conf loads and validates a device configuration file.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from a Config built in code. The config is not
// validated here; NewEdgeRuntime fills in defaults.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config exposes the device configuration, for adjusting thresholds or
// publisher limits before StreamOUT.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

func (f *Flow) Options(opts ...EdgeRuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// StreamIN overrides sensor drivers, the entry store backing the offline
// buffer, or observability.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT overrides the endpoint or dead-letter sink and builds the
// runtime. Nothing is polled or published until Run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*EdgeRuntime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewEdgeRuntime(f.cfg, f.opts...)
}

// Run builds the runtime and blocks until ctx is cancelled and the buffer is
// closed.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInSensor replaces the driver of a configured sensor, or adds a
// sensor of type "custom" when id is not in the config.
func StreamInSensor(id string, s Sensor) StreamInOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSensor(id, s))
		}
	}
}

// StreamInStore backs the offline buffer with s instead of buffer.backend.
func StreamInStore(s EntryStore) StreamInOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithEntryStore(s))
		}
	}
}

func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutEndpoint delivers batches to ep instead of the configured endpoint.
func StreamOutEndpoint(ep Endpoint) StreamOutOption {
	return func(f *Flow) {
		if f != nil && ep != nil {
			f.appendOptions(WithEndpoint(ep))
		}
	}
}

// StreamOutDeadLetter routes exhausted and rejected entries to dl. A nil dl
// only reports them.
func StreamOutDeadLetter(dl DeadLetter) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithDeadLetter(dl))
		}
	}
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutCallback delivers each batch of envelopes to fn. Returning an
// error retries the batch; wrap it with Permanent to dead-letter it instead.
func StreamOutCallback(name string, fn BatchHandler) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithEndpoint(NewCallbackEndpoint(name, fn)))
		}
	}
}

func (f *Flow) appendOptions(opts ...EdgeRuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
