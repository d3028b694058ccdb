package rasperature

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/benschg/rasperature/pkg/rasperature"
)

// Re-exported errors for convenience.
var (
	ErrBufferClosed          = base.ErrBufferClosed
	ErrChannelEndpointClosed = base.ErrChannelEndpointClosed
)

// Type aliases so consumers can import github.com/benschg/rasperature directly.
type (
	Config            = base.Config
	DeviceConfig      = base.DeviceConfig
	SensorConfig      = base.SensorConfig
	BufferConfig      = base.BufferConfig
	PublisherConfig   = base.PublisherConfig
	EndpointConfig    = base.EndpointConfig
	DeadLetterConfig  = base.DeadLetterConfig
	MetricsConfig     = base.MetricsConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	EdgeRuntime       = base.EdgeRuntime
	EdgeRuntimeOption = base.EdgeRuntimeOption
	RuntimeStats      = base.RuntimeStats
	Reading           = base.Reading
	QueueEntry        = base.QueueEntry
	Envelope          = base.Envelope
	Sample            = base.Sample
	BatchHandler      = base.BatchHandler
	Sensor            = base.Sensor
	SensorFunc        = base.SensorFunc
	Endpoint          = base.Endpoint
	DeadLetter        = base.DeadLetter
	EntryStore        = base.EntryStore
	Observability     = base.Observability
	ExternalPublisher = base.ExternalPublisher
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func OpenEntryStore(cfg BufferConfig) (EntryStore, error) {
	return base.OpenEntryStore(cfg)
}

func InspectEntryStore(cfg BufferConfig) (EntryStore, error) {
	return base.InspectEntryStore(cfg)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSensor(id string, s Sensor) StreamInOption {
	return base.StreamInSensor(id, s)
}

func StreamInStore(s EntryStore) StreamInOption {
	return base.StreamInStore(s)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutEndpoint(ep Endpoint) StreamOutOption {
	return base.StreamOutEndpoint(ep)
}

func StreamOutDeadLetter(dl DeadLetter) StreamOutOption {
	return base.StreamOutDeadLetter(dl)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn BatchHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Edge runtime and options.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (*EdgeRuntime, error) {
	return base.NewEdgeRuntime(cfg, opts...)
}

func WithEndpoint(ep Endpoint) EdgeRuntimeOption {
	return base.WithEndpoint(ep)
}

func WithDeadLetter(dl DeadLetter) EdgeRuntimeOption {
	return base.WithDeadLetter(dl)
}

func WithEntryStore(s EntryStore) EdgeRuntimeOption {
	return base.WithEntryStore(s)
}

func WithObservability(obs Observability) EdgeRuntimeOption {
	return base.WithObservability(obs)
}

func WithLogger(l *slog.Logger) EdgeRuntimeOption {
	return base.WithLogger(l)
}

func WithRegistry(reg *prometheus.Registry) EdgeRuntimeOption {
	return base.WithRegistry(reg)
}

func WithSensor(id string, s Sensor) EdgeRuntimeOption {
	return base.WithSensor(id, s)
}

// Endpoint adapters.
func NewCallbackEndpoint(name string, fn BatchHandler) Endpoint {
	return base.NewCallbackEndpoint(name, fn)
}

func NewChannelEndpoint(name string, buffer int) (Endpoint, <-chan []Envelope, func()) {
	return base.NewChannelEndpoint(name, buffer)
}

// Error classification for custom endpoints.
func Transient(err error) error  { return base.Transient(err) }
func Permanent(err error) error  { return base.Permanent(err) }
func IsPermanent(err error) bool { return base.IsPermanent(err) }

// External publisher.
func NewExternalPublisher(cfg *Config, opts ...EdgeRuntimeOption) (*ExternalPublisher, error) {
	return base.NewExternalPublisher(cfg, opts...)
}
