package rasperature

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benschg/rasperature/internal/domain"
)

// ErrChannelEndpointClosed is returned when a channel endpoint is published to
// after being closed.
var ErrChannelEndpointClosed = errors.New("rasperature: channel endpoint closed")

// BatchHandler receives the envelopes of one batch. Returning an error fails
// the whole batch; wrap it with Permanent to skip retries.
type BatchHandler func(ctx context.Context, batch []Envelope) error

// NewCallbackEndpoint adapts a BatchHandler into an Endpoint so callers can
// plug arbitrary functions without defining structs.
func NewCallbackEndpoint(name string, fn BatchHandler) Endpoint {
	if name == "" {
		name = "callback"
	}
	return &callbackEndpoint{name: name, fn: fn}
}

// NewChannelEndpoint exposes batches via a channel; it returns the endpoint,
// the read-only channel, and a close function that the caller should invoke
// during shutdown. A batch counts as delivered once it is received from the
// channel.
func NewChannelEndpoint(name string, buffer int) (Endpoint, <-chan []Envelope, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Envelope, buffer)
	e := &channelEndpoint{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return e, ch, func() { e.close() }
}

type callbackEndpoint struct {
	name string
	fn   BatchHandler
}

func (e *callbackEndpoint) Publish(ctx context.Context, batch []*QueueEntry) error {
	if e.fn == nil {
		return Permanent(fmt.Errorf("callback endpoint %q: nil handler", e.name))
	}
	if len(batch) == 0 {
		return nil
	}
	return e.fn(ctx, domain.Envelopes(batch))
}

func (e *callbackEndpoint) Name() string { return e.name }

type channelEndpoint struct {
	name   string
	mu     sync.RWMutex
	ch     chan []Envelope
	closed chan struct{}
	once   sync.Once
}

func (e *channelEndpoint) Publish(ctx context.Context, batch []*QueueEntry) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	select {
	case <-e.closed:
		return ErrChannelEndpointClosed
	default:
	}

	if len(batch) == 0 {
		return nil
	}

	select {
	case <-e.closed:
		return ErrChannelEndpointClosed
	case <-ctx.Done():
		return Transient(ctx.Err())
	case e.ch <- domain.Envelopes(batch):
		return nil
	}
}

func (e *channelEndpoint) Name() string { return e.name }

func (e *channelEndpoint) close() {
	e.once.Do(func() {
		close(e.closed)
		// wait for senders blocked on ch to observe closed
		e.mu.Lock()
		close(e.ch)
		e.mu.Unlock()
	})
}
