package bridge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTransportClosed is returned by Send once a transport has shut down.
	ErrTransportClosed = errors.New("bridge: transport closed")
	// ErrBackpressure is returned by Send when the outbound queue is full.
	// The message is dropped; Send never waits.
	ErrBackpressure = errors.New("bridge: transport send queue full")
)

// Message is one WebSocket frame.
type Message struct {
	Binary bool
	Data   []byte
}

// Transport is one bidirectional connection: a provider leg, an agent leg,
// or a monitor listener.
type Transport interface {
	// Send queues msg for writing without blocking.
	Send(msg Message) error
	// Messages delivers inbound frames in arrival order. It is closed when
	// the connection ends, after which Err reports why.
	Messages() <-chan Message
	// Err is nil when the peer closed cleanly or Close was called.
	Err() error
	Close() error
}

// Connector establishes a leg's transport. The session bounds every call
// with its connect timeout through ctx.
type Connector interface {
	Connect(ctx context.Context) (Transport, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Transport, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Transport, error) { return f(ctx) }

// prelude replays frames that were read before the transport was handed
// to a session, then continues with the underlying transport.
type prelude struct {
	Transport
	out  chan Message
	stop chan struct{}
	once sync.Once
}

// WithPrelude returns a transport whose Messages channel first yields msgs.
func WithPrelude(t Transport, msgs ...Message) Transport {
	if len(msgs) == 0 {
		return t
	}
	p := &prelude{Transport: t, out: make(chan Message, len(msgs)), stop: make(chan struct{})}
	go func() {
		defer close(p.out)
		for _, m := range msgs {
			select {
			case p.out <- m:
			case <-p.stop:
				return
			}
		}
		for m := range t.Messages() {
			select {
			case p.out <- m:
			case <-p.stop:
				return
			}
		}
	}()
	return p
}

func (p *prelude) Messages() <-chan Message { return p.out }

func (p *prelude) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.Transport.Close()
}

// Rendezvous is the provider-leg connector: the carrier dials us, so
// connecting means waiting for the HTTP handler to attach the carrier's
// media-stream socket for this call.
type Rendezvous struct {
	ch chan Transport
}

var ErrAttachPending = errors.New("bridge: a provider stream is already waiting to attach")

func NewRendezvous() *Rendezvous {
	return &Rendezvous{ch: make(chan Transport, 1)}
}

// Attach offers t to the next Connect call.
func (r *Rendezvous) Attach(t Transport) error {
	select {
	case r.ch <- t:
		return nil
	default:
		return ErrAttachPending
	}
}

// Connect waits for a carrier socket or for ctx to end.
func (r *Rendezvous) Connect(ctx context.Context) (Transport, error) {
	select {
	case t := <-r.ch:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discard closes a socket that was attached but never picked up.
func (r *Rendezvous) Discard() {
	select {
	case t := <-r.ch:
		t.Close()
	default:
	}
}
