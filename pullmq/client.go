// Package pullmq implements a flow-controlled streaming-pull subscriber
// client. A subscription session pulls message batches off a transport
// stream, bounds the number of deliveries in flight, dispatches each to a
// user handler on a worker pool, acks completed deliveries and renews leases
// for everything still outstanding. Handler failures, unrecoverable transport
// errors and cancellation all resolve a single per-session future.
package pullmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pullmq/pullmq-go/transport"
)

// Handler processes a single delivery. Returning an error (or panicking)
// fails the whole session: the delivery is not acked and the error surfaces
// through the subscription's future.
type Handler func(ctx context.Context, m *Message) error

type Client struct {
	t transport.Transport

	l           *slog.Logger
	ackDeadline time.Duration
	backoff     ReconnectBackoff

	mu      sync.Mutex
	futures []*SubscribeFuture
	closed  atomic.Bool
}

// New builds a client on top of the given transport. There is no ambient
// global client; construct one per transport/configuration.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		t:           t,
		l:           slog.Default(),
		ackDeadline: DefaultAckDeadline,
		backoff:     defaultBackoff(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens a streaming-pull session and returns immediately. The
// returned future resolves when the session terminates: nil after Cancel,
// the propagated error after a handler or transport failure. The session
// also shuts down gracefully when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, subscription string, handler Handler, opts ...SubscribeOption) (*SubscribeFuture, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if subscription == "" {
		return nil, ErrEmptySubscription
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	s, err := newSession(ctx, c, subscription, handler, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.futures = append(c.futures, s.future)
	c.mu.Unlock()

	s.loops.Add(1)
	go s.run()

	return s.future, nil
}

// Close cancels every live subscription and waits for the sessions to drain.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	futures := c.futures
	c.futures = nil
	c.mu.Unlock()

	for _, f := range futures {
		f.Cancel()
	}
	for _, f := range futures {
		<-f.Done()
	}
	return nil
}
