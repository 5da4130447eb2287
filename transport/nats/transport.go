// Package nats adapts NATS JetStream pull consumers to the transport
// surface. Acks map to JetStream acks, deadline extension to in-progress
// notifications, and a zero deadline to a negative ack (immediate
// redelivery). The server owns redelivery of anything that exceeds its
// AckWait.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pullmq/pullmq-go/transport"
)

var ErrStreamClosed = errors.New("nats: stream closed")

const (
	fetchBatch = 64
	fetchWait  = time.Second
)

type Transport struct {
	js     nats.JetStreamContext
	stream string
}

// New wires the adapter to one JetStream stream; subscription names passed
// to OpenStream become durable consumers on that stream.
func New(nc *nats.Conn, stream string) (*Transport, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Transport{js: js, stream: stream}, nil
}

// Publish sends a message with the given attributes as headers. Mainly for
// tests and tooling; the subscriber core never publishes.
func (t *Transport) Publish(ctx context.Context, subject string, data []byte, attrs map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range attrs {
		msg.Header.Set(k, v)
	}
	if _, err := t.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// OpenStream binds a pull subscription to the durable consumer named by
// subscription, creating the consumer with the given AckWait if needed.
func (t *Transport) OpenStream(_ context.Context, subscription string, ackDeadline time.Duration) (transport.Stream, error) {
	if _, err := t.js.ConsumerInfo(t.stream, subscription); err != nil {
		_, err = t.js.AddConsumer(t.stream, &nats.ConsumerConfig{
			Durable:   subscription,
			AckPolicy: nats.AckExplicitPolicy,
			AckWait:   ackDeadline,
		})
		if err != nil {
			return nil, fmt.Errorf("add consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe("", subscription, nats.Bind(t.stream, subscription))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}

	return &stream{sub: sub, inflight: make(map[string]*nats.Msg)}, nil
}

type stream struct {
	sub *nats.Subscription

	mu       sync.Mutex
	inflight map[string]*nats.Msg
	n        uint64

	closed atomic.Bool
}

func (s *stream) Receive(ctx context.Context) ([]transport.ReceivedMessage, error) {
	for {
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := s.sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("fetch: %w", err)
		}

		batch := make([]transport.ReceivedMessage, 0, len(msgs))
		s.mu.Lock()
		for _, msg := range msgs {
			s.n++
			ackID := strconv.FormatUint(s.n, 10)
			s.inflight[ackID] = msg

			var attrs map[string]string
			if len(msg.Header) > 0 {
				attrs = make(map[string]string, len(msg.Header))
				for k, vs := range msg.Header {
					if len(vs) > 0 {
						attrs[k] = vs[0]
					}
				}
			}

			batch = append(batch, transport.ReceivedMessage{
				Data:       msg.Data,
				Attributes: attrs,
				AckID:      ackID,
				Size:       len(msg.Data),
			})
		}
		s.mu.Unlock()
		return batch, nil
	}
}

func (s *stream) Acknowledge(_ context.Context, ackIDs []string) error {
	for _, id := range ackIDs {
		s.mu.Lock()
		msg, ok := s.inflight[id]
		delete(s.inflight, id)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("ack %s: %w", id, err)
		}
	}
	return nil
}

// ModifyDeadline extends the server-side AckWait window via an in-progress
// notification; the new window length is the consumer's configured AckWait,
// not the requested duration. Zero requests a Nak.
func (s *stream) ModifyDeadline(_ context.Context, ackIDs []string, deadline time.Duration) error {
	for _, id := range ackIDs {
		s.mu.Lock()
		msg, ok := s.inflight[id]
		if deadline <= 0 {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		var err error
		if deadline <= 0 {
			err = msg.Nak()
		} else {
			err = msg.InProgress()
		}
		if err != nil {
			return fmt.Errorf("modify deadline %s: %w", id, err)
		}
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.sub.Unsubscribe()
}
