// Package mem provides an in-process broker implementing the transport
// surface. It tracks ack deadlines and redelivers expired or nacked
// deliveries, which makes it suitable for exercising the streaming-pull core
// end to end without a network.
package mem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pullmq/pullmq-go/transport"
)

var (
	ErrUnknownTopic        = errors.New("mem: unknown topic")
	ErrUnknownSubscription = errors.New("mem: unknown subscription")
	ErrStreamClosed        = errors.New("mem: stream closed")
)

const maxBatch = 256

type Broker struct {
	mu     sync.Mutex
	topics map[string][]*subscription
	subs   map[string]*subscription
	nextID uint64
}

type subscription struct {
	name        string
	backlog     []*delivery
	outstanding map[string]*delivery
	nextAck     uint64
	notify      chan struct{}
}

type delivery struct {
	id      uint64
	data    []byte
	attrs   map[string]string
	attempt int
	ackID   string
	expires time.Time
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string][]*subscription),
		subs:   make(map[string]*subscription),
	}
}

func (b *Broker) CreateTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[name]; !ok {
		b.topics[name] = nil
	}
}

func (b *Broker) CreateSubscription(name, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		return ErrUnknownTopic
	}
	if _, ok := b.subs[name]; ok {
		return nil
	}

	s := &subscription{
		name:        name,
		outstanding: make(map[string]*delivery),
		notify:      make(chan struct{}, 1),
	}
	b.subs[name] = s
	b.topics[topic] = append(b.topics[topic], s)
	return nil
}

// Publish fans the message out to every subscription of the topic and returns
// the broker-assigned message ID.
func (b *Broker) Publish(topic string, data []byte, attrs map[string]string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return 0, ErrUnknownTopic
	}

	b.nextID++
	id := b.nextID
	for _, s := range subs {
		d := &delivery{id: id, attrs: attrs}
		d.data = append(d.data, data...)
		s.backlog = append(s.backlog, d)
		s.signal()
	}
	return id, nil
}

// OpenStream implements transport.Transport.
func (b *Broker) OpenStream(_ context.Context, subscription string, ackDeadline time.Duration) (transport.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[subscription]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	return &stream{b: b, sub: s, deadline: ackDeadline}, nil
}

func (s *subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// requeueLocked returns expired outstanding deliveries to the backlog.
func (s *subscription) requeueLocked(now time.Time) {
	for ackID, d := range s.outstanding {
		if now.Before(d.expires) {
			continue
		}
		delete(s.outstanding, ackID)
		s.backlog = append(s.backlog, d)
	}
}

// nextExpiryLocked reports the earliest outstanding deadline, if any.
func (s *subscription) nextExpiryLocked() (time.Time, bool) {
	var at time.Time
	for _, d := range s.outstanding {
		if at.IsZero() || d.expires.Before(at) {
			at = d.expires
		}
	}
	return at, !at.IsZero()
}

type stream struct {
	b        *Broker
	sub      *subscription
	deadline time.Duration
	closed   atomic.Bool
}

func (st *stream) Receive(ctx context.Context) ([]transport.ReceivedMessage, error) {
	for {
		if st.closed.Load() {
			return nil, ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st.b.mu.Lock()
		now := time.Now()
		st.sub.requeueLocked(now)

		if n := len(st.sub.backlog); n > 0 {
			if n > maxBatch {
				n = maxBatch
			}
			batch := make([]transport.ReceivedMessage, 0, n)
			for _, d := range st.sub.backlog[:n] {
				d.attempt++
				st.sub.nextAck++
				d.ackID = fmt.Sprintf("%d.%d", st.sub.nextAck, d.id)
				d.expires = now.Add(st.deadline)
				st.sub.outstanding[d.ackID] = d

				batch = append(batch, transport.ReceivedMessage{
					Data:       d.data,
					Attributes: d.attrs,
					AckID:      d.ackID,
					Size:       len(d.data),
				})
			}
			st.sub.backlog = st.sub.backlog[n:]
			st.b.mu.Unlock()
			return batch, nil
		}

		wait := time.Hour
		if at, ok := st.sub.nextExpiryLocked(); ok {
			if wait = time.Until(at); wait < 0 {
				wait = 0
			}
		}
		notify := st.sub.notify
		st.b.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (st *stream) Acknowledge(_ context.Context, ackIDs []string) error {
	if st.closed.Load() {
		return ErrStreamClosed
	}

	st.b.mu.Lock()
	defer st.b.mu.Unlock()

	// Acks for unknown or expired deliveries are dropped silently, same as
	// a real broker would.
	for _, id := range ackIDs {
		delete(st.sub.outstanding, id)
	}
	return nil
}

func (st *stream) ModifyDeadline(_ context.Context, ackIDs []string, deadline time.Duration) error {
	if st.closed.Load() {
		return ErrStreamClosed
	}

	st.b.mu.Lock()
	defer st.b.mu.Unlock()

	now := time.Now()
	for _, id := range ackIDs {
		d, ok := st.sub.outstanding[id]
		if !ok {
			continue
		}
		if deadline <= 0 {
			// Nack: hand the delivery straight back.
			delete(st.sub.outstanding, id)
			st.sub.backlog = append(st.sub.backlog, d)
			st.sub.signal()
			continue
		}
		d.expires = now.Add(deadline)
	}
	return nil
}

// Close releases the stream. Deliveries still outstanding return to the
// backlog so a later stream picks them up.
func (st *stream) Close() error {
	if st.closed.Swap(true) {
		return nil
	}

	st.b.mu.Lock()
	defer st.b.mu.Unlock()

	for ackID, d := range st.sub.outstanding {
		delete(st.sub.outstanding, ackID)
		st.sub.backlog = append(st.sub.backlog, d)
	}
	st.sub.signal()
	return nil
}
