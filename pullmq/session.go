package pullmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/pullmq/pullmq-go/transport"
)

// Session lifecycle. Terminal transitions run exactly once: the first of
// {cancel, handler failure, transport failure} decides the outcome.
const (
	stateInitializing int32 = iota
	stateStreaming
	stateCancelling
	stateFailed
	stateClosed
)

const defaultPoolSize = 32

type session struct {
	transport    transport.Transport
	subscription string
	handler      Handler

	flowControl FlowControl
	poolConf    PoolConfig
	nackOnError bool
	ackDeadline time.Duration
	backoff     ReconnectBackoff

	flow   *flowController
	leases *leaseTable
	pool   *ants.Pool
	future *SubscribeFuture

	// ctx is cancelled on any terminal transition; ackCtx survives it so
	// draining handlers can still submit acks.
	ctx    context.Context
	cancel context.CancelFunc
	ackCtx context.Context

	streamMu sync.RWMutex
	stream   transport.Stream

	state    atomic.Int32
	handlers sync.WaitGroup // in-flight handler invocations
	loops    sync.WaitGroup // receive loop + lease extender
	termOnce sync.Once

	seq atomic.Uint64
	l   *slog.Logger
}

func newSession(ctx context.Context, c *Client, subscription string, handler Handler, opts []SubscribeOption) (*session, error) {
	s := &session{
		transport:    c.t,
		subscription: subscription,
		handler:      handler,
		poolConf:     PoolConfig{Size: defaultPoolSize},
		ackDeadline:  c.ackDeadline,
		backoff:      c.backoff,
		leases:       newLeaseTable(),
		future:       newSubscribeFuture(),
		l:            c.l.With("subscription", subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.poolConf.Size <= 0 {
		return nil, ErrEmptyPoolSize
	}
	pool, err := ants.NewPool(s.poolConf.Size, ants.WithPreAlloc(s.poolConf.PreAlloc))
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	s.pool = pool
	s.flow = newFlowController(s.flowControl)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ackCtx = context.WithoutCancel(s.ctx)
	s.future.cancel = func() { s.terminate(nil) }

	// Caller-side ctx cancellation is a graceful shutdown, same as Cancel.
	context.AfterFunc(s.ctx, func() { s.terminate(nil) })

	return s, nil
}

// run opens the stream, starts the lease extender and drives the receive
// loop until a terminal transition.
func (s *session) run() {
	defer s.loops.Done()

	stream, err := s.connect()
	if err != nil {
		if s.ctx.Err() != nil {
			s.terminate(nil)
			return
		}
		s.terminate(err)
		return
	}
	s.setStream(stream)
	s.state.Store(stateStreaming)

	s.loops.Add(1)
	go s.extendLoop()

	s.receiveLoop()
}

// connect opens the stream, retrying transient failures with backoff.
func (s *session) connect() (transport.Stream, error) {
	delay := s.backoff.Initial
	for attempt := 1; ; attempt++ {
		stream, err := s.transport.OpenStream(s.ctx, s.subscription, s.ackDeadline)
		if err == nil {
			return stream, nil
		}
		if !retryable(err) {
			return nil, fmt.Errorf("open stream: %w", err)
		}
		if s.backoff.MaxAttempts > 0 && attempt >= s.backoff.MaxAttempts {
			return nil, fmt.Errorf("open stream: retries exhausted: %w", err)
		}

		s.l.Warn("open stream failed, backing off", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(delay):
		}
		if delay = time.Duration(float64(delay) * s.backoff.Multiplier); delay > s.backoff.Max {
			delay = s.backoff.Max
		}
	}
}

// receiveLoop pulls batches, registers leases and admits each message
// through flow control before handing it to the pool. It suspends inside
// flow.acquire when the controller is saturated; that suspension is the
// backpressure which ultimately pauses broker-side delivery.
func (s *session) receiveLoop() {
	for {
		batch, err := s.currentStream().Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !retryable(err) {
				s.terminate(fmt.Errorf("receive: %w", err))
				return
			}

			s.l.Warn("receive failed, reconnecting", "err", err)
			stream, rerr := s.connect()
			if rerr != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.terminate(rerr)
				return
			}
			if old := s.setStream(stream); old != nil {
				_ = old.Close()
			}
			continue
		}

		// Leases first, so the extender keeps the whole batch alive
		// while earlier messages wait on admission.
		deadline := time.Now().Add(s.ackDeadline)
		for i := range batch {
			s.leases.add(batch[i].AckID, deadline)
		}

		for i := range batch {
			m := &Message{
				Data:       batch[i].Data,
				Attributes: batch[i].Attributes,
				ackID:      batch[i].AckID,
				size:       int64(batch[i].Size),
				seq:        s.seq.Add(1),
			}

			if err := s.flow.acquire(s.ctx, m.size); err != nil {
				s.leases.remove(m.ackID)
				return
			}
			s.handlers.Add(1)
			if err := s.pool.Submit(func() { s.process(m) }); err != nil {
				s.handlers.Done()
				s.flow.release(m.size)
				s.leases.remove(m.ackID)
				return
			}
		}
	}
}

// terminate performs the terminal transition exactly once. A nil err means
// graceful cancellation; the future then resolves with nil.
func (s *session) terminate(err error) {
	s.termOnce.Do(func() {
		if err != nil {
			s.state.Store(stateFailed)
		} else {
			s.state.Store(stateCancelling)
		}
		s.cancel()
		s.flow.close()
		go s.shutdown(err)
	})
}

// shutdown drains in-flight handlers, releases everything and resolves the
// future. Runs on its own goroutine: terminate may be called from a worker.
func (s *session) shutdown(err error) {
	s.handlers.Wait()
	s.loops.Wait()
	s.pool.Release()
	s.leases.clear()
	if stream := s.currentStream(); stream != nil {
		if cerr := stream.Close(); cerr != nil {
			s.l.Warn("close stream", "err", cerr)
		}
	}
	s.state.Store(stateClosed)
	s.future.resolve(err)
}

func (s *session) setStream(stream transport.Stream) (old transport.Stream) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	old = s.stream
	s.stream = stream
	return old
}

func (s *session) currentStream() transport.Stream {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	return s.stream
}
