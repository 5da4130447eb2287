package pullmq

import (
	"fmt"
)

// process runs one delivery through the handler on a pool worker. The caller
// already holds a flow-control permit and a live lease for the message.
//
// On success the order is ack, release permit, remove lease: flow control is
// not released before the ack has been submitted, which keeps the number of
// acked-but-unconfirmed messages bounded. On failure there is no ack; the
// permit and lease are released and the error becomes the session's terminal
// outcome.
func (s *session) process(m *Message) {
	defer s.handlers.Done()

	if err := s.invoke(m); err != nil {
		if s.nackOnError {
			if nerr := s.currentStream().ModifyDeadline(s.ackCtx, []string{m.ackID}, 0); nerr != nil {
				s.l.Warn("nack", "ack_id", m.ackID, "err", nerr)
			}
		}
		s.flow.release(m.size)
		s.leases.remove(m.ackID)
		s.terminate(fmt.Errorf("handler: %w", err))
		return
	}

	// A failed ack send is not terminal: the broker redelivers after the
	// deadline and the handler runs again with a fresh ack ID.
	if err := s.currentStream().Acknowledge(s.ackCtx, []string{m.ackID}); err != nil {
		s.l.Warn("ack failed", "ack_id", m.ackID, "err", err)
	}
	s.flow.release(m.size)
	s.leases.remove(m.ackID)
}

func (s *session) invoke(m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(s.ctx, m)
}
