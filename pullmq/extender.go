package pullmq

import (
	"time"
)

// extendLoop renews every outstanding lease on a fixed period of two thirds
// of the ack deadline, one batched deadline-modification request per tick.
// Leases removed between the snapshot and the request are simply absent from
// the next tick; renewing them here is harmless because the broker ignores
// unknown ack IDs.
func (s *session) extendLoop() {
	defer s.loops.Done()

	interval := s.ackDeadline * 2 / 3
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ids := s.leases.renewAll(time.Now().Add(s.ackDeadline))
			if len(ids) == 0 {
				continue
			}
			if err := s.currentStream().ModifyDeadline(s.ackCtx, ids, s.ackDeadline); err != nil {
				s.l.Warn("lease renewal failed", "leases", len(ids), "err", err)
			}
		}
	}
}
