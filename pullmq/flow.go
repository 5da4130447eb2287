package pullmq

import (
	"context"
	"sync"
)

// flowController bounds outstanding deliveries by count and bytes. acquire
// suspends on a condition variable until capacity frees up; release wakes
// waiters. The lock is never held across a blocking wait other than
// cond.Wait itself.
type flowController struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxCount int
	maxBytes int64

	count int
	bytes int64

	closed bool
}

func newFlowController(fc FlowControl) *flowController {
	fc = fc.withDefaults()
	f := &flowController{
		maxCount: fc.MaxOutstandingMessages,
		maxBytes: fc.MaxOutstandingBytes,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// acquire blocks until the message can be admitted, ctx is done, or the
// controller is closed.
func (f *flowController) acquire(ctx context.Context, size int64) error {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for !f.admitLocked(size) {
		if f.closed {
			return ErrSessionTerminating
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	if f.closed {
		return ErrSessionTerminating
	}

	f.count++
	f.bytes += size
	return nil
}

func (f *flowController) admitLocked(size int64) bool {
	if f.count >= f.maxCount {
		return false
	}
	// The byte cap is advisory capacity, not a per-message limit: an
	// oversized message still goes through alone rather than deadlocking.
	if f.count == 0 {
		return true
	}
	return f.bytes+size <= f.maxBytes
}

func (f *flowController) release(size int64) {
	f.mu.Lock()
	f.count--
	f.bytes -= size
	f.mu.Unlock()
	f.cond.Broadcast()
}

// close unblocks every waiter; subsequent acquires fail.
func (f *flowController) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// outstanding reports current counters, for observation in tests.
func (f *flowController) outstanding() (count int, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.bytes
}
