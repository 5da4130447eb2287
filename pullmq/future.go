package pullmq

import (
	"sync"
	"time"
)

// SubscribeFuture is the single terminal signal for a subscription session.
// Exactly one outcome is ever recorded: nil after graceful cancellation, or
// the error that failed the session. The first writer wins; later resolutions
// are dropped.
type SubscribeFuture struct {
	done chan struct{}
	once sync.Once
	err  error

	cancelOnce sync.Once
	cancel     func()
}

func newSubscribeFuture() *SubscribeFuture {
	return &SubscribeFuture{done: make(chan struct{})}
}

func (f *SubscribeFuture) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Result blocks until the session terminates and returns its outcome: nil on
// cancellation, the propagated handler or transport error on failure. With a
// positive timeout it returns ErrResultTimeout once the timeout elapses;
// timing out has no effect on the session. A non-positive timeout waits
// indefinitely.
func (f *SubscribeFuture) Result(timeout time.Duration) error {
	if timeout <= 0 {
		<-f.done
		return f.err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-f.done:
		return f.err
	case <-t.C:
		return ErrResultTimeout
	}
}

// Done is closed when the session has terminated.
func (f *SubscribeFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel triggers graceful shutdown: intake stops, in-flight handlers drain,
// then the future resolves with nil. Calling it again, or after the session
// already terminated, has no effect.
func (f *SubscribeFuture) Cancel() {
	f.cancelOnce.Do(f.cancel)
}
