package pullmq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeFuture(t *testing.T) {
	t.Run("resolves once, first writer wins", func(t *testing.T) {
		f := newSubscribeFuture()
		sentinel := errors.New("boom")

		f.resolve(sentinel)
		f.resolve(nil)
		f.resolve(errors.New("other"))

		assert.ErrorIs(t, f.Result(0), sentinel)
	})

	t.Run("nil result on cancellation", func(t *testing.T) {
		f := newSubscribeFuture()
		f.resolve(nil)
		assert.NoError(t, f.Result(0))
	})

	t.Run("timeout leaves future pending", func(t *testing.T) {
		f := newSubscribeFuture()

		assert.ErrorIs(t, f.Result(20*time.Millisecond), ErrResultTimeout)

		select {
		case <-f.Done():
			t.Fatal("future resolved by timeout")
		default:
		}

		f.resolve(nil)
		assert.NoError(t, f.Result(time.Second))
	})

	t.Run("done closes on resolution", func(t *testing.T) {
		f := newSubscribeFuture()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.resolve(nil)
		}()

		select {
		case <-f.Done():
		case <-time.After(time.Second):
			t.Fatal("done never closed")
		}
	})

	t.Run("cancel runs once", func(t *testing.T) {
		f := newSubscribeFuture()
		calls := 0
		f.cancel = func() {
			calls++
			f.resolve(nil)
		}

		f.Cancel()
		f.Cancel()
		f.Cancel()

		assert.Equal(t, 1, calls)
		assert.NoError(t, f.Result(0))
	})
}
