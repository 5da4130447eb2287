package pullmq_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullmq/pullmq-go/pullmq"
)

// trackingHandler counts concurrent and completed deliveries the way an
// operator-facing progress callback would, and signals once resolveAt
// deliveries completed.
type trackingHandler struct {
	processing time.Duration
	resolveAt  int

	mu         sync.Mutex
	pending    int
	maxPending int
	completed  int
	seen       []int

	done     chan struct{}
	doneOnce sync.Once
}

func newTrackingHandler(processing time.Duration, resolveAt int) *trackingHandler {
	return &trackingHandler{
		processing: processing,
		resolveAt:  resolveAt,
		done:       make(chan struct{}),
	}
}

func (h *trackingHandler) handle(_ context.Context, m *pullmq.Message) error {
	h.mu.Lock()
	h.pending++
	if h.pending > h.maxPending {
		h.maxPending = h.pending
	}
	if seq, err := strconv.Atoi(m.Attributes["seq_num"]); err == nil {
		h.seen = append(h.seen, seq)
	}
	h.mu.Unlock()

	time.Sleep(h.processing)

	h.mu.Lock()
	h.pending--
	h.completed++
	if h.completed >= h.resolveAt {
		h.doneOnce.Do(func() { close(h.done) })
	}
	h.mu.Unlock()
	return nil
}

func (h *trackingHandler) stats() (maxPending, completed int, seen []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxPending, h.completed, append([]int(nil), h.seen...)
}

// Fifty messages published in uneven bursts, a subscriber capped at five
// outstanding deliveries: every message is processed exactly once and the
// in-flight count never exceeds the cap.
func TestStreamingPullMaxOutstanding(t *testing.T) {
	b, c := newBrokerClient(t)

	const total = 50
	const maxOutstanding = 5

	seq := 0
	for _, batch := range []int{7, 4, 8, 2, 10, 1, 3, 8, 6, 1} {
		for i := 0; i < batch; i++ {
			seq++
			_, err := b.Publish("orders", []byte("message "+strconv.Itoa(seq)),
				map[string]string{"seq_num": strconv.Itoa(seq)})
			require.NoError(t, err)
		}
	}
	require.Equal(t, total, seq)

	h := newTrackingHandler(20*time.Millisecond, total)
	future, err := c.Subscribe(context.Background(), "workers", h.handle,
		pullmq.WithFlowControl(pullmq.FlowControl{MaxOutstandingMessages: maxOutstanding}))
	require.NoError(t, err)
	defer future.Cancel()

	select {
	case <-h.done:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	// Linger to catch duplicates arriving after the last expected message.
	time.Sleep(200 * time.Millisecond)

	maxPending, completed, seen := h.stats()
	assert.Equal(t, total, completed)
	assert.LessOrEqual(t, maxPending, maxOutstanding)

	counts := map[int]int{}
	for _, s := range seen {
		counts[s]++
	}
	for i := 1; i <= total; i++ {
		assert.Equal(t, 1, counts[i], "seq_num %d delivered %d times", i, counts[i])
	}

	future.Cancel()
	assert.NoError(t, future.Result(5*time.Second))
}

// Slow handlers holding deliveries past the original ack deadline: lease
// renewal keeps the broker from redelivering, so each message is still
// processed exactly once.
func TestSlowHandlerNoRedelivery(t *testing.T) {
	b, c := newBrokerClient(t, pullmq.WithAckDeadline(400*time.Millisecond))

	for i := 1; i <= 2; i++ {
		_, err := b.Publish("orders", []byte("slow"), map[string]string{"seq_num": strconv.Itoa(i)})
		require.NoError(t, err)
	}

	// One at a time at 250ms each: the second delivery is held well past
	// the 400ms deadline and survives only through renewal.
	h := newTrackingHandler(250*time.Millisecond, 2)
	future, err := c.Subscribe(context.Background(), "workers", h.handle,
		pullmq.WithFlowControl(pullmq.FlowControl{MaxOutstandingMessages: 1}))
	require.NoError(t, err)
	defer future.Cancel()

	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	time.Sleep(500 * time.Millisecond)

	maxPending, completed, seen := h.stats()
	assert.Equal(t, 1, maxPending)
	assert.Equal(t, 2, completed)
	assert.ElementsMatch(t, []int{1, 2}, seen)

	future.Cancel()
	assert.NoError(t, future.Result(5*time.Second))
}

// Two published messages handled by callbacks that overlap in time: the pool
// runs handlers concurrently rather than serially.
func TestConcurrentCallbacks(t *testing.T) {
	b, c := newBrokerClient(t)

	const sleep = 200 * time.Millisecond

	var mu sync.Mutex
	var starts []time.Time
	done := make(chan struct{})
	var once sync.Once

	future, err := c.Subscribe(context.Background(), "workers",
		func(context.Context, *pullmq.Message) error {
			mu.Lock()
			starts = append(starts, time.Now())
			n := len(starts)
			mu.Unlock()

			time.Sleep(sleep)
			if n == 2 {
				once.Do(func() { close(done) })
			}
			return nil
		})
	require.NoError(t, err)
	defer future.Cancel()

	for i := 0; i < 2; i++ {
		_, err := b.Publish("orders", []byte("hello"), nil)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for callbacks")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	// Both handlers started before either could have finished.
	assert.Less(t, starts[1].Sub(starts[0]), sleep)
}

// Byte-based flow control: with a byte cap below two payloads, the second
// message is not dispatched until the first releases its bytes.
func TestFlowControlByBytes(t *testing.T) {
	b, c := newBrokerClient(t)

	payload := make([]byte, 1024)
	for i := 0; i < 2; i++ {
		_, err := b.Publish("orders", payload, map[string]string{"seq_num": strconv.Itoa(i + 1)})
		require.NoError(t, err)
	}

	h := newTrackingHandler(100*time.Millisecond, 2)
	future, err := c.Subscribe(context.Background(), "workers", h.handle,
		pullmq.WithFlowControl(pullmq.FlowControl{MaxOutstandingBytes: 1536}))
	require.NoError(t, err)
	defer future.Cancel()

	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	maxPending, completed, _ := h.stats()
	assert.Equal(t, 1, maxPending)
	assert.Equal(t, 2, completed)
}
