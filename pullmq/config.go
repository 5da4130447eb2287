package pullmq

import "time"

const (
	DefaultMaxOutstandingMessages = 100
	DefaultMaxOutstandingBytes    = 8 * 1024 * 1024

	DefaultAckDeadline = 30 * time.Second
)

// FlowControl bounds the number of deliveries outstanding at once. A message
// counts as outstanding from admission until its handler finishes and the ack
// has been submitted.
type FlowControl struct {
	// MaxOutstandingMessages caps concurrently outstanding deliveries.
	MaxOutstandingMessages int
	// MaxOutstandingBytes caps the summed payload size of outstanding
	// deliveries. A single message larger than the cap is still admitted
	// when nothing else is outstanding.
	MaxOutstandingBytes int64
}

func (fc FlowControl) withDefaults() FlowControl {
	if fc.MaxOutstandingMessages <= 0 {
		fc.MaxOutstandingMessages = DefaultMaxOutstandingMessages
	}
	if fc.MaxOutstandingBytes <= 0 {
		fc.MaxOutstandingBytes = DefaultMaxOutstandingBytes
	}
	return fc
}

type PoolConfig struct {
	Size     int
	PreAlloc bool
}

// ReconnectBackoff controls how the session retries opening the stream after
// a transient transport failure.
type ReconnectBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func defaultBackoff() ReconnectBackoff {
	return ReconnectBackoff{
		Initial:     100 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}
