package transport

import (
	"context"
	"time"
)

// Transport is the broker-facing collaborator surface consumed by the
// streaming-pull core. Implementations own the wire protocol; the core only
// sees deliveries, acknowledgments and deadline modifications.
type Transport interface {
	// OpenStream opens a streaming-pull connection for the named
	// subscription. ackDeadline is the negotiated window within which each
	// delivery must be acked or have its deadline extended before the
	// broker redelivers it.
	OpenStream(ctx context.Context, subscription string, ackDeadline time.Duration) (Stream, error)
}

// Stream is a single streaming-pull connection.
type Stream interface {
	// Receive blocks until at least one message is available or ctx is
	// done. A returned batch may hold any number of messages; the caller
	// applies its own flow control before asking for more.
	Receive(ctx context.Context) ([]ReceivedMessage, error)

	// Acknowledge marks the given deliveries as successfully processed.
	// Unknown or expired ack IDs are ignored by the broker.
	Acknowledge(ctx context.Context, ackIDs []string) error

	// ModifyDeadline moves the ack deadline of the given deliveries to
	// now+deadline. A zero deadline requests immediate redelivery (nack).
	ModifyDeadline(ctx context.Context, ackIDs []string, deadline time.Duration) error

	Close() error
}

// ReceivedMessage is a single delivery pulled off a stream. AckID identifies
// this delivery attempt, not the logical message: a redelivered message
// carries a fresh ack ID.
type ReceivedMessage struct {
	Data       []byte
	Attributes map[string]string
	AckID      string
	Size       int
}
