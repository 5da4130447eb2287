package pullmq

import (
	"log/slog"
	"time"
)

type Option func(c *Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.l = l
	}
}

// WithAckDeadline sets the ack deadline negotiated with the broker when
// streams are opened. The lease extender renews outstanding deliveries at
// two thirds of this interval.
func WithAckDeadline(d time.Duration) Option {
	return func(c *Client) {
		c.ackDeadline = d
	}
}

func WithReconnectBackoff(b ReconnectBackoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}
