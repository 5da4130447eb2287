package pullmq

import "errors"

var (
	ErrClientClosed       = errors.New("client closed")
	ErrEmptySubscription  = errors.New("empty subscription")
	ErrNilHandler         = errors.New("nil handler")
	ErrResultTimeout      = errors.New("result timeout")
	ErrSessionTerminating = errors.New("session terminating")
	ErrEmptyPoolSize      = errors.New("empty pool size")
)
