package pullmq

type SubscribeOption func(s *session)

// WithFlowControl bounds outstanding deliveries for this subscription. Zero
// fields fall back to the defaults.
func WithFlowControl(fc FlowControl) SubscribeOption {
	return func(s *session) {
		s.flowControl = fc
	}
}

// WithPoolConfig sizes the worker pool running handler invocations. The pool
// size is independent of flow control; admission, not worker count, is the
// throttle.
func WithPoolConfig(pool PoolConfig) SubscribeOption {
	return func(s *session) {
		s.poolConf = pool
	}
}

// WithNackOnError requests immediate redelivery of a delivery whose handler
// failed, instead of waiting for its deadline to lapse. The session still
// terminates with the handler error either way.
func WithNackOnError(flag bool) SubscribeOption {
	return func(s *session) {
		s.nackOnError = flag
	}
}
