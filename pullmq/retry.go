package pullmq

import (
	"context"
	"errors"
	"io"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryable reports whether a transport error is a transient condition worth
// reopening the stream for. gRPC-backed transports surface status errors;
// anything else falls back to io.EOF and net timeout detection.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded,
			codes.Internal,
			codes.ResourceExhausted,
			codes.Aborted,
			codes.Unavailable:
			return true
		default:
			return false
		}
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
