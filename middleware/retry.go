package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"go-requests/protocol"
	"go-requests/transport"
)

// Retry re-runs failed exchanges with exponential backoff. Only errors
// that plausibly clear on a fresh connection are retried: transport
// failures, timeouts, and protocol breakage (the engine has already
// closed the bad connection by the time the error surfaces). Context
// cancellation and argument errors are final.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				logger.Debug("retrying request",
					zap.String("url", req.URL),
					zap.Int("attempt", i+1),
					zap.Error(err))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, protocol.ErrMalformedResponse) ||
		isConnectError(err)
}

// isConnectError matches dial-level failures (refused, reset, unreachable)
// that are not one of our sentinels.
func isConnectError(err error) bool {
	var sysErr interface{ Timeout() bool }
	return errors.As(err, &sysErr)
}
