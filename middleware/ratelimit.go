package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited reports a request rejected by the token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects requests past the token-bucket rate. Rejection is
// immediate rather than queued: a client that is over budget should know,
// not silently add latency.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
