package middleware

import (
	"context"
	"time"
)

// Timeout bounds the buffered exchange with a context deadline. The
// connection layer observes it on lock waits, the request write and the
// response head read, and on body reads when the connection has no
// ReadTimeout; with a ReadTimeout set, each body read is bounded by that
// ReadTimeout alone. Expiry fails the exchange; once the request has been
// written, it also closes the connection.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
