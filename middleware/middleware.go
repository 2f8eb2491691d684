// Package middleware wraps the buffered request path of the client with
// composable behaviors: logging, timeouts, retries, rate limiting.
//
// Middlewares see the whole buffered exchange (request in, response out),
// so they compose around Client.Do. The streaming Open path bypasses them:
// a middleware cannot replay or time-bound a body the caller is still
// reading.
package middleware

import (
	"context"

	"go-requests/body"
	"go-requests/message"
)

// Request is the buffered request a middleware chain operates on.
type Request struct {
	Method   string
	URL      string
	Body     body.Body
	Settings message.Settings
}

// Response is the buffered outcome: parsed head plus the full body.
type Response struct {
	Head *message.ResponseHead
	Body []byte
}

// HandlerFunc performs one buffered exchange.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first argument is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
