// Package client is the request driver: the thin surface callers use.
// It parses URLs, fills in ambient headers, delegates exchanges to the
// connection pool, and follows endpoint-local redirects.
//
// Anything past one authority (cross-host redirects, cookie policy
// decisions, session defaults) belongs to a session layer above this
// package.
package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-requests/body"
	"go-requests/cookie"
	"go-requests/message"
	"go-requests/middleware"
	"go-requests/pool"
	"go-requests/transport"
)

// Client drives requests against one pool.
type Client struct {
	pool    *pool.Pool
	jar     cookie.Jar
	logger  *zap.Logger
	handler middleware.HandlerFunc
}

// Option configures a Client.
type Option func(*Client)

// WithJar installs a default cookie jar, used when a request's settings
// carry none.
func WithJar(j cookie.Jar) Option { return func(c *Client) { c.jar = j } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMiddleware wraps the buffered Do path with the given middlewares,
// outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.handler = middleware.Chain(mws...)(c.handler)
	}
}

// New creates a client over p. The pool must have had Lookup called, or
// the first request fails with not-found.
func New(p *pool.Pool, opts ...Option) *Client {
	c := &Client{pool: p, logger: zap.NewNop()}
	c.handler = c.doBuffered
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Open issues one request and returns the streaming response handle. The
// head is read; the body is pending until the caller consumes and closes
// the stream.
//
// Redirects are followed only in the endpoint mode: when the Location
// points back at the authority this pool resolved. Anything farther is
// returned as-is for a session layer to deal with.
func (c *Client) Open(ctx context.Context, method, rawURL string, b body.Body, st message.Settings) (*transport.ResponseStream, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if st.Options.EnforceTLS && !c.pool.TLS() {
		return nil, fmt.Errorf("%w: tls required but pool is plain tcp", message.ErrInvalidArgument)
	}
	if st.Jar == nil {
		st.Jar = c.jar
	}
	st.Header = ensureRequestID(st.Header)

	maxRedirects := st.Options.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = message.DefaultMaxRedirects
	}

	target := u.RequestURI()
	for redirects := 0; ; redirects++ {
		stream, err := c.pool.Open(ctx, method, target, b, st)
		if err != nil {
			return nil, err
		}

		if st.Options.Redirect == message.RedirectNone || !isRedirect(stream.StatusCode()) {
			return stream, nil
		}
		location := stream.Header().Get("Location")
		if location == "" || redirects >= maxRedirects {
			return stream, nil
		}
		next, err := u.Parse(location)
		if err != nil {
			return stream, nil
		}
		if !c.sameAuthority(next) {
			// Cross-authority redirect: out of this driver's reach,
			// surface the 3xx itself.
			return stream, nil
		}

		// Following: the 3xx body is spent, the connection goes back to
		// the pool, and the loop re-issues against the new target.
		stream.Close()
		c.logger.Debug("following redirect",
			zap.Int("status", stream.StatusCode()),
			zap.String("location", location))
		method, b = redirectMethod(stream.StatusCode(), method, b)
		u = next
		target = next.RequestURI()
	}
}

// Do runs a buffered exchange through the middleware chain: the whole
// body is read and the stream released before it returns.
func (c *Client) Do(ctx context.Context, method, rawURL string, b body.Body, st message.Settings) (*middleware.Response, error) {
	return c.handler(ctx, &middleware.Request{
		Method:   method,
		URL:      rawURL,
		Body:     b,
		Settings: st,
	})
}

// doBuffered is the innermost handler of the middleware chain.
func (c *Client) doBuffered(ctx context.Context, req *middleware.Request) (*middleware.Response, error) {
	stream, err := c.Open(ctx, req.Method, req.URL, req.Body, req.Settings)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	return &middleware.Response{Head: stream.Head(), Body: data}, nil
}

// Download streams a GET response body into the file at path. Returns the
// response head.
func (c *Client) Download(ctx context.Context, rawURL, path string, st message.Settings) (*message.ResponseHead, error) {
	stream, err := c.Open(ctx, "GET", rawURL, body.Empty{}, st)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(f, stream); err != nil {
		return nil, err
	}
	return stream.Head(), nil
}

// OpenResult is the payload of the asynchronous variants.
type OpenResult = pool.OpenResult

// GoOpen runs Open in a goroutine; the buffered channel delivers the
// outcome exactly once.
func (c *Client) GoOpen(ctx context.Context, method, rawURL string, b body.Body, st message.Settings) <-chan OpenResult {
	ch := make(chan OpenResult, 1)
	go func() {
		stream, err := c.Open(ctx, method, rawURL, b, st)
		ch <- OpenResult{Stream: stream, Err: err}
	}()
	return ch
}

// DoResult is the payload of GoDo.
type DoResult struct {
	Response *middleware.Response
	Err      error
}

// GoDo runs Do in a goroutine; the buffered channel delivers the outcome
// exactly once.
func (c *Client) GoDo(ctx context.Context, method, rawURL string, b body.Body, st message.Settings) <-chan DoResult {
	ch := make(chan DoResult, 1)
	go func() {
		resp, err := c.Do(ctx, method, rawURL, b, st)
		ch <- DoResult{Response: resp, Err: err}
	}()
	return ch
}

// sameAuthority reports whether u targets the authority this client's
// pool resolved. Port defaults follow the pool's transport kind.
func (c *Client) sameAuthority(u *url.URL) bool {
	if u.Host == "" {
		return true // relative redirect
	}
	return normalizeAuthority(u.Host, c.pool.TLS()) == normalizeAuthority(c.pool.Authority(), c.pool.TLS())
}

func normalizeAuthority(authority string, tls bool) string {
	if authority == "" {
		return ""
	}
	if !strings.Contains(strings.TrimPrefix(authority, "["), ":") {
		if tls {
			return authority + ":443"
		}
		return authority + ":80"
	}
	return authority
}

// parseTarget accepts an absolute URL or a bare path and rejects what it
// cannot send.
func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrInvalidArgument, err)
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", message.ErrInvalidArgument, u.Scheme)
	}
	return u, nil
}

// ensureRequestID tags the request with an X-Request-ID unless the caller
// already set one.
func ensureRequestID(h message.Header) message.Header {
	h = h.Clone()
	if h.Get("X-Request-ID") == "" {
		h.Set("X-Request-ID", uuid.NewString())
	}
	return h
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// redirectMethod applies the conventional method rewrite: 303 becomes GET
// for everything but HEAD, 301/302 become GET for everything but GET and
// HEAD, 307/308 keep method and body.
func redirectMethod(status int, method string, b body.Body) (string, body.Body) {
	switch status {
	case 303:
		if method != "HEAD" {
			return "GET", body.Empty{}
		}
	case 301, 302:
		if method != "GET" && method != "HEAD" {
			return "GET", body.Empty{}
		}
	}
	return method, b
}
