// Package transport implements the per-connection request engine: one
// Connection owns one TCP or TLS stream and drives HTTP/1.1 exchanges
// over it, several of them concurrently.
//
// The concurrency model is two cooperative mutexes per connection:
//
//	goroutine-1 ──write req A──┐                ┌──read resp A──
//	goroutine-2 ──────────────wait──write req B─┤──────wait──────read resp B──
//	                        (write lock)           (read lock)
//
// A writer serializes its whole request under the write lock, acquires the
// read lock, and only then releases the write lock. That ordering pins
// responses to their requests: request N+1 may start writing while
// response N is still being read (pipelining), but responses are always
// consumed in request order.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-requests/body"
	"go-requests/cookie"
	"go-requests/message"
	"go-requests/protocol"
	"go-requests/resolve"
)

// Config carries the per-connection knobs. The zero value is usable: no
// I/O timeouts and the default keep-alive lifetime.
type Config struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	KeepAliveDefault time.Duration
	Logger           *zap.Logger
}

// Connection drives HTTP/1.1 exchanges over one exclusively-owned stream.
type Connection struct {
	stream Stream
	br     *bufio.Reader // parser scratch: response bytes are buffered here
	bw     *bufio.Writer

	readMu  Mutex
	writeMu Mutex

	mu        sync.Mutex // guards host, endpoint, keepAlive
	host      string
	endpoint  resolve.Endpoint
	keepAlive KeepAlive

	// ongoing counts exchanges whose response stream has not been
	// released yet. Atomic because the pool reads it concurrently while
	// exchanges run.
	ongoing atomic.Int64

	cfg    Config
	logger *zap.Logger
}

// NewConnection wraps a stream. The stream must not be used by anyone
// else afterwards.
func NewConnection(stream Stream, cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		stream:    stream,
		br:        bufio.NewReader(stream),
		bw:        bufio.NewWriter(stream),
		readMu:    NewMutex(),
		writeMu:   NewMutex(),
		keepAlive: NewKeepAlive(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Connect dials the endpoint and binds it to the connection. The endpoint
// is set at most once per open lifetime.
func (c *Connection) Connect(ctx context.Context, ep resolve.Endpoint) error {
	if c.stream.IsOpen() {
		return fmt.Errorf("connection already open")
	}
	if err := c.stream.Connect(ctx, ep); err != nil {
		return wrapIOError(err)
	}
	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()
	c.logger.Debug("connected", zap.String("endpoint", ep.String()), zap.String("host", c.Host()))
	return nil
}

// Close shuts the transport down. In-flight exchanges fail: I/O started
// after Close returns ErrClosed, I/O already blocked on the socket returns
// the socket's closed-connection error.
func (c *Connection) Close() error {
	return c.stream.Close()
}

func (c *Connection) IsOpen() bool { return c.stream.IsOpen() }

// Endpoint returns the bound endpoint; valid after Connect.
func (c *Connection) Endpoint() resolve.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// SetHost sets the canonical host used for the Host header and, on a TLS
// stream without an explicit server name, for SNI. Immutable in spirit:
// the pool sets it once before Connect.
func (c *Connection) SetHost(host string) error {
	if host == "" || strings.ContainsAny(host, " /\r\n") {
		return fmt.Errorf("%w: bad host %q", message.ErrInvalidArgument, host)
	}
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
	if t, ok := c.stream.(*TLS); ok && t.ServerName == "" {
		t.ServerName = host
	}
	return nil
}

func (c *Connection) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Timeout returns the keep-alive expiry deadline.
func (c *Connection) Timeout() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive.Expiry
}

// WorkingRequests counts exchanges whose response stream is still live.
func (c *Connection) WorkingRequests() int {
	return int(c.ongoing.Load())
}

// Expired reports whether keep-alive forbids further exchanges. The pool
// checks this on every inspection and retires expired connections.
func (c *Connection) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive.Expired(now)
}

func (c *Connection) scheme() string {
	if _, ok := c.stream.(*TLS); ok {
		return "https"
	}
	return "http"
}

// Open composes a request head from method, target and settings, then
// runs the exchange. The returned ResponseStream has the head parsed and
// the body pending; releasing it frees the connection for the next
// response.
func (c *Connection) Open(ctx context.Context, method, target string, b body.Body, st message.Settings) (*ResponseStream, error) {
	head := &message.RequestHead{
		Method: method,
		Target: target,
		Host:   c.Host(),
		Header: st.Header.Clone(),
	}
	return c.OpenRequest(ctx, head, b, st.Options, st.Jar)
}

// OpenRequest runs one exchange with a pre-built head. The head is
// mutated: Host is filled from the connection when absent, and framing
// and cookie headers are applied.
func (c *Connection) OpenRequest(ctx context.Context, head *message.RequestHead, b body.Body, opt message.RequestOptions, jar cookie.Jar) (*ResponseStream, error) {
	if b == nil {
		b = body.Empty{}
	}
	if head.Header == nil {
		head.Header = make(message.Header)
	}
	if head.Host == "" {
		head.Host = c.Host()
	}
	if head.Host == "" {
		return nil, fmt.Errorf("%w: connection has no host", message.ErrInvalidArgument)
	}

	applyBodyHeaders(head, b)

	// The URL the jar matches against: scheme from the transport kind,
	// authority from the head.
	target := &url.URL{Scheme: c.scheme(), Host: head.Host}
	if pu, err := url.Parse(head.Target); err == nil {
		target.Path = pu.Path
		target.RawQuery = pu.RawQuery
	}
	if jar != nil {
		if ck := jar.Collect(target); ck != "" {
			head.Header.Set("Cookie", ck)
		}
	}

	// Validate the head before taking the write lock; a malformed request
	// must not cost us a healthy connection.
	if err := protocol.WriteRequestHead(io.Discard, head); err != nil {
		return nil, err
	}

	// Step 1: write lock. From here the exchange is counted as ongoing.
	if err := c.writeMu.Lock(ctx); err != nil {
		return nil, err
	}
	c.ongoing.Add(1)

	// Step 2: serialize head + body. Any failure here leaves the wire in
	// an unknown state, so the connection is closed.
	c.stream.SetWriteDeadline(deadlineFor(ctx, c.cfg.WriteTimeout, opt.Timeout))
	err := protocol.WriteRequestHead(c.bw, head)
	if err == nil {
		err = writeBody(c.bw, b)
	}
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		c.failExchange(err)
		c.writeMu.Unlock()
		c.ongoing.Add(-1)
		return nil, wrapIOError(err)
	}

	// Step 3: take the read lock before releasing the write lock. The
	// next request may start writing now, but it cannot read response
	// bytes until this exchange hands the read lock back.
	if err := c.readMu.Lock(ctx); err != nil {
		// Cancelled after the head went out: the wire state is
		// indeterminate, close.
		c.failExchange(err)
		c.writeMu.Unlock()
		c.ongoing.Add(-1)
		return nil, err
	}
	c.writeMu.Unlock()

	// Step 4: read the response head into the parser scratch.
	c.stream.SetReadDeadline(deadlineFor(ctx, c.cfg.ReadTimeout, opt.Timeout))
	resp, err := protocol.ReadResponseHead(c.br)
	if err != nil {
		c.failExchange(err)
		c.readMu.Unlock()
		c.ongoing.Add(-1)
		return nil, wrapIOError(err)
	}

	// Step 5: bookkeeping from the head: keep-alive state and cookies.
	c.mu.Lock()
	c.keepAlive.Update(resp, time.Now(), c.cfg.KeepAliveDefault)
	c.mu.Unlock()
	if jar != nil {
		jar.Absorb(target, resp.Header.Values("Set-Cookie"))
	}

	framing, err := protocol.DecideBodyFraming(resp, head.Method)
	if err != nil {
		c.failExchange(err)
		c.readMu.Unlock()
		c.ongoing.Add(-1)
		return nil, err
	}

	// Step 6: hand parser and read lock to the response stream. The
	// stream now owns the counter decrement and the lock release.
	return &ResponseStream{
		conn:    c,
		head:    resp,
		framing: framing,
		body:    protocol.NewBodyReader(c.br, framing),
	}, nil
}

// failExchange tears the connection down after a broken exchange.
func (c *Connection) failExchange(cause error) {
	c.logger.Debug("closing connection",
		zap.String("endpoint", c.Endpoint().String()),
		zap.Error(cause))
	c.stream.Close()
}

// finishExchange is called by the response stream on release. reusable is
// false when the body was not cleanly consumed; the wire position is then
// unknown and the connection cannot carry another exchange.
func (c *Connection) finishExchange(reusable bool) {
	if !reusable {
		c.stream.Close()
	}
	c.mu.Lock()
	c.keepAlive.Consume()
	c.mu.Unlock()
	c.readMu.Unlock()
	c.ongoing.Add(-1)
}

// readBodySome performs one body read under the read lock held by the
// response stream, refreshing the per-read deadline.
func (c *Connection) readBodySome(r io.Reader, p []byte) (int, error) {
	if c.cfg.ReadTimeout > 0 {
		c.stream.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	return r.Read(p)
}

// applyBodyHeaders sets the framing and type headers the body dictates:
// Content-Length when the size is known, chunked transfer-encoding when it
// is not, and Content-Type unless the caller already chose one.
func applyBodyHeaders(head *message.RequestHead, b body.Body) {
	switch n, ok := b.Length(); {
	case !ok:
		head.Header.Set("Transfer-Encoding", "chunked")
	case n > 0:
		head.Header.Set("Content-Length", strconv.FormatInt(n, 10))
	default:
		// Zero-length bodies: a Content-Length: 0 only where a body is
		// conventional.
		switch head.Method {
		case "POST", "PUT", "PATCH":
			head.Header.Set("Content-Length", "0")
		}
	}
	if ct := b.ContentType(); ct != "" && head.Header.Get("Content-Type") == "" {
		if _, empty := b.(body.Empty); !empty {
			head.Header.Set("Content-Type", ct)
		}
	}
}

// writeBody pushes the body bytes, chunk-framed when the length is
// unknown.
func writeBody(w io.Writer, b body.Body) error {
	if _, ok := b.Length(); ok {
		return b.WriteBody(w)
	}
	cw := protocol.NewChunkedWriter(w)
	if err := b.WriteBody(cw); err != nil {
		return err
	}
	return cw.Close()
}

// deadlineFor combines the connection-level timeout, the per-request
// timeout, and the context deadline into one absolute deadline; the
// zero time means none. The earliest bound wins.
func deadlineFor(ctx context.Context, connTO, reqTO time.Duration) time.Time {
	var d time.Time
	now := time.Now()
	if connTO > 0 {
		d = now.Add(connTO)
	}
	if reqTO > 0 {
		if r := now.Add(reqTO); d.IsZero() || r.Before(d) {
			d = r
		}
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}
