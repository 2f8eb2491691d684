// Package pool multiplexes outstanding requests across a bounded set of
// reusable connections to one authority.
//
// The pool answers one question, "give me a usable connection", with a
// three-step policy, all under the pool mutex:
//
//  1. Any connection with no ongoing exchange is reused (first match in
//     stable order).
//  2. Below the limit, a new connection is dialed to the least-loaded
//     endpoint. The mutex is held across the whole connect attempt: no
//     other caller can sneak the pool past its limit while a dial is in
//     flight, at the cost of serializing connect latency.
//  3. At the limit, the connection with the lowest cost
//     (ongoing_requests, plus a penalty of 1 when closed) takes the
//     request on top of its current work.
//
// Expired and broken connections are evicted on the next inspection, not
// eagerly: nothing touches a connection while a response stream still
// references it.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-requests/body"
	"go-requests/cookie"
	"go-requests/loadbalance"
	"go-requests/message"
	"go-requests/resolve"
	"go-requests/transport"
)

// ErrNotFound reports a pool that cannot produce a connection: lookup has
// not populated endpoints, or the map is empty at the limit.
var ErrNotFound = errors.New("no connection available")

// DefaultLimit is the connection bound when none is configured; it
// matches the common per-host limit of browsers.
const DefaultLimit = 6

// Pool owns the resolved endpoints and the connection multimap for one
// authority.
type Pool struct {
	mu transport.Mutex

	host      string // canonical host, populated by Lookup
	authority string // authority as given to Lookup
	endpoints []resolve.Endpoint

	// conns is the endpoint→connections multimap; order preserves
	// insertion so selection scans are stable between mutations.
	conns map[resolve.Endpoint][]*transport.Connection
	order []*transport.Connection

	limit     int
	tlsConfig *tls.Config
	resolver  resolve.Resolver
	balancer  loadbalance.Balancer
	limiter   *rate.Limiter
	logger    *zap.Logger

	dialTimeout time.Duration
	connCfg     transport.Config
}

// Option configures a Pool.
type Option func(*Pool)

// WithTLS makes the pool dial TLS connections sharing cfg. The config is
// shared by reference across all connections and must not be mutated
// after the first connect.
func WithTLS(cfg *tls.Config) Option { return func(p *Pool) { p.tlsConfig = cfg } }

// WithLimit bounds the number of pooled connections.
func WithLimit(n int) Option { return func(p *Pool) { p.limit = n } }

// WithResolver replaces the DNS resolver, e.g. with resolve.Etcd.
func WithResolver(r resolve.Resolver) Option { return func(p *Pool) { p.resolver = r } }

// WithBalancer replaces the endpoint-selection policy.
func WithBalancer(b loadbalance.Balancer) Option { return func(p *Pool) { p.balancer = b } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithRateLimit applies a token-bucket limit to Open calls.
func WithRateLimit(r float64, burst int) Option {
	return func(p *Pool) { p.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithDialTimeout bounds each connect attempt.
func WithDialTimeout(d time.Duration) Option { return func(p *Pool) { p.dialTimeout = d } }

// WithConnConfig sets the per-connection knobs (I/O timeouts, default
// keep-alive lifetime).
func WithConnConfig(cfg transport.Config) Option { return func(p *Pool) { p.connCfg = cfg } }

// New creates an empty pool. Lookup must run before the first
// GetConnection.
func New(opts ...Option) *Pool {
	p := &Pool{
		mu:    transport.NewMutex(),
		conns: make(map[resolve.Endpoint][]*transport.Connection),
		limit: DefaultLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.resolver == nil {
		p.resolver = &resolve.DNS{}
	}
	if p.balancer == nil {
		p.balancer = loadbalance.LeastConnections{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.connCfg.Logger = p.logger
	return p
}

// TLS reports whether this pool dials TLS connections.
func (p *Pool) TLS() bool { return p.tlsConfig != nil }

// Limit returns the connection bound.
func (p *Pool) Limit() int { return p.limit }

// Host returns the canonical host from the last Lookup.
func (p *Pool) Host() string {
	if err := p.mu.Lock(context.Background()); err != nil {
		return ""
	}
	defer p.mu.Unlock()
	return p.host
}

// Authority returns the authority passed to the last Lookup.
func (p *Pool) Authority() string {
	if err := p.mu.Lock(context.Background()); err != nil {
		return ""
	}
	defer p.mu.Unlock()
	return p.authority
}

// Active returns the number of pooled connections.
func (p *Pool) Active() int {
	if err := p.mu.Lock(context.Background()); err != nil {
		return 0
	}
	defer p.mu.Unlock()
	return len(p.order)
}

// Lookup resolves the authority ("host" or "host:port") and stores the
// canonical host and endpoint list. It may be called again to re-resolve;
// existing connections are kept.
func (p *Pool) Lookup(ctx context.Context, authority string) error {
	host, service, err := splitAuthority(authority, p.TLS())
	if err != nil {
		return err
	}

	if err := p.mu.Lock(ctx); err != nil {
		return err
	}
	defer p.mu.Unlock()

	canonical, eps, err := p.resolver.Resolve(ctx, host, service)
	if err != nil {
		return err
	}
	p.authority = authority
	p.host = canonical
	p.endpoints = eps
	p.logger.Debug("lookup",
		zap.String("authority", authority),
		zap.String("canonical", canonical),
		zap.Int("endpoints", len(eps)))
	return nil
}

// UpdateEndpoints replaces the endpoint list, e.g. from a resolver watch.
// Existing connections to removed endpoints drain naturally: they stay
// until keep-alive expiry or error evicts them.
func (p *Pool) UpdateEndpoints(ctx context.Context, eps []resolve.Endpoint) error {
	if err := p.mu.Lock(ctx); err != nil {
		return err
	}
	defer p.mu.Unlock()
	p.endpoints = append([]resolve.Endpoint(nil), eps...)
	return nil
}

// GetConnection returns a usable connection per the selection policy.
func (p *Pool) GetConnection(ctx context.Context) (*transport.Connection, error) {
	if err := p.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer p.mu.Unlock()
	return p.getConnectionLocked(ctx)
}

func (p *Pool) getConnectionLocked(ctx context.Context) (*transport.Connection, error) {
	p.evictLocked()

	// Step 1: reuse the first idle connection, in stable order.
	for _, conn := range p.order {
		if conn.WorkingRequests() == 0 {
			return conn, nil
		}
	}

	// Step 2: below the limit, connect to the least-loaded endpoint. The
	// connect runs under the pool mutex so the decision and the insert
	// are one critical section.
	if len(p.order) < p.limit {
		if len(p.endpoints) == 0 {
			return nil, fmt.Errorf("%w: no endpoints, lookup required", ErrNotFound)
		}
		ep, err := p.balancer.Pick(p.endpoints, func(e resolve.Endpoint) int {
			return len(p.conns[e])
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}

		conn := transport.NewConnection(p.newStream(), p.connCfg)
		if err := conn.SetHost(p.host); err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx, ep); err != nil {
			p.logger.Debug("connect failed", zap.String("endpoint", ep.String()), zap.Error(err))
			return nil, err
		}
		p.conns[ep] = append(p.conns[ep], conn)
		p.order = append(p.order, conn)
		p.logger.Debug("connection added",
			zap.String("endpoint", ep.String()),
			zap.Int("active", len(p.order)))
		return conn, nil
	}

	// Step 3: at the limit, pick the cheapest existing connection. A
	// closed transport costs one extra point, so open connections win
	// ties.
	var best *transport.Connection
	bestCost := int(^uint(0) >> 1)
	for _, conn := range p.order {
		cost := conn.WorkingRequests()
		if !conn.IsOpen() {
			cost++
		}
		if cost < bestCost {
			best, bestCost = conn, cost
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// evictLocked removes connections that must not carry further exchanges:
// closed transports and expired keep-alives, once no response stream
// references them.
func (p *Pool) evictLocked() {
	now := time.Now()
	kept := p.order[:0]
	for _, conn := range p.order {
		if conn.WorkingRequests() == 0 && (!conn.IsOpen() || conn.Expired(now)) {
			conn.Close()
			p.removeFromMap(conn)
			p.logger.Debug("connection evicted", zap.String("endpoint", conn.Endpoint().String()))
			continue
		}
		kept = append(kept, conn)
	}
	p.order = kept
}

func (p *Pool) removeFromMap(conn *transport.Connection) {
	ep := conn.Endpoint()
	list := p.conns[ep]
	for i, c := range list {
		if c == conn {
			p.conns[ep] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.conns[ep]) == 0 {
		delete(p.conns, ep)
	}
}

// newStream builds the transport variant this pool is configured for.
func (p *Pool) newStream() transport.Stream {
	if p.tlsConfig != nil {
		return transport.NewTLS(p.tlsConfig, p.host, p.dialTimeout)
	}
	return transport.NewTCP(p.dialTimeout)
}

// Open acquires a connection and runs one exchange on it.
func (p *Pool) Open(ctx context.Context, method, target string, b body.Body, st message.Settings) (*transport.ResponseStream, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	conn, err := p.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Open(ctx, method, target, b, st)
}

// OpenRequest acquires a connection and runs one exchange with a
// pre-built request head.
func (p *Pool) OpenRequest(ctx context.Context, head *message.RequestHead, b body.Body, opt message.RequestOptions, jar cookie.Jar) (*transport.ResponseStream, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	conn, err := p.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.OpenRequest(ctx, head, b, opt, jar)
}

// Track applies endpoint updates from ch, typically a resolver watch,
// until ch closes or ctx ends.
func (p *Pool) Track(ctx context.Context, ch <-chan []resolve.Endpoint) {
	go func() {
		for {
			select {
			case eps, ok := <-ch:
				if !ok {
					return
				}
				if err := p.UpdateEndpoints(ctx, eps); err != nil {
					return
				}
				p.logger.Debug("endpoints updated", zap.Int("endpoints", len(eps)))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// OpenResult is the payload of the asynchronous Open variant.
type OpenResult struct {
	Stream *transport.ResponseStream
	Err    error
}

// GoOpen runs Open in a goroutine and delivers the outcome on the
// returned channel. The channel is buffered: abandoning it does not leak
// the goroutine.
func (p *Pool) GoOpen(ctx context.Context, method, target string, b body.Body, st message.Settings) <-chan OpenResult {
	ch := make(chan OpenResult, 1)
	go func() {
		stream, err := p.Open(ctx, method, target, b, st)
		ch <- OpenResult{Stream: stream, Err: err}
	}()
	return ch
}

// Close closes every pooled connection and empties the pool. Outstanding
// response streams keep their connections alive until released.
func (p *Pool) Close() error {
	if err := p.mu.Lock(context.Background()); err != nil {
		return err
	}
	defer p.mu.Unlock()
	for _, conn := range p.order {
		conn.Close()
	}
	p.order = nil
	p.conns = make(map[resolve.Endpoint][]*transport.Connection)
	return nil
}

// splitAuthority splits "host[:port]" and derives the resolver service:
// the explicit port when present, else the scheme name per transport
// kind.
func splitAuthority(authority string, useTLS bool) (host, service string, err error) {
	if authority == "" {
		return "", "", fmt.Errorf("%w: empty authority", message.ErrInvalidArgument)
	}
	if strings.Contains(authority, "/") {
		return "", "", fmt.Errorf("%w: authority %q contains a path", message.ErrInvalidArgument, authority)
	}
	host, port, splitErr := net.SplitHostPort(authority)
	if splitErr != nil {
		// No port in the authority; the scheme decides the service.
		host = strings.Trim(authority, "[]")
		if useTLS {
			return host, "https", nil
		}
		return host, "http", nil
	}
	return host, port, nil
}
