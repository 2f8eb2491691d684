package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go-requests/resolve"
)

var (
	// ErrClosed reports I/O on a connection whose transport is gone.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout reports a per-operation deadline that expired. The
	// connection it fired on is closed.
	ErrTimeout = errors.New("operation timed out")
)

// Stream is the duplex byte stream a Connection owns: plain TCP or
// TLS-over-TCP behind one capability set. All I/O flows through the owning
// Connection; the stream itself is never shared.
type Stream interface {
	// Connect dials the endpoint. The TLS variant also performs the
	// handshake before returning.
	Connect(ctx context.Context, ep resolve.Endpoint) error
	Close() error
	IsOpen() bool

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// TCP is the plain transport.
type TCP struct {
	DialTimeout time.Duration

	conn net.Conn
	open atomic.Bool
}

func NewTCP(dialTimeout time.Duration) *TCP {
	return &TCP{DialTimeout: dialTimeout}
}

func (t *TCP) Connect(ctx context.Context, ep resolve.Endpoint) error {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, ep.Network, ep.Addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.open.Store(true)
	return nil
}

func (t *TCP) Close() error {
	if !t.open.Swap(false) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCP) IsOpen() bool { return t.open.Load() }

func (t *TCP) Read(p []byte) (int, error) {
	if !t.open.Load() {
		return 0, ErrClosed
	}
	return t.conn.Read(p)
}

func (t *TCP) Write(p []byte) (int, error) {
	if !t.open.Load() {
		return 0, ErrClosed
	}
	return t.conn.Write(p)
}

func (t *TCP) SetReadDeadline(d time.Time) error {
	if !t.open.Load() {
		return ErrClosed
	}
	return t.conn.SetReadDeadline(d)
}

func (t *TCP) SetWriteDeadline(d time.Time) error {
	if !t.open.Load() {
		return ErrClosed
	}
	return t.conn.SetWriteDeadline(d)
}

// TLS wraps TCP with a TLS session. The tls.Config is shared by reference
// across every connection of a pool and treated as read-only; per-stream
// fields (SNI) go on a clone.
type TLS struct {
	DialTimeout time.Duration
	Config      *tls.Config
	// ServerName is the SNI to present: the canonical host from the
	// resolver, never the IP literal being dialed.
	ServerName string

	conn *tls.Conn
	open atomic.Bool
}

func NewTLS(cfg *tls.Config, serverName string, dialTimeout time.Duration) *TLS {
	return &TLS{DialTimeout: dialTimeout, Config: cfg, ServerName: serverName}
}

func (t *TLS) Connect(ctx context.Context, ep resolve.Endpoint) error {
	d := net.Dialer{Timeout: t.DialTimeout}
	raw, err := d.DialContext(ctx, ep.Network, ep.Addr)
	if err != nil {
		return err
	}

	cfg := t.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && t.ServerName != "" {
		cfg = cfg.Clone()
		cfg.ServerName = t.ServerName
	}
	if len(cfg.NextProtos) == 0 {
		cfg = cfg.Clone()
		cfg.NextProtos = []string{"http/1.1"}
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return fmt.Errorf("tls handshake: %w", err)
	}
	t.conn = conn
	t.open.Store(true)
	return nil
}

// Close shuts the TLS session down (close_notify) along with the socket.
func (t *TLS) Close() error {
	if !t.open.Swap(false) {
		return nil
	}
	return t.conn.Close()
}

func (t *TLS) IsOpen() bool { return t.open.Load() }

func (t *TLS) Read(p []byte) (int, error) {
	if !t.open.Load() {
		return 0, ErrClosed
	}
	return t.conn.Read(p)
}

func (t *TLS) Write(p []byte) (int, error) {
	if !t.open.Load() {
		return 0, ErrClosed
	}
	return t.conn.Write(p)
}

func (t *TLS) SetReadDeadline(d time.Time) error {
	if !t.open.Load() {
		return ErrClosed
	}
	return t.conn.SetReadDeadline(d)
}

func (t *TLS) SetWriteDeadline(d time.Time) error {
	if !t.open.Load() {
		return ErrClosed
	}
	return t.conn.SetWriteDeadline(d)
}

// wrapIOError classifies a transport failure: deadline expirations become
// ErrTimeout, everything else stays as-is for errors.Is inspection.
func wrapIOError(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
