// Package resolve turns an authority ("example.com", "example.com:8080")
// into transport endpoints the pool can dial.
//
// The default resolver asks DNS. Etcd is the service-discovery
// alternative: endpoints registered in etcd under a name, with watch
// support so a pool can track membership changes.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrResolveFailed reports a name that yielded no endpoints.
var ErrResolveFailed = errors.New("resolve failed: no endpoints")

// Endpoint is a transport-level address. It is a value type: two endpoints
// with the same network and address are the same endpoint, and it is
// usable as a map key, which is exactly how the pool indexes connections.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Addr    string // "ip:port" for tcp, socket path for unix
}

func (e Endpoint) String() string { return e.Network + "://" + e.Addr }

// Resolver yields the canonical host and the endpoint list for a name.
//
// service is the port string when the authority carries one, else "http"
// or "https" per the pool's transport kind. The canonical host feeds the
// Host header and TLS SNI downstream.
type Resolver interface {
	Resolve(ctx context.Context, host, service string) (canonical string, eps []Endpoint, err error)
}

// DNS resolves via the system resolver. The zero value is ready to use.
type DNS struct {
	// Resolver overrides net.DefaultResolver, mainly for tests.
	Resolver *net.Resolver
}

func (d *DNS) resolver() *net.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return net.DefaultResolver
}

// Resolve looks up all A/AAAA records for host and pairs each with the
// service port. The canonical host is the queried name (trailing dot
// trimmed) — it is what SNI and the Host header must carry, not an IP
// literal from the record set.
func (d *DNS) Resolve(ctx context.Context, host, service string) (string, []Endpoint, error) {
	if host == "" {
		return "", nil, fmt.Errorf("%w: empty host", ErrResolveFailed)
	}
	port, err := d.resolver().LookupPort(ctx, "tcp", service)
	if err != nil {
		return "", nil, fmt.Errorf("%w: service %q: %v", ErrResolveFailed, service, err)
	}

	addrs, err := d.resolver().LookupHost(ctx, host)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	if len(addrs) == 0 {
		return "", nil, ErrResolveFailed
	}

	eps := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		eps = append(eps, Endpoint{
			Network: "tcp",
			Addr:    net.JoinHostPort(a, fmt.Sprintf("%d", port)),
		})
	}
	return strings.TrimSuffix(host, "."), eps, nil
}

// Static resolves every name to a fixed endpoint list. Used for local
// sockets, tests, and callers that already know their endpoints.
type Static struct {
	Canonical string
	Endpoints []Endpoint
}

func (s *Static) Resolve(_ context.Context, host, _ string) (string, []Endpoint, error) {
	if len(s.Endpoints) == 0 {
		return "", nil, ErrResolveFailed
	}
	canonical := s.Canonical
	if canonical == "" {
		canonical = host
	}
	eps := make([]Endpoint, len(s.Endpoints))
	copy(eps, s.Endpoints)
	return canonical, eps, nil
}
