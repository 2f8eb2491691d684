// Package loadbalance provides the endpoint-selection policies the pool
// uses when it opens a new connection.
//
// Three strategies are implemented:
//   - LeastConnections: spread new connections across endpoints evenly
//     (the pool default)
//   - RoundRobin:       rotate through endpoints regardless of load
//   - WeightedRandom:   heterogeneous endpoints (different capacity)
package loadbalance

import (
	"fmt"

	"go-requests/resolve"
)

// Balancer picks the endpoint the next connection should dial.
//
// connCount reports how many pooled connections currently target an
// endpoint. The pool calls Pick under its mutex, so implementations may
// reorder eps in place — the reordering is part of the pool's state and
// stays protected by that mutex.
type Balancer interface {
	Pick(eps []resolve.Endpoint, connCount func(resolve.Endpoint) int) (resolve.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ErrNoEndpoints is returned by every strategy when eps is empty.
var ErrNoEndpoints = fmt.Errorf("no endpoints available")
