package loadbalance

import (
	"sync/atomic"

	"go-requests/resolve"
)

// RoundRobin rotates through the endpoint list in order. Uses an atomic
// counter for lock-free, goroutine-safe operation.
//
// Best for: endpoints with similar capacity where connection counts do not
// reflect actual load.
type RoundRobin struct {
	counter int64
}

func (b *RoundRobin) Pick(eps []resolve.Endpoint, _ func(resolve.Endpoint) int) (resolve.Endpoint, error) {
	if len(eps) == 0 {
		return resolve.Endpoint{}, ErrNoEndpoints
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(eps))
	return eps[index], nil
}

func (b *RoundRobin) Name() string { return "RoundRobin" }
