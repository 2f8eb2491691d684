package loadbalance

import (
	"sort"

	"go-requests/resolve"
)

// LeastConnections sorts the endpoint list ascending by current connection
// count and picks the front. The sort is stable, so endpoints with equal
// load keep their insertion order — the first-listed endpoint wins ties,
// which keeps selection deterministic and testable.
type LeastConnections struct{}

func (LeastConnections) Pick(eps []resolve.Endpoint, connCount func(resolve.Endpoint) int) (resolve.Endpoint, error) {
	if len(eps) == 0 {
		return resolve.Endpoint{}, ErrNoEndpoints
	}
	sort.SliceStable(eps, func(i, j int) bool {
		return connCount(eps[i]) < connCount(eps[j])
	})
	return eps[0], nil
}

func (LeastConnections) Name() string { return "LeastConnections" }
