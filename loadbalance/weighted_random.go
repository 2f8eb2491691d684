package loadbalance

import (
	"math/rand"

	"go-requests/resolve"
)

// WeightedRandom picks endpoints randomly in proportion to configured
// weights. Endpoints without an entry in the weight table count as 1.
type WeightedRandom struct {
	Weights map[resolve.Endpoint]int
}

func (b *WeightedRandom) weight(ep resolve.Endpoint) int {
	if w, ok := b.Weights[ep]; ok && w > 0 {
		return w
	}
	return 1
}

func (b *WeightedRandom) Pick(eps []resolve.Endpoint, _ func(resolve.Endpoint) int) (resolve.Endpoint, error) {
	if len(eps) == 0 {
		return resolve.Endpoint{}, ErrNoEndpoints
	}

	total := 0
	for _, ep := range eps {
		total += b.weight(ep)
	}

	// Random point on [0, total); walk until the cursor goes negative.
	r := rand.Intn(total)
	for _, ep := range eps {
		r -= b.weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return eps[len(eps)-1], nil
}

func (b *WeightedRandom) Name() string { return "WeightedRandom" }
