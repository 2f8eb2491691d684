// etcd-backed resolver: endpoints live in etcd instead of DNS.
//
// Layout mirrors a service registry:
//
//	Key:   /go-requests/{name}/{addr}
//	Value: JSON-encoded Record
//
// Instances register themselves with TTL leases elsewhere; from the
// client's side the prefix is simply the authoritative endpoint list, and
// a watch on the prefix tracks membership changes without polling.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdPrefix = "/go-requests/"

// Record is the metadata stored per registered endpoint.
type Record struct {
	Addr   string `json:"addr"`   // "ip:port"
	Weight int    `json:"weight"` // for weighted balancers; 0 means 1
}

// Etcd resolves names against an etcd cluster.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: c}, nil
}

// Resolve fetches all records under the name's prefix. The service
// argument is ignored: registered addresses already carry their port.
func (e *Etcd) Resolve(ctx context.Context, host, _ string) (string, []Endpoint, error) {
	resp, err := e.client.Get(ctx, etcdPrefix+host+"/", clientv3.WithPrefix())
	if err != nil {
		return "", nil, fmt.Errorf("%w: etcd: %v", ErrResolveFailed, err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue // skip malformed entries
		}
		eps = append(eps, Endpoint{Network: "tcp", Addr: rec.Addr})
	}
	if len(eps) == 0 {
		return "", nil, ErrResolveFailed
	}
	return host, eps, nil
}

// Watch emits the full endpoint list whenever the name's prefix changes.
// The channel closes when ctx is cancelled. Re-fetching the whole list on
// each event is simpler than folding individual watch deltas.
func (e *Etcd) Watch(ctx context.Context, host string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		watchChan := e.client.Watch(ctx, etcdPrefix+host+"/", clientv3.WithPrefix())
		for range watchChan {
			_, eps, err := e.Resolve(ctx, host, "")
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client.
func (e *Etcd) Close() error { return e.client.Close() }
