// Package discovery is the etcd-backed peer registry. Each node
// registers its reconciliation address under a leased key and watches
// the prefix to keep its ring current.
package discovery

import (
	"context"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Prefix is the registry keyspace; node addresses live at Prefix + id.
const Prefix = "/pbs/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and
// keeps the lease alive in the background. The returned cancel stops the
// keepalive; callers revoke the lease on shutdown so peers notice
// promptly.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	_, err = cli.Put(context.TODO(), Prefix+id, addr, clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		// drain keepalive acks until cancelled
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers reads the full registry.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), Prefix)
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers invokes fn with the complete peer map after every registry
// change (and once at start). The returned cancel stops the watch.
func WatchPeers(cli *clientv3.Client, fn func(peers map[string]string)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		peers, err := GetPeers(ctx, cli)
		if err != nil {
			peers = map[string]string{}
		}
		fn(copyPeers(peers))

		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix())
		for resp := range wch {
			if resp.Err() != nil {
				continue
			}
			for _, ev := range resp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), Prefix)
				switch ev.Type {
				case mvccpb.PUT:
					peers[id] = string(ev.Kv.Value)
				case mvccpb.DELETE:
					delete(peers, id)
				}
			}
			fn(copyPeers(peers))
		}
	}()

	return cancel
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for id, addr := range in {
		out[id] = addr
	}
	return out
}
