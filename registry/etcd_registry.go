package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix all services are stored under.
const DefaultPrefix = "/pbrpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed.
type EtcdRegistry struct {
	client         *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix         string
	requestTimeout time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → stops that key's lease renewal
	ctx        context.Context               // Cancelled by Close, ends every Watch
	cancel     context.CancelFunc
}

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithRequestTimeout(d time.Duration) EtcdOption {
	return func(r *EtcdRegistry) { r.requestTimeout = d }
}

func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &EtcdRegistry{
		client:         c,
		prefix:         DefaultPrefix,
		requestTimeout: 3 * time.Second,
		logger:         zap.NewNop(),
		keepAlives:     make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The lease id is kept local so that several servers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.requestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(serviceName, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	keepCtx, stop := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stop()
		return errors.Wrap(err, "keep lease alive")
	}

	r.mu.Lock()
	if prev, ok := r.keepAlives[key]; ok {
		prev()
	}
	r.keepAlives[key] = stop
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease renewal stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes a service instance from etcd and stops renewing its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	if stop, ok := r.keepAlives[key]; ok {
		stop()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.requestTimeout)
	defer cancel()
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
// The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Warn("refresh watched service", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all lease renewals and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
