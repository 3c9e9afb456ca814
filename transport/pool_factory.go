package transport

import (
	"sync"
)

// ChannelPoolFactory decides how pools are scoped. It is chosen once when a
// proxy is set up.
type ChannelPoolFactory interface {
	GetOrCreateChannelPool(client *RpcClient, host string, port int) *RpcChannel
}

// SimpleChannelPoolFactory gives every caller its own pool.
type SimpleChannelPoolFactory struct{}

func (SimpleChannelPoolFactory) GetOrCreateChannelPool(client *RpcClient, host string, port int) *RpcChannel {
	return NewRpcChannel(client, host, port)
}

type sharedPool struct {
	pool *ChannelPool
	refs int
}

type sharedKey struct {
	client *RpcClient
	addr   string
}

// GlobalChannelPoolFactory hands out channels that share one pool per
// (client, address). The pool is closed when the last channel using it is.
type GlobalChannelPoolFactory struct {
	mu    sync.Mutex
	pools map[sharedKey]*sharedPool
}

func NewGlobalChannelPoolFactory() *GlobalChannelPoolFactory {
	return &GlobalChannelPoolFactory{pools: make(map[sharedKey]*sharedPool)}
}

func (f *GlobalChannelPoolFactory) GetOrCreateChannelPool(client *RpcClient, host string, port int) *RpcChannel {
	ch := NewRpcChannel(client, host, port)
	key := sharedKey{client: client, addr: ch.pool.Addr()}

	f.mu.Lock()
	defer f.mu.Unlock()

	shared, ok := f.pools[key]
	if !ok {
		shared = &sharedPool{pool: ch.pool}
		f.pools[key] = shared
	}
	shared.refs++
	ch.pool = shared.pool
	ch.release = func() error {
		f.mu.Lock()
		shared.refs--
		last := shared.refs == 0
		if last {
			delete(f.pools, key)
		}
		f.mu.Unlock()

		if last {
			return shared.pool.Close()
		}
		return nil
	}
	return ch
}

// Len is the number of distinct pools currently shared.
func (f *GlobalChannelPoolFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools)
}
