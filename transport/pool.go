// Package transport also provides ChannelPool, the bounded set of Connections
// to one address that calls check out and return.
//
// Pool design: a buffered channel holds idle Connections as a natural FIFO
// queue. Buffered channels are concurrency-safe, and blocking on empty is built-in.
// Connections are created lazily and returned to callers while still
// connecting; calls issued against them wait in the Connection's own queue.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ChannelPool manages up to maxConns Connections to a single address.
type ChannelPool struct {
	mu       sync.Mutex
	idle     chan *Connection     // Returned Connections, FIFO
	all      map[*Connection]bool // Every live Connection → checked out
	addr     string               // Target host:port
	maxConns int                  // Maximum number of connections
	closed   bool
	done     chan struct{} // Closed by Close to release blocked Get calls
	client   *RpcClient
	logger   *zap.Logger
}

func NewChannelPool(client *RpcClient, host string, port int) *ChannelPool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	maxConns := client.opts.MaxConnections
	return &ChannelPool{
		idle:     make(chan *Connection, maxConns),
		all:      make(map[*Connection]bool),
		addr:     addr,
		maxConns: maxConns,
		done:     make(chan struct{}),
		client:   client,
		logger:   client.logger.With(zap.String("addr", addr)),
	}
}

func (p *ChannelPool) Addr() string {
	return p.addr
}

// Len is the number of live Connections, idle or checked out.
func (p *ChannelPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Get checks out a Connection.
// Strategy:
//  1. Take an idle Connection if there is one
//  2. Otherwise create a new one if the pool is under its limit
//  3. Otherwise block until one is returned, ctx is done, or the pool closes
//
// The returned Connection may still be connecting; a connect is started if it
// is neither connected nor connecting. It must be handed back with Put
// exactly once.
func (p *ChannelPool) Get(ctx context.Context) (*Connection, error) {
	for {
		select {
		case conn := <-p.idle:
			if c, ok := p.checkout(conn); ok {
				return c, nil
			}
			continue
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Wrapf(ErrClosed, "pool %s", p.addr)
		}
		if len(p.all) < p.maxConns {
			conn := newConnection(p.client, p.addr)
			p.all[conn] = true
			p.mu.Unlock()

			conn.Connect()
			return conn, nil
		}
		p.mu.Unlock()

		select {
		case conn := <-p.idle:
			if c, ok := p.checkout(conn); ok {
				return c, nil
			}
		case <-p.done:
			return nil, errors.Wrapf(ErrClosed, "pool %s", p.addr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// checkout marks an idle Connection as in use, discarding it if it was closed
// while idle.
func (p *ChannelPool) checkout(conn *Connection) (*Connection, bool) {
	p.mu.Lock()
	if p.closed || conn.Closed() {
		delete(p.all, conn)
		p.mu.Unlock()
		return nil, false
	}
	p.all[conn] = true
	p.mu.Unlock()

	conn.Connect()
	return conn, true
}

// Put returns a checked-out Connection. Returning a Connection that is not
// checked out is ignored and logged, so double returns cannot inflate the pool.
func (p *ChannelPool) Put(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse, ok := p.all[conn]
	if !ok || !inUse {
		if !p.closed {
			p.logger.Warn("connection returned to pool twice or to the wrong pool")
		}
		return
	}
	if p.closed || conn.Closed() {
		delete(p.all, conn)
		return
	}
	p.all[conn] = false
	p.idle <- conn // never blocks: at most maxConns Connections exist
}

// Close closes every Connection, idle or checked out. A failure closing one
// Connection is logged and does not stop the others from being closed; all
// failures are returned together.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	conns := p.all
	p.all = make(map[*Connection]bool)
	p.mu.Unlock()

	var err error
	for conn := range conns {
		if cerr := conn.Close(); cerr != nil {
			p.logger.Warn("close connection", zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
