// Package transport implements the client-side engine: pooled connections that
// multiplex many in-flight calls, the registry that routes responses back to
// their callers, and the per-call timeout machinery.
//
// Each request gets a unique correlation id, and a background goroutine per
// socket (recvLoop) continuously reads responses and routes them to the
// correct caller through the client's pending registry.
//
//	goroutine-1 ──DoTransport(id=1)──┐
//	goroutine-2 ──DoTransport(id=2)──┼──→ Connection ──→ Server
//	goroutine-3 ──DoTransport(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → callback resolved → goroutine-2 wakes up
//	timer:     id=3 expired        → pending[3] → callback failed with ErrTimeout
//
// Whichever of response, timeout, or send failure removes a pending entry
// first resolves the call; the others find nothing and do nothing.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/message"
)

// DialFunc opens the socket behind a Connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type ClientOption func(*RpcClient)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *RpcClient) { c.logger = logger }
}

func WithDialer(dial DialFunc) ClientOption {
	return func(c *RpcClient) { c.dial = dial }
}

// RpcClient owns the state shared by every pool created for it: options,
// the correlation id generator, the pending registry and the timeout scheduler.
type RpcClient struct {
	opts    RpcClientOptions
	logger  *zap.Logger
	dial    DialFunc
	seq     atomic.Uint64
	pending *PendingRegistry
	timer   *TimeoutScheduler
	late    *lru.Cache // correlation ids that timed out recently
	metrics *clientMetrics
	closed  atomic.Bool

	sharedOnce sync.Once
	shared     *GlobalChannelPoolFactory
}

func NewRpcClient(opts RpcClientOptions, options ...ClientOption) *RpcClient {
	opts = opts.withDefaults()
	c := &RpcClient{
		opts:    opts,
		logger:  zap.NewNop(),
		pending: NewPendingRegistry(),
		timer:   NewTimeoutScheduler(),
		metrics: newClientMetrics(),
	}
	dialer := &net.Dialer{}
	c.dial = dialer.DialContext
	for _, o := range options {
		o(c)
	}

	late, err := lru.New(opts.LateResponseCacheSize)
	if err != nil {
		// only fails for a non-positive size, which withDefaults rules out
		panic(err)
	}
	c.late = late
	return c
}

func (c *RpcClient) Options() RpcClientOptions {
	return c.opts
}

func (c *RpcClient) Logger() *zap.Logger {
	return c.logger
}

// SharedChannelPoolFactory is the factory used by proxies of this client when
// ShareChannelPool is set and no factory is given explicitly.
func (c *RpcClient) SharedChannelPoolFactory() *GlobalChannelPoolFactory {
	c.sharedOnce.Do(func() {
		c.shared = NewGlobalChannelPoolFactory()
	})
	return c.shared
}

// NextCorrelationID returns a fresh id. Ids increase monotonically and are
// never handed out twice by one client.
func (c *RpcClient) NextCorrelationID() uint64 {
	return c.seq.Add(1)
}

func (c *RpcClient) RegisterPendingRequest(id uint64, state *RpcClientCallState) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.pending.Register(id, state); err != nil {
		return err
	}
	c.metrics.pending.Inc()
	if c.closed.Load() {
		// lost the race with Close, whose sweep may have missed this entry
		c.RemovePendingRequest(id)
		return ErrClosed
	}
	return nil
}

func (c *RpcClient) RemovePendingRequest(id uint64) (*RpcClientCallState, bool) {
	state, ok := c.pending.Remove(id)
	if ok {
		c.metrics.pending.Dec()
	}
	return state, ok
}

// PendingCount is the number of calls still waiting to be resolved.
func (c *RpcClient) PendingCount() int {
	return c.pending.Len()
}

// handleResponse routes a decoded response to its waiter.
func (c *RpcClient) handleResponse(msg *message.RPCMessage) {
	state, ok := c.RemovePendingRequest(msg.CorrelationID)
	if !ok {
		if c.late.Contains(msg.CorrelationID) {
			c.metrics.lateResponses.Inc()
			c.logger.Warn("drop response of timed out call",
				zap.Uint64("correlation_id", msg.CorrelationID),
				zap.String("service", msg.ServiceName),
				zap.String("method", msg.MethodName))
		} else {
			c.logger.Warn("drop response with unknown correlation id",
				zap.Uint64("correlation_id", msg.CorrelationID))
		}
		return
	}

	state.HandleResponse(msg)
	c.metrics.calls.WithLabelValues(outcomeSuccess).Inc()
	c.metrics.callDuration.Observe(time.Since(state.startTime).Seconds())
}

// fireTimeout times out whatever call is pending under id.
func (c *RpcClient) fireTimeout(id uint64, timeout time.Duration) {
	state, ok := c.RemovePendingRequest(id)
	if !ok {
		return
	}
	c.timeoutCall(id, state, timeout)
}

// expire is the deadline task of one call. It only removes that call's own
// entry, never another call registered under the same id.
func (c *RpcClient) expire(state *RpcClientCallState, timeout time.Duration) {
	if !c.pending.RemoveState(state.CorrelationID, state) {
		return
	}
	c.metrics.pending.Dec()
	c.timeoutCall(state.CorrelationID, state, timeout)
}

func (c *RpcClient) timeoutCall(id uint64, state *RpcClientCallState, timeout time.Duration) {
	c.late.Add(id, struct{}{})
	c.metrics.calls.WithLabelValues(outcomeTimeout).Inc()
	c.logger.Debug("call timed out",
		zap.Uint64("correlation_id", id),
		zap.String("service", state.Package.ServiceName),
		zap.String("method", state.Package.MethodName),
		zap.Duration("timeout", timeout))
	state.HandleFailure(&TimeoutError{CorrelationID: id, Timeout: timeout})
}

// failCall resolves id with err if it is still pending.
func (c *RpcClient) failCall(id uint64, err error, outcome string) bool {
	state, ok := c.RemovePendingRequest(id)
	if !ok {
		return false
	}
	c.metrics.calls.WithLabelValues(outcome).Inc()
	return state.HandleFailure(err)
}

// failBound fails every pending call that was written to conn.
func (c *RpcClient) failBound(conn net.Conn, err error) {
	c.pending.Range(func(id uint64, state *RpcClientCallState) bool {
		if state.boundTo(conn) {
			c.failCall(id, err, outcomeBroken)
		}
		return true
	})
}

// Close fails every pending call with ErrClosed. Pools created for the client
// must be closed by their owners.
func (c *RpcClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.timer.Stop()
	c.pending.Range(func(id uint64, state *RpcClientCallState) bool {
		c.failCall(id, errors.WithStack(ErrClosed), outcomeClosed)
		return true
	})
	return nil
}
