package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/message"
)

// RpcChannel drives single calls over a ChannelPool.
type RpcChannel struct {
	client *RpcClient
	pool   *ChannelPool
	logger *zap.Logger

	closeOnce sync.Once
	release   func() error // set for shared pools; replaces closing the pool
}

// NewRpcChannel creates a channel with its own pool to host:port.
func NewRpcChannel(client *RpcClient, host string, port int) *RpcChannel {
	pool := NewChannelPool(client, host, port)
	return &RpcChannel{
		client: client,
		pool:   pool,
		logger: client.logger.With(zap.String("addr", pool.Addr())),
	}
}

func (ch *RpcChannel) Addr() string {
	return ch.pool.Addr()
}

func (ch *RpcChannel) Pool() *ChannelPool {
	return ch.pool
}

// TestChannelConnect checks out a Connection, waits for it to connect and
// returns it.
func (ch *RpcChannel) TestChannelConnect(ctx context.Context) error {
	conn, err := ch.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer ch.ReleaseConnection(conn)
	return conn.WaitConnected(ctx)
}

func (ch *RpcChannel) GetConnection(ctx context.Context) (*Connection, error) {
	return ch.pool.Get(ctx)
}

func (ch *RpcChannel) ReleaseConnection(conn *Connection) {
	ch.pool.Put(conn)
}

// DoTransport dispatches one request whose CorrelationID is already set.
//
// Steps, in this order:
//  1. schedule the timeout task for the correlation id
//  2. register the pending call, before anything can be sent, so a fast
//     response always finds its waiter
//  3. check out a Connection, waiting no longer than the call's timeout
//  4. send, or queue until the Connection is connected
//  5. if neither worked, remove the pending call and fail cb right away
//  6. return the Connection now (InnerReusePool) or once cb is resolved
//
// Failures after step 2 resolve cb and are not returned. A returned error
// means cb was never registered.
func (ch *RpcChannel) DoTransport(ctx context.Context, pkg *message.RPCMessage, cb *BlockingRpcCallback, timeout time.Duration) error {
	if pkg == nil {
		return errors.New("rpc: nil request package")
	}
	if cb == nil {
		return errors.New("rpc: nil callback")
	}
	if timeout <= 0 {
		timeout = ch.client.opts.OnceTalkTimeout
	}

	start := time.Now()
	id := pkg.CorrelationID
	state := newCallState(pkg, cb)

	state.timeout = ch.client.timer.Schedule(timeout, func() {
		state.expired.Store(true)
		ch.client.expire(state, timeout)
	})
	if err := ch.client.RegisterPendingRequest(id, state); err != nil {
		state.timeout.Stop()
		return err
	}
	if state.expired.Load() {
		// the deadline passed before the call was registered
		ch.client.expire(state, timeout)
		return nil
	}

	// waiting for a Connection counts against the call's own deadline
	getCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := ch.pool.Get(getCtx)
	expired := getCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if err != nil {
		if expired {
			ch.client.expire(state, timeout)
		} else {
			ch.client.failCall(id, errors.Wrap(err, "check out connection"), outcomeRejected)
		}
		return nil
	}

	reuse := ch.client.opts.InnerReusePool
	if !reuse {
		cb.onComplete(func() { ch.ReleaseConnection(conn) })
	}

	if err := conn.Send(state); err != nil {
		outcome := outcomeRejected
		if errors.Is(err, ErrConnectionBroken) {
			outcome = outcomeBroken
		}
		if ch.client.failCall(id, err, outcome) {
			ch.logger.Debug("request failed before it was sent",
				zap.Uint64("correlation_id", id), zap.Error(err))
		}
	}

	if reuse {
		ch.ReleaseConnection(conn)
	}

	ch.logger.Debug("profiling do transport",
		zap.Uint64("correlation_id", id),
		zap.String("method", pkg.MethodName),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Close tears down the channel's pool, or drops this channel's reference to a
// shared pool.
func (ch *RpcChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		if ch.release != nil {
			err = ch.release()
			return
		}
		err = ch.pool.Close()
	})
	return err
}
