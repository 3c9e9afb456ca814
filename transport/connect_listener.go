package transport

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// operationComplete runs when a connect attempt finishes.
//
// On success the socket is installed and the outbound queue is drained in
// FIFO order while c.mu is held, so calls arriving meanwhile cannot overtake
// queued ones. Calls resolved while queued are skipped. On failure the
// Connection is marked failed and everything still queued is failed with
// ErrConnectFailed; nothing waits on a dead address indefinitely.
func (c *Connection) operationComplete(conn net.Conn, err error) {
	if err != nil {
		c.logger.Info("build connection failed", zap.Error(err))

		c.mu.Lock()
		queued := c.queue
		c.queue = nil
		if !c.closed {
			c.state.Store(int32(StateFailed))
		}
		c.mu.Unlock()

		cause := errors.Wrapf(ErrConnectFailed, "%s: %s", c.addr, err)
		for _, state := range queued {
			c.client.failCall(state.CorrelationID, cause, outcomeBroken)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.client.metrics.connections.Inc()

	go c.recvLoop(conn)
	if interval := c.client.opts.HeartbeatInterval; interval > 0 {
		go c.heartbeatLoop(conn, interval)
	}

	queued := c.queue
	c.queue = nil
	var (
		broken error
		failed []callFailure
	)
	for i, state := range queued {
		if state.settled() {
			c.logger.Debug("drop resolved request from queue", zap.Uint64("correlation_id", state.CorrelationID))
			continue
		}
		if broken != nil {
			failed = append(failed, callFailure{state.CorrelationID, broken, outcomeBroken})
			continue
		}
		header, body, err := c.encodeRequest(state)
		if err != nil {
			failed = append(failed, callFailure{state.CorrelationID, err, outcomeRejected})
			continue
		}
		c.logger.Debug("send over from queue", zap.Uint64("correlation_id", state.CorrelationID), zap.Int("position", i))
		if werr := c.writeFrame(conn, state, header, body); werr != nil {
			broken = errors.Wrapf(ErrConnectionBroken, "%s: %s", c.addr, werr)
			failed = append(failed, callFailure{state.CorrelationID, broken, outcomeBroken})
		}
	}
	c.mu.Unlock()

	// resolving runs completion hooks, which may return this Connection to
	// its pool and must not see c.mu held
	for _, f := range failed {
		c.client.failCall(f.id, f.err, f.outcome)
	}
	if broken != nil {
		c.markBroken(conn, broken)
	}
}

type callFailure struct {
	id      uint64
	err     error
	outcome string
}
