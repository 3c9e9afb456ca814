package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/codec"
	"pbrpc/message"
	"pbrpc/protocol"
)

// ConnState is the connect state of a Connection.
type ConnState int32

const (
	StateNotConnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed // last connect attempt failed; the next Connect starts over
)

func (s ConnState) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is one physical socket to a pool's address, shared by every call
// multiplexed on it. Calls issued before the connect completes wait in an
// outbound queue and are written in FIFO order once it succeeds.
type Connection struct {
	addr   string
	client *RpcClient
	logger *zap.Logger

	state atomic.Int32

	mu     sync.Mutex // guards conn, queue, closed, future
	conn   net.Conn
	queue  []*RpcClientCallState
	closed bool
	future chan struct{} // closed when the current connect attempt completes

	sending sync.Mutex // Write lock: frames of concurrent calls must not interleave
}

func newConnection(client *RpcClient, addr string) *Connection {
	c := &Connection{
		addr:   addr,
		client: client,
		logger: client.logger.With(zap.String("addr", addr)),
		future: make(chan struct{}),
	}
	return c
}

func (c *Connection) Addr() string {
	return c.addr
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// QueueLen is the number of calls waiting for the connect to complete.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect starts a connect attempt in the background. It is a no-op while a
// connect is in progress or the socket is up, so repeated checkouts never
// start duplicate attempts.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch c.State() {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(StateConnecting))
	future := make(chan struct{})
	c.future = future
	c.mu.Unlock()

	go c.connect(future)
}

func (c *Connection) connect(future chan struct{}) {
	defer close(future)

	opts := c.client.opts
	var (
		conn net.Conn
		err  error
	)
	for attempt := 0; attempt <= opts.ConnectRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(opts.ConnectRetryInterval)
			if c.Closed() {
				err = errors.WithStack(ErrClosed)
				break
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
		conn, err = c.client.dial(ctx, "tcp", c.addr)
		cancel()
		if err == nil {
			break
		}
		c.logger.Debug("dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	c.operationComplete(conn, err)
}

// WaitConnected blocks until the current connect attempt completes.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	future := c.future
	c.mu.Unlock()

	select {
	case <-future:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !c.IsConnected() {
		return errors.Wrapf(ErrConnectFailed, "connect %s", c.addr)
	}
	return nil
}

// Send hands a call to the connection: written at once when connected,
// queued otherwise. A call that is already resolved, typically timed out
// while waiting for a Connection, is dropped. A non-nil error means the call
// was neither written nor queued and the caller still owns its resolution.
func (c *Connection) Send(state *RpcClientCallState) error {
	if state.settled() {
		c.logger.Debug("drop resolved request", zap.Uint64("correlation_id", state.CorrelationID))
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrapf(ErrRejected, "connection to %s is closed", c.addr)
	}
	if c.State() != StateConnected {
		if len(c.queue) >= c.client.opts.MaxQueueSize {
			c.mu.Unlock()
			return errors.Wrapf(ErrRejected, "outbound queue of %s is full (%d)", c.addr, len(c.queue))
		}
		c.queue = append(c.queue, state)
		c.mu.Unlock()

		c.logger.Debug("queue request until connected", zap.Uint64("correlation_id", state.CorrelationID))
		c.Connect()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	header, body, err := c.encodeRequest(state)
	if err != nil {
		return err
	}
	if err := c.writeFrame(conn, state, header, body); err != nil {
		c.markBroken(conn, err)
		return errors.Wrapf(ErrConnectionBroken, "write to %s: %s", c.addr, err)
	}
	return nil
}

// encodeRequest serializes a request envelope into a frame.
func (c *Connection) encodeRequest(state *RpcClientCallState) (*protocol.Header, []byte, error) {
	codecType := c.client.opts.CodecType
	body, err := codec.GetCodec(codecType).Encode(state.Package)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode request")
	}
	// an oversized frame would make the peer drop the socket and with it
	// every call multiplexed on it
	if limit := c.client.opts.MaxRequestBodyLen; len(body) > limit {
		return nil, nil, errors.Wrapf(ErrRejected, "request body of %d bytes exceeds %d", len(body), limit)
	}
	return &protocol.Header{
		CodecType: byte(codecType),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       state.CorrelationID,
		BodyLen:   uint32(len(body)),
	}, body, nil
}

// writeFrame binds state to conn and writes its frame.
func (c *Connection) writeFrame(conn net.Conn, state *RpcClientCallState, header *protocol.Header, body []byte) error {
	state.setChannel(conn)
	c.logger.Debug("send request",
		zap.Uint64("correlation_id", state.CorrelationID),
		zap.String("service", state.Package.ServiceName),
		zap.String("method", state.Package.MethodName))

	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(conn, header, body)
}

// recvLoop is the only reader of conn. For each response it hands the
// envelope to the client, which finds the waiter by correlation id.
func (c *Connection) recvLoop(conn net.Conn) {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			c.markBroken(conn, err)
			return
		}

		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			c.logger.Warn("decode response", zap.Uint64("correlation_id", header.Seq), zap.Error(err))
			c.client.failCall(header.Seq, errors.Wrap(err, "decode response"), outcomeBroken)
			continue
		}
		resp.CorrelationID = header.Seq
		c.client.handleResponse(&resp)
	}
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// It exits once conn is no longer the connection's socket.
func (c *Connection) heartbeatLoop(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}

		header := &protocol.Header{
			CodecType: byte(c.client.opts.CodecType),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		c.sending.Lock()
		err := protocol.Encode(conn, header, nil)
		c.sending.Unlock()
		if err != nil {
			c.markBroken(conn, err)
			return
		}
	}
}

// markBroken retires conn after an I/O error and fails every call written to
// it. The Connection drops back to not-connected; the next checkout reconnects.
func (c *Connection) markBroken(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if !c.closed {
		c.state.Store(int32(StateNotConnected))
	}
	c.mu.Unlock()

	c.client.metrics.connections.Dec()
	c.logger.Info("connection broken", zap.Error(cause))
	conn.Close()
	c.client.failBound(conn, errors.Wrapf(ErrConnectionBroken, "%s: %s", c.addr, cause))
}

// Close closes the socket and fails queued and in-flight calls. Closing twice
// is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	queued := c.queue
	c.queue = nil
	c.state.Store(int32(StateNotConnected))
	c.mu.Unlock()

	for _, state := range queued {
		c.client.failCall(state.CorrelationID, errors.Wrapf(ErrClosed, "connection to %s closed", c.addr), outcomeClosed)
	}
	if conn == nil {
		return nil
	}

	c.client.metrics.connections.Dec()
	err := conn.Close()
	c.client.failBound(conn, errors.Wrapf(ErrConnectionBroken, "connection to %s closed", c.addr))
	return err
}
