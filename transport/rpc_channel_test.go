package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"pbrpc/message"
)

func newChannel(t *testing.T, c *RpcClient, p *peer) *RpcChannel {
	t.Helper()
	host, port := p.hostPort()
	ch := NewRpcChannel(c, host, port)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func call(t *testing.T, c *RpcClient, ch *RpcChannel, payload string, timeout time.Duration) (*message.RPCMessage, error) {
	t.Helper()
	cb := NewBlockingRpcCallback(c.opts.PollInterval, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, payload), cb, timeout))
	return cb.Wait(context.Background())
}

func TestDoTransportRoundTrip(t *testing.T) {
	p := startPeer(t, echoReply)
	c := newTestClient(t, nil)
	ch := newChannel(t, c, p)

	msg, err := call(t, c, ch, "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(msg.Payload))
	assert.Zero(t, c.PendingCount())
	assert.Equal(t, 1, ch.Pool().Len())
}

func TestDoTransportTimeout(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply { return reply{} })
	c := newTestClient(t, func(o *RpcClientOptions) { o.PollInterval = 10 * time.Millisecond })
	ch := newChannel(t, c, p)
	require.NoError(t, ch.TestChannelConnect(context.Background()))

	const timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := call(t, c, ch, "hi", timeout)
	elapsed := time.Since(start)

	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+c.opts.PollInterval+40*time.Millisecond)
	assert.Zero(t, c.PendingCount())
}

// A response that arrives after the timeout is dropped and counted as late.
func TestLateResponseIsDropped(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply {
		return reply{resp: &message.RPCMessage{Payload: req.Payload}, delay: 60 * time.Millisecond}
	})
	core, logs := observer.New(zap.DebugLevel)
	c := newTestClient(t, nil, WithLogger(zap.New(core)))
	reg := prometheus.NewPedanticRegistry()
	c.RegisterMetrics(reg)
	ch := newChannel(t, c, p)

	_, err := call(t, c, ch, "hi", 10*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeout))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.lateResponses) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("drop response of timed out call").Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.calls.WithLabelValues(outcomeTimeout)))
	assert.Zero(t, testutil.ToFloat64(c.metrics.calls.WithLabelValues(outcomeSuccess)))
	assert.Zero(t, testutil.ToFloat64(c.metrics.pending))
}

// A deadline task that runs after the call was answered must change nothing.
func TestStaleTimeoutFireIsNoop(t *testing.T) {
	p := startPeer(t, echoReply)
	c := newTestClient(t, nil)
	ch := newChannel(t, c, p)

	cb := NewBlockingRpcCallback(time.Millisecond, nil)
	req := newRequest(c, "hi")
	require.NoError(t, ch.DoTransport(context.Background(), req, cb, time.Minute))
	msg, err := cb.Wait(context.Background())
	require.NoError(t, err)

	c.fireTimeout(req.CorrelationID, time.Minute)

	again, err := cb.Result()
	require.NoError(t, err)
	assert.Same(t, msg, again)
	assert.False(t, c.late.Contains(req.CorrelationID))
	assert.Zero(t, testutil.ToFloat64(c.metrics.calls.WithLabelValues(outcomeTimeout)))
}

func TestResponsesOutOfOrder(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply {
		d := 5 * time.Millisecond
		if string(req.Payload) == "slow" {
			d = 80 * time.Millisecond
		}
		return reply{resp: &message.RPCMessage{Payload: req.Payload}, delay: d}
	})
	c := newTestClient(t, func(o *RpcClientOptions) { o.MaxConnections = 1 })
	ch := newChannel(t, c, p)

	slow := NewBlockingRpcCallback(time.Millisecond, nil)
	fast := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "slow"), slow, time.Second))
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "fast"), fast, time.Second))

	msg, err := fast.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast", string(msg.Payload))
	assert.False(t, slow.IsDone())

	msg, err = slow.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "slow", string(msg.Payload))
}

// Calls issued before the connect completes are written in issue order.
func TestQueuedRequestsDrainInOrder(t *testing.T) {
	p := startPeer(t, echoReply)
	gate := make(chan struct{})
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-gate
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	c := newTestClient(t, func(o *RpcClientOptions) { o.MaxConnections = 1 }, WithDialer(dial))
	ch := newChannel(t, c, p)

	var (
		ids []uint64
		cbs []*BlockingRpcCallback
	)
	for i := 0; i < 20; i++ {
		cb := NewBlockingRpcCallback(time.Millisecond, nil)
		req := newRequest(c, "hi")
		require.NoError(t, ch.DoTransport(context.Background(), req, cb, 5*time.Second))
		ids = append(ids, req.CorrelationID)
		cbs = append(cbs, cb)
	}

	conn, err := ch.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, conn.QueueLen())
	assert.Equal(t, StateConnecting, conn.State())
	ch.ReleaseConnection(conn)

	close(gate)
	for _, cb := range cbs {
		_, err := cb.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, ids, p.received())
	assert.Zero(t, c.PendingCount())
}

func TestQueueFullRejects(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-gate
		return nil, errors.New("unreachable")
	}
	c := newTestClient(t, func(o *RpcClientOptions) {
		o.MaxConnections = 1
		o.MaxQueueSize = 2
	}, WithDialer(dial))
	ch := NewRpcChannel(c, "127.0.0.1", 1)

	var cbs []*BlockingRpcCallback
	for i := 0; i < 3; i++ {
		cb := NewBlockingRpcCallback(time.Millisecond, nil)
		require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "x"), cb, time.Minute))
		cbs = append(cbs, cb)
	}

	// the third call is failed synchronously and leaves the registry
	require.True(t, cbs[2].IsDone())
	_, err := cbs[2].Result()
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
	assert.Equal(t, 2, c.PendingCount())

	require.NoError(t, ch.Close())
	for _, cb := range cbs[:2] {
		_, err := cb.Wait(context.Background())
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	}
	assert.Zero(t, c.PendingCount())
}

func TestConnectFailureFailsQueuedCalls(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := newTestClient(t, func(o *RpcClientOptions) {
		o.ConnectRetries = 2
		o.ConnectRetryInterval = time.Millisecond
	}, WithDialer(dial))
	ch := NewRpcChannel(c, "127.0.0.1", 1)
	defer ch.Close()

	cb := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "x"), cb, time.Minute))
	_, err := cb.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrConnectFailed), "got %v", err)
	assert.Zero(t, c.PendingCount())

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	conn, err := ch.GetConnection(context.Background())
	require.NoError(t, err)
	defer ch.ReleaseConnection(conn)
	assert.Error(t, conn.WaitConnected(context.Background()))
}

func TestBrokenConnectionFailsBoundCalls(t *testing.T) {
	var answer atomic.Bool
	p := startPeer(t, func(req *message.RPCMessage) reply {
		if answer.Load() {
			return echoReply(req)
		}
		return reply{}
	})
	c := newTestClient(t, nil)
	ch := newChannel(t, c, p)
	require.NoError(t, ch.TestChannelConnect(context.Background()))

	cb := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "x"), cb, time.Minute))
	require.Eventually(t, func() bool { return len(p.received()) == 1 }, time.Second, time.Millisecond)

	p.dropConns()
	_, err := cb.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionBroken), "got %v", err)
	assert.Zero(t, c.PendingCount())

	// the next call reconnects
	answer.Store(true)
	msg, err := call(t, c, ch, "again", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "again", string(msg.Payload))
}

// Without inner reuse a Connection stays checked out until its call completes.
func TestNoInnerReuseHoldsConnection(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply {
		return reply{resp: &message.RPCMessage{Payload: req.Payload}, delay: 50 * time.Millisecond}
	})
	c := newTestClient(t, func(o *RpcClientOptions) {
		o.InnerReusePool = false
		o.MaxConnections = 1
	})
	ch := newChannel(t, c, p)

	first := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "1"), first, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.GetConnection(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	conn, err := ch.GetConnection(context.Background())
	require.NoError(t, err)
	ch.ReleaseConnection(conn)
}

// Waiting for a Connection held by another call does not outlast the
// call's own timeout, and the expired request is never written.
func TestCheckoutWaitBoundedByTimeout(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply { return reply{} })
	c := newTestClient(t, func(o *RpcClientOptions) {
		o.InnerReusePool = false
		o.MaxConnections = 1
		o.PollInterval = 10 * time.Millisecond
	})
	ch := newChannel(t, c, p)

	holder := NewBlockingRpcCallback(c.opts.PollInterval, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "hold"), holder, 300*time.Millisecond))

	const timeout = 50 * time.Millisecond
	start := time.Now()
	cb := NewBlockingRpcCallback(c.opts.PollInterval, nil)
	req := newRequest(c, "late")
	require.NoError(t, ch.DoTransport(context.Background(), req, cb, timeout))
	_, err := cb.Wait(context.Background())
	elapsed := time.Since(start)

	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, elapsed, timeout+c.opts.PollInterval+40*time.Millisecond)

	_, err = holder.Wait(context.Background())
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, p.received(), 1)
	assert.NotContains(t, p.received(), req.CorrelationID)
	assert.Zero(t, c.PendingCount())

	conn, err := ch.GetConnection(context.Background())
	require.NoError(t, err)
	ch.ReleaseConnection(conn)
}

// A queued call that times out before the connect completes is not written
// by the drain.
func TestQueuedCallTimedOutIsNotSent(t *testing.T) {
	p := startPeer(t, echoReply)
	gate := make(chan struct{})
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-gate
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	c := newTestClient(t, func(o *RpcClientOptions) { o.MaxConnections = 1 }, WithDialer(dial))
	ch := newChannel(t, c, p)

	expired := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "old"), expired, 20*time.Millisecond))
	live := NewBlockingRpcCallback(time.Millisecond, nil)
	liveReq := newRequest(c, "new")
	require.NoError(t, ch.DoTransport(context.Background(), liveReq, live, 5*time.Second))

	_, err := expired.Wait(context.Background())
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	close(gate)
	msg, err := live.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", string(msg.Payload))
	assert.Equal(t, []uint64{liveReq.CorrelationID}, p.received())
}

// A request over the size limit fails alone; the Connection it would have
// broken keeps serving other calls.
func TestOversizedRequestRejected(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply {
		return reply{resp: &message.RPCMessage{Payload: req.Payload}, delay: 30 * time.Millisecond}
	})
	c := newTestClient(t, func(o *RpcClientOptions) {
		o.MaxConnections = 1
		o.MaxRequestBodyLen = 64
	})
	ch := newChannel(t, c, p)
	require.NoError(t, ch.TestChannelConnect(context.Background()))

	small := NewBlockingRpcCallback(time.Millisecond, nil)
	smallReq := newRequest(c, "hi")
	require.NoError(t, ch.DoTransport(context.Background(), smallReq, small, time.Second))

	big := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, strings.Repeat("x", 200)), big, time.Second))
	require.True(t, big.IsDone())
	_, err := big.Result()
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)

	msg, err := small.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", string(msg.Payload))
	assert.Equal(t, []uint64{smallReq.CorrelationID}, p.received())
	assert.Zero(t, c.PendingCount())

	conn, err := ch.GetConnection(context.Background())
	require.NoError(t, err)
	defer ch.ReleaseConnection(conn)
	assert.Equal(t, StateConnected, conn.State())
}

// The deadline task of a call refused for a duplicate id leaves the call
// that owns the id pending.
func TestDuplicateIdTimerLeavesOwner(t *testing.T) {
	c := newTestClient(t, nil)
	ch := NewRpcChannel(c, "127.0.0.1", 1)
	defer ch.Close()

	req := newRequest(c, "x")
	owner := newState(req.CorrelationID)
	require.NoError(t, c.RegisterPendingRequest(req.CorrelationID, owner))

	for i := 0; i < 10; i++ {
		err := ch.DoTransport(context.Background(), req, NewBlockingRpcCallback(0, nil), time.Nanosecond)
		require.Error(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, c.PendingCount())
	assert.False(t, owner.Callback.IsDone())
	state, ok := c.RemovePendingRequest(req.CorrelationID)
	require.True(t, ok)
	assert.Same(t, owner, state)
}

func TestClientCloseFailsPending(t *testing.T) {
	p := startPeer(t, func(req *message.RPCMessage) reply { return reply{} })
	c := newTestClient(t, nil)
	ch := newChannel(t, c, p)

	cb := NewBlockingRpcCallback(time.Millisecond, nil)
	require.NoError(t, ch.DoTransport(context.Background(), newRequest(c, "x"), cb, time.Minute))
	require.NoError(t, c.Close())

	_, err := cb.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	assert.Zero(t, c.PendingCount())

	err = ch.DoTransport(context.Background(), newRequest(c, "y"), NewBlockingRpcCallback(0, nil), time.Minute)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDoTransportArguments(t *testing.T) {
	c := newTestClient(t, nil)
	ch := NewRpcChannel(c, "127.0.0.1", 1)
	assert.Error(t, ch.DoTransport(context.Background(), nil, NewBlockingRpcCallback(0, nil), 0))
	assert.Error(t, ch.DoTransport(context.Background(), newRequest(c, "x"), nil, 0))

	// a duplicate correlation id is refused before anything is sent
	req := newRequest(c, "x")
	require.NoError(t, c.RegisterPendingRequest(req.CorrelationID, newState(req.CorrelationID)))
	assert.Error(t, ch.DoTransport(context.Background(), req, NewBlockingRpcCallback(0, nil), time.Minute))
}
