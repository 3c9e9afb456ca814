package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pbrpc/codec"
	"pbrpc/message"
	"pbrpc/protocol"
)

// reply is a peer's scripted answer: resp after delay, or nothing when resp is nil.
type reply struct {
	resp  *message.RPCMessage
	delay time.Duration
}

// peer is a scripted server speaking the frame protocol.
type peer struct {
	l      net.Listener
	handle func(req *message.RPCMessage) reply

	mu    sync.Mutex
	seqs  []uint64
	conns []net.Conn
}

func echoReply(req *message.RPCMessage) reply {
	return reply{resp: &message.RPCMessage{Payload: req.Payload}}
}

func startPeer(t *testing.T, handle func(req *message.RPCMessage) reply) *peer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &peer{l: l, handle: handle}
	go p.serve()
	t.Cleanup(func() {
		l.Close()
		p.dropConns()
	})
	return p
}

func (p *peer) hostPort() (string, int) {
	host, port, _ := net.SplitHostPort(p.l.Addr().String())
	n, _ := strconv.Atoi(port)
	return host, n
}

func (p *peer) addr() string {
	return p.l.Addr().String()
}

func (p *peer) serve() {
	for {
		conn, err := p.l.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		go p.serveConn(conn)
	}
}

func (p *peer) serveConn(conn net.Conn) {
	var writeMu sync.Mutex
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		c := codec.GetCodec(codec.CodecType(header.CodecType))
		req := &message.RPCMessage{}
		if err := c.Decode(body, req); err != nil {
			return
		}
		p.mu.Lock()
		p.seqs = append(p.seqs, header.Seq)
		p.mu.Unlock()

		r := p.handle(req)
		if r.resp == nil {
			continue
		}
		go func(seq uint64, r reply) {
			time.Sleep(r.delay)
			out, _ := c.Encode(r.resp)
			writeMu.Lock()
			defer writeMu.Unlock()
			protocol.Encode(conn, &protocol.Header{
				CodecType: header.CodecType,
				MsgType:   protocol.MsgTypeResponse,
				Seq:       seq,
				BodyLen:   uint32(len(out)),
			}, out)
		}(header.Seq, r)
	}
}

// received lists request seqs in arrival order.
func (p *peer) received() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.seqs...)
}

// dropConns closes every accepted connection.
func (p *peer) dropConns() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func newTestClient(t *testing.T, tune func(*RpcClientOptions), options ...ClientOption) *RpcClient {
	t.Helper()
	opts := DefaultRpcClientOptions()
	opts.HeartbeatInterval = 0
	if tune != nil {
		tune(&opts)
	}
	c := NewRpcClient(opts, options...)
	t.Cleanup(func() { c.Close() })
	return c
}

func newRequest(c *RpcClient, payload string) *message.RPCMessage {
	return &message.RPCMessage{
		CorrelationID: c.NextCorrelationID(),
		ServiceName:   "Echo",
		MethodName:    "ping",
		Payload:       []byte(payload),
	}
}
