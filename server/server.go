// Package server implements the RPC server used as the remote end of stubs:
// service registration, middleware chain, parallel request processing, and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler → Codec.Encode → write response
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/codec"
	"pbrpc/message"
	"pbrpc/middleware"
	"pbrpc/protocol"
	"pbrpc/registry"
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu            sync.RWMutex
	serviceMap    map[string]*service                   // Reflection services: "Arith" → *service
	handlers      map[string]middleware.HandlerFunc     // Raw handlers by "service!method"
	listener      net.Listener
	wg            sync.WaitGroup                        // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool                           // Set during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc                // middleware(middleware(...(businessHandler)))
	registry      registry.Registry                     // nil if not using discovery
	advertiseAddr string                                // Address registered in the registry
	logger        *zap.Logger
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		handlers:   make(map[string]middleware.HandlerFunc),
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register registers a service receiver (e.g., &Arith{}) under its type name.
// Exported methods of the form Method(args *A, reply *R) error become remote methods.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit service name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.serviceMap[svc.name]; ok {
		return errors.Errorf("rpc: service %q already registered", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Handle registers a handler that sees the raw envelope, for methods that
// need attachments or explicit error codes.
func (svr *Server) Handle(serviceName, methodName string, h middleware.HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[message.MakeSignature(serviceName, methodName)] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves it. See ServeListener.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener registers every service with reg (when non-nil) under
// advertiseAddr and runs the accept loop until Shutdown.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	names := svr.serviceNames()
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Register(name, registry.ServiceInstance{Addr: advertiseAddr}, 10); err != nil {
				svr.logger.Warn("register service", zap.String("service", name), zap.Error(err))
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// serviceNames lists reflection services and raw handler services. Caller holds mu.
func (svr *Server) serviceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for name := range svr.serviceMap {
		seen[name] = true
		names = append(names, name)
	}
	for sig := range svr.handlers {
		name := serviceOf(sig)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// handleConn reads frames from one connection in a single goroutine and
// dispatches each request to its own goroutine. Responses share a
// per-connection write lock so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			break
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		resp = &message.RPCMessage{ErrorCode: message.ErrorCodeInternal, ErrorText: "decode request: " + err.Error()}
	} else {
		req.CorrelationID = header.Seq
		resp = svr.handler(context.Background(), &req)
	}
	if resp == nil {
		resp = &message.RPCMessage{}
	}
	resp.ServiceName, resp.MethodName = req.ServiceName, req.MethodName

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Warn("encode response", zap.Error(err))
		return
	}

	// Same Seq as the request: this is how the client finds the waiter
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("write response", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	names := svr.serviceNames()
	reg, listener := svr.registry, svr.listener
	svr.mu.RUnlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(name, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister service", zap.String("service", name), zap.Error(err))
			}
		}
	}

	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for ongoing requests to finish")
	}
}

// businessHandler dispatches a request to a raw handler or a reflection service.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	svr.mu.RLock()
	h, ok := svr.handlers[req.Signature()]
	svc := svr.serviceMap[req.ServiceName]
	svr.mu.RUnlock()

	if ok {
		return h(ctx, req)
	}
	if svc == nil {
		return notFound(req)
	}
	method, ok := svc.method[req.MethodName]
	if !ok {
		return notFound(req)
	}

	payload, err := svc.call(method, req.Payload)
	if err != nil {
		code := message.ErrorCodeInternal
		var coded *Error
		if errors.As(err, &coded) {
			code = coded.Code
		}
		return &message.RPCMessage{ErrorCode: code, ErrorText: err.Error()}
	}
	return &message.RPCMessage{Payload: payload}
}

func notFound(req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{
		ErrorCode: message.ErrorCodeServiceNotFound,
		ErrorText: "service not found: " + req.Signature(),
	}
}

func serviceOf(signature string) string {
	for i := 0; i < len(signature); i++ {
		if signature[i] == '!' {
			return signature[:i]
		}
	}
	return signature
}

// Error lets a service method choose the error code of its response.
type Error struct {
	Code int32
	Text string
}

func (e *Error) Error() string {
	return e.Text
}
