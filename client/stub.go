package client

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/message"
	"pbrpc/transport"
)

// Stub is the callable face of a service. Methods are invoked by the name
// they were declared with in the ServiceDesc.
type Stub struct {
	proxy    *Proxy
	bindings map[string]*binding // method name → binding
	url      string              // host:port of the first bound channel
}

// Invoke calls method with args. Synchronous methods return the decoded
// result; async methods return a *Future right away.
//
// String, HashCode, Equals and ServiceURL are answered locally unless the
// service declares a remote method of that name.
func (s *Stub) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	b, ok := s.bindings[method]
	if !ok {
		if v, ok := s.invokeLocal(method, args); ok {
			return v, nil
		}
		return nil, &AccessError{Method: method}
	}
	return s.proxy.invoke(ctx, b, args)
}

func (s *Stub) invokeLocal(method string, args []any) (any, bool) {
	switch method {
	case "String":
		return s.String(), true
	case "HashCode":
		return s.HashCode(), true
	case "ServiceURL":
		return s.ServiceURL(), true
	case "Equals":
		if len(args) != 1 {
			return nil, false
		}
		return s.Equals(args[0]), true
	}
	return nil, false
}

func (s *Stub) String() string {
	return s.url
}

// ServiceURL is the host:port the stub talks to.
func (s *Stub) ServiceURL() string {
	return s.url
}

func (s *Stub) HashCode() int32 {
	h := fnv.New32a()
	h.Write([]byte(s.url))
	return int32(h.Sum32())
}

// Equals reports whether other is this very stub.
func (s *Stub) Equals(other any) bool {
	o, ok := other.(*Stub)
	return ok && o == s
}

func (p *Proxy) invoke(ctx context.Context, b *binding, args []any) (any, error) {
	ch := p.channel(b.channelKey)
	if ch == nil {
		return nil, errors.Wrap(ErrNoChannel, b.signature)
	}

	payload, err := b.codec.EncodeRequest(args)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc: encode request of %s", b.signature)
	}
	req := &message.RPCMessage{
		CorrelationID: p.client.NextCorrelationID(),
		ServiceName:   b.serviceName,
		MethodName:    b.methodName,
		Payload:       payload,
	}
	if parent := TraceFrom(ctx); parent != nil {
		req.Trace = childSpan(parent)
	}

	if p.interceptor != nil {
		defer p.interceptor.AfterProcess()
		info := &MethodInvocationInfo{
			Method:    b.name,
			Signature: b.signature,
			Args:      args,
			ExtFields: make(map[string]any),
		}
		p.interceptor.BeforeInvoke(info)
		result, err := p.interceptor.Process(info)
		req.ExtraParams = info.ExtraParams
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	timeout := b.timeout
	if tc := TimeoutControllerFrom(ctx); tc != nil {
		if d, ok := tc.take(); ok {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = p.client.Options().OnceTalkTimeout
	}

	start := time.Now()
	cb := transport.NewBlockingRpcCallback(p.client.Options().PollInterval, nil)
	if err := ch.DoTransport(ctx, req, cb, timeout); err != nil {
		return nil, err
	}

	if b.async {
		return &Future{proxy: p, binding: b, args: args, cb: cb}, nil
	}

	msg, err := cb.Wait(ctx)
	p.logger.Debug("profiling wait callback",
		zap.Uint64("correlation_id", req.CorrelationID),
		zap.String("signature", b.signature),
		zap.Duration("elapsed", time.Since(start)))
	return p.decodeResult(b, args, msg, err)
}

// decodeResult turns the resolution of a call into the caller's result.
func (p *Proxy) decodeResult(b *binding, args []any, msg *message.RPCMessage, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if !msg.Success() {
		if p.exceptionHandler != nil {
			return nil, p.exceptionHandler.HandleException(&RpcErrorMessage{
				ErrorCode: msg.ErrorCode,
				ErrorText: msg.ErrorText,
			})
		}
		return nil, &DataError{Code: msg.ErrorCode, Text: msg.ErrorText}
	}

	if len(msg.Attachment) > 0 && b.attachments != nil {
		b.attachments.HandleResponse(msg.Attachment, b.serviceName, b.methodName, args)
	}
	if len(msg.Payload) == 0 {
		return nil, nil
	}

	start := time.Now()
	v, err := b.codec.DecodeResponse(msg.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc: decode response of %s", b.signature)
	}
	p.logger.Debug("profiling decode response",
		zap.String("signature", b.signature),
		zap.Duration("elapsed", time.Since(start)))
	return v, nil
}

// CallAs invokes method and converts the result to T, waiting on the Future
// of async methods. A nil result yields T's zero value.
func CallAs[T any](ctx context.Context, stub *Stub, method string, args ...any) (T, error) {
	var zero T
	v, err := stub.Invoke(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	if f, ok := v.(*Future); ok {
		if v, err = f.Get(ctx); err != nil {
			return zero, err
		}
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("rpc: %s returned %T, not %T", method, v, zero)
	}
	return t, nil
}
