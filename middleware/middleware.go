// Package middleware wraps server handlers (Middleware) and client calls
// (interceptors) with cross-cutting behavior: logging, time limits, rate
// limiting and retries.
package middleware

import (
	"context"

	"pbrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorResponse builds a failed response for req.
func errorResponse(req *message.RPCMessage, code int32, text string) *message.RPCMessage {
	return &message.RPCMessage{
		CorrelationID: req.CorrelationID,
		ServiceName:   req.ServiceName,
		MethodName:    req.MethodName,
		ErrorCode:     code,
		ErrorText:     text,
	}
}
