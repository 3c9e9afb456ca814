package middleware

import (
	"context"
	"time"

	"pbrpc/message"
)

// TimeOutMiddleware answers with ErrorCodeTimeout when the handler takes
// longer than timeout. The handler's context is cancelled at that point.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return errorResponse(req, message.ErrorCodeTimeout, "request timed out")
			}
		}
	}
}
