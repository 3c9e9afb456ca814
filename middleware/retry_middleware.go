package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pbrpc/message"
)

// RetryMiddleware re-runs the handler while it answers with one of the
// retryable error codes, backing off exponentially from baseDelay. Only wrap
// idempotent handlers with it.
func RetryMiddleware(logger *zap.Logger, maxRetries int, baseDelay time.Duration, retryable ...int32) Middleware {
	codes := make(map[int32]bool, len(retryable))
	for _, code := range retryable {
		codes[code] = true
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || resp.Success() || !codes[resp.ErrorCode] {
					return resp
				}
				logger.Debug("retry request",
					zap.Int("attempt", i+1),
					zap.String("service", req.ServiceName),
					zap.String("method", req.MethodName),
					zap.Int32("error_code", resp.ErrorCode))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
