package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pbrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Uint64("correlation_id", req.CorrelationID),
				zap.Duration("elapsed", time.Since(start)),
			}
			if req.Trace != nil {
				fields = append(fields, zap.String("trace_id", req.Trace.TraceID))
			}
			if resp != nil && !resp.Success() {
				logger.Info("handled request with error", append(fields,
					zap.Int32("error_code", resp.ErrorCode),
					zap.String("error_text", resp.ErrorText))...)
				return resp
			}
			logger.Debug("handled request", fields...)
			return resp
		}
	}
}
