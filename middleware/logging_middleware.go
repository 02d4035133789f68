package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lite-rpc/message"
)

// LoggingMiddleware logs every call at debug level and failed calls at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logger.Named("call")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			if req == nil {
				logger.Warn("absent request")
				return resp
			}

			fields := []zap.Field{
				zap.String("requestId", req.RequestID),
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				fields = append(fields, zap.String("kind", string(resp.Error.Kind)), zap.String("error", resp.Error.Message))
				logger.Warn("call failed", fields...)
			} else {
				logger.Debug("call", fields...)
			}
			return resp
		}
	}
}
