package middleware

import (
	"context"

	"go.uber.org/zap"

	"lite-rpc/message"
)

// RecoverMiddleware turns a panic anywhere below it into an invocation_failed response.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in handler chain", zap.String("requestId", requestID(req)), zap.Any("panic", r))
					resp = message.ErrorResponse(requestID(req), message.KindInvocationFailed, "panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
