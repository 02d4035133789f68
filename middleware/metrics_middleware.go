package middleware

import (
	"context"
	"time"

	"lite-rpc/message"
)

// CallObserver receives one observation per completed call.
// kind is empty for successful calls.
type CallObserver interface {
	ObserveCall(service, method string, kind message.ErrorKind, duration time.Duration)
}

func MetricsMiddleware(observer CallObserver) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			var service, method string
			if req != nil {
				service, method = req.ServiceName, req.MethodName
			}
			var kind message.ErrorKind
			if resp.Failed() {
				kind = resp.Error.Kind
			}
			observer.ObserveCall(service, method, kind, time.Since(start))
			return resp
		}
	}
}
