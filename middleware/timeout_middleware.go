package middleware

import (
	"context"
	"time"

	"lite-rpc/message"
)

// TimeOutMiddleware answers with a timeout error when the call takes longer than timeout.
// The call itself keeps running; methods that accept a context see it cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(requestID(req), message.KindTimeout, "request timed out after %s", timeout)
			}
		}
	}
}
