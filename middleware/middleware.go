// Package middleware wraps the call dispatcher with cross-cutting behaviour.
//
// Chain(A, B, C)(h) == A(B(C(h))): A runs first on the way in and last on the way out.
package middleware

import (
	"context"

	"lite-rpc/message"
)

// HandlerFunc has the shape of dispatch.Dispatcher.Dispatch.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func requestID(req *message.Request) string {
	if req == nil {
		return ""
	}
	return req.RequestID
}
