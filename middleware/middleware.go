package middleware

import (
	"context"

	"duorpc/message"
)

// HandlerFunc answers one inbound call. Returning nil means "nothing to answer", which the engine
// turns into a null result for calls.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
