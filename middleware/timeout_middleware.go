package middleware

import (
	"context"
	"time"

	"duorpc/message"
)

// TimeOutMiddleware answers with an error when the handler does not finish within timeout. The
// handler keeps running with a cancelled context; its late answer is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return req.Fail(message.Errorf(message.CodeServerError, "request timed out"))
			}
		}
	}
}
