package middleware

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"duorpc/message"
)

// RecoverMiddleware turns a panicking handler into an internal error answer.
func RecoverMiddleware(log logr.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					log.Error(fmt.Errorf("%v", r), "handler panicked", "method", req.Method())
					resp = req.Fail(message.Errorf(message.CodeInternalError, "internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
