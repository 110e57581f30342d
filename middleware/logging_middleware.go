package middleware

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"duorpc/message"
)

// LoggingMiddleware logs every handled call at verbosity 1 and failed calls as errors.
func LoggingMiddleware(log logr.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp != nil && resp.Error != nil {
				log.Error(resp.Error, "call failed", "method", req.Method(), "id", string(req.ID()), "duration", duration)
				return resp
			}
			log.V(1).Info("call handled", "method", req.Method(), "id", string(req.ID()), "duration", duration)
			return resp
		}
	}
}
