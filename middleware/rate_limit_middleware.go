package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duorpc/message"
)

// RateLimitMiddleware rejects calls above r per second using a token bucket of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Message {
			if !limiter.Allow() {
				return req.Fail(message.Errorf(message.CodeServerError, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
