package middleware

import (
	"context"
	"net/http"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits requests through a token bucket of r per
// second with the given burst and answers 429 when it is empty.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			if !limiter.Allow() {
				logger.Debug("request rate limited", zap.String("path", req.Path))
				return message.Create(http.StatusTooManyRequests, "rate limit exceeded"), nil
			}
			return next.ProcessRequest(ctx, req, logger)
		})
	}
}
