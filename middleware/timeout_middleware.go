package middleware

import (
	"context"
	"net/http"
	"time"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
)

type result struct {
	resp *message.StreamingResponse
	err  error
}

// TimeOutMiddleware answers 504 when the handler runs longer than timeout.
// The handler's context is cancelled at the deadline.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next.ProcessRequest(ctx, req, logger)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				logger.Warn("request timed out", zap.String("path", req.Path), zap.Duration("timeout", timeout))
				return message.Create(http.StatusGatewayTimeout, "request timed out"), nil
			}
		})
	}
}
