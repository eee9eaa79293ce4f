package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
)

// ErrRetryable marks handler errors worth another attempt.
var ErrRetryable = errors.New("middleware: retryable")

// RetryMiddleware re-runs the handler when it fails with ErrRetryable or
// answers 503, waiting baseDelay, 2*baseDelay, 4*baseDelay... in between.
// Received streams are sealed, so every attempt can read them again.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			resp, err := next.ProcessRequest(ctx, req, logger)
			for i := 0; i < maxRetries && retryable(resp, err); i++ {
				logger.Info("retrying request",
					zap.Int("attempt", i+1), zap.String("path", req.Path), zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				case <-timer.C:
				}
				resp, err = next.ProcessRequest(ctx, req, logger)
			}
			return resp, err
		})
	}
}

func retryable(resp *message.StreamingResponse, err error) bool {
	if err != nil {
		return errors.Is(err, ErrRetryable)
	}
	return resp != nil && resp.StatusCode == http.StatusServiceUnavailable
}
