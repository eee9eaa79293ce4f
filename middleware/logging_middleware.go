package middleware

import (
	"context"
	"time"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
)

// LoggingMiddleware logs verb, path, status and duration of every request
// on the logger the session hands to the handler.
func LoggingMiddleware() Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			start := time.Now()
			resp, err := next.ProcessRequest(ctx, req, logger)

			fields := []zap.Field{
				zap.String("verb", req.Verb),
				zap.String("path", req.Path),
				zap.Int("streams", len(req.Streams)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil {
				fields = append(fields, zap.Int("status", resp.StatusCode))
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("request handled", fields...)
			}
			return resp, err
		})
	}
}
