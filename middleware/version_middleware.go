package middleware

import (
	"context"
	"net/http"
	"strings"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
)

const VersionPath = "/api/version"

// VersionInfo is the body of a GET /api/version answer. Clients use the
// route as their keep-alive probe.
type VersionInfo struct {
	UserAgent string `json:"userAgent"`
}

// VersionMiddleware answers GET /api/version itself and passes everything
// else on.
func VersionMiddleware(userAgent string) Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			if strings.EqualFold(req.Verb, message.VerbGet) && strings.EqualFold(req.Path, VersionPath) {
				return message.CreateJSON(http.StatusOK, VersionInfo{UserAgent: userAgent})
			}
			return next.ProcessRequest(ctx, req, logger)
		})
	}
}

// ValidateMiddleware answers 400 to requests missing a verb or a path.
func ValidateMiddleware() Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
			if req.Verb == "" || req.Path == "" {
				logger.Error("request missing verb and/or path")
				return message.NewResponse(http.StatusBadRequest), nil
			}
			return next.ProcessRequest(ctx, req, logger)
		})
	}
}
