package session

import (
	"context"

	"duplexstream/message"

	"go.uber.org/zap"
)

// RequestHandler is the application callback for inbound requests. It is
// invoked once per request, after every attached stream has arrived, on a
// goroutine of its own. A returned error becomes a 500 response.
type RequestHandler interface {
	ProcessRequest(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error)
}

// HandlerFunc adapts a function to RequestHandler.
type HandlerFunc func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error)

func (f HandlerFunc) ProcessRequest(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
	return f(ctx, req, logger)
}

// NotFoundHandler answers every request with 404.
var NotFoundHandler = HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
	return message.NotFound(), nil
})
