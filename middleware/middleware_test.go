package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"duplexstream/message"
	"duplexstream/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// A handler that answers immediately.
var echoHandler = session.HandlerFunc(func(_ context.Context, req *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
	return message.Create(http.StatusOK, req.Path), nil
})

// A handler that takes 200ms unless its context ends first.
var slowHandler = session.HandlerFunc(func(ctx context.Context, _ *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return message.OK(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
})

func newRequest(verb, path string) *message.ReceiveRequest {
	return &message.ReceiveRequest{Verb: verb, Path: path}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware()(echoHandler)

	resp, err := handler.ProcessRequest(context.Background(), newRequest("POST", "/api/messages"), zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entries := logs.FilterMessage("request handled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/messages", entries[0].ContextMap()["path"])
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	// 1 per second, burst 2: the first two pass, the third is refused.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := newRequest("GET", "/")

	for i := 0; i < 2; i++ {
		resp, err := handler.ProcessRequest(context.Background(), req, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d should pass", i)
	}

	resp, err := handler.ProcessRequest(context.Background(), req, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := session.HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
		if calls.Add(1) < 3 {
			return nil, errors.Join(ErrRetryable, errors.New("upstream busy"))
		}
		return message.OK(), nil
	})

	handler := RetryMiddleware(3, time.Millisecond)(flaky)
	resp, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	broken := session.HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
		calls.Add(1)
		return nil, errors.New("bad input")
	})

	handler := RetryMiddleware(3, time.Millisecond)(broken)
	_, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zap.NewNop())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOnServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	unavailable := session.HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
		calls.Add(1)
		return message.NewResponse(http.StatusServiceUnavailable), nil
	})

	handler := RetryMiddleware(2, time.Millisecond)(unavailable)
	resp, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestVersion(t *testing.T) {
	handler := VersionMiddleware("duplexstream/1.0")(echoHandler)

	resp, err := handler.ProcessRequest(context.Background(), newRequest("get", "/API/version"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, resp.Streams, 1)
	assert.Equal(t, message.ContentTypeJSON, resp.Streams[0].ContentType)

	resp, err = handler.ProcessRequest(context.Background(), newRequest("POST", "/api/version"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, message.ContentTypeText, resp.Streams[0].ContentType, "only GET is answered by the middleware")
}

func TestValidate(t *testing.T) {
	handler := ValidateMiddleware()(echoHandler)

	for _, req := range []*message.ReceiveRequest{newRequest("", "/api/messages"), newRequest("POST", "")} {
		resp, err := handler.ProcessRequest(context.Background(), req, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next session.RequestHandler) session.RequestHandler {
			return session.HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
				order = append(order, name+".before")
				resp, err := next.ProcessRequest(ctx, req, logger)
				order = append(order, name+".after")
				return resp, err
			})
		}
	}

	handler := Chain(mark("A"), mark("B"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp, err := handler.ProcessRequest(context.Background(), newRequest("GET", "/"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
