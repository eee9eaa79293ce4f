package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/protocol"
	"duplexstream/transport"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// newPair connects two started sessions over an in-memory pipe.
func newPair(t *testing.T, clientOpts, serverOpts Options) (client, server *Session) {
	t.Helper()
	a, b := net.Pipe()
	client = New(transport.NewSocketTransport(a), clientOpts)
	server = New(transport.NewSocketTransport(b), serverOpts)
	client.Start()
	server.Start()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// newDrained returns a session whose peer silently discards everything.
// Tests drive it by dispatching frames directly.
func newDrained(t *testing.T, opts Options) *Session {
	t.Helper()
	a, b := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, b) }()
	s := New(transport.NewSocketTransport(a), opts)
	t.Cleanup(func() {
		_ = s.Close()
		_ = b.Close()
	})
	return s
}

func echoHandler() RequestHandler {
	return HandlerFunc(func(ctx context.Context, req *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
		resp := message.OK()
		for _, st := range req.Streams {
			data, err := st.Bytes(ctx)
			if err != nil {
				return nil, err
			}
			resp.AddStream(message.NewContentStream(st.ContentType, data))
		}
		return resp, nil
	})
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := codec.Default().Encode(v)
	require.NoError(t, err)
	return data
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, _ := newPair(t,
		Options{RequestTimeout: 5 * time.Second},
		Options{Handler: echoHandler()},
	)

	req := message.NewPost("/api/messages")
	require.NoError(t, req.SetJSONBody(map[string]string{"text": "hello"}))

	resp, err := client.SendRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, resp.ReadBodyAsJSON(context.Background(), &body))
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, 0, client.PendingRequests())
}

func TestRequestWithoutStreams(t *testing.T) {
	client, _ := newPair(t,
		Options{RequestTimeout: 5 * time.Second},
		Options{Handler: HandlerFunc(func(_ context.Context, req *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
			return message.Create(http.StatusAccepted, req.Verb+" "+req.Path), nil
		})},
	)

	resp, err := client.SendRequest(context.Background(), message.NewGet("/api/status"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err := resp.ReadBodyAsString(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GET /api/status", body)
}

func TestMultiplexedChunkedResponse(t *testing.T) {
	const streams, length = 5, 3*protocol.MaxPayloadLength + 123

	client, _ := newPair(t,
		Options{RequestTimeout: 10 * time.Second},
		Options{Handler: HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			resp := message.OK()
			for i := 0; i < streams; i++ {
				resp.AddStream(message.NewContentStream("application/octet-stream", bytes.Repeat([]byte{byte('a' + i)}, length)))
			}
			return resp, nil
		})},
	)

	resp, err := client.SendRequest(context.Background(), message.NewGet("/blob"))
	require.NoError(t, err)
	require.Len(t, resp.Streams, streams)
	for i, st := range resp.Streams {
		data, err := st.Bytes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, length), data)
	}
}

func TestConcurrentRequestsBothDirections(t *testing.T) {
	client, server := newPair(t,
		Options{Handler: echoHandler(), RequestTimeout: 10 * time.Second},
		Options{Handler: echoHandler(), RequestTimeout: 10 * time.Second},
	)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		from := client
		if i%2 == 1 {
			from = server
		}
		g.Go(func() error {
			body := bytes.Repeat([]byte(fmt.Sprintf("%02d", i)), 3000)
			req := message.NewPost("/echo", message.NewContentStream("text/plain", body))
			resp, err := from.SendRequest(context.Background(), req)
			if err != nil {
				return err
			}
			got, err := resp.Streams[0].Bytes(context.Background())
			if err != nil {
				return err
			}
			if !bytes.Equal(body, got) {
				return fmt.Errorf("request %d: body mismatch", i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// The handler must see exactly streamCount streams of streamLength bytes,
// however the chunks of different streams are interleaved.
func TestMultiplexedReassembly(t *testing.T) {
	cases := []struct{ streamLength, streamCount, chunkCount int }{
		{10, 1, 1},
		{1000, 2, 1},
		{1000, 1, 10},
		{1000, 10, 10},
		{1000, 100, 10},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("len=%d/streams=%d/chunks=%d", tc.streamLength, tc.streamCount, tc.chunkCount), func(t *testing.T) {
			received := make(chan *message.ReceiveRequest, 1)
			s := newDrained(t, Options{Handler: HandlerFunc(func(_ context.Context, req *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
				received <- req
				return message.OK(), nil
			})})

			requestID := uuid.New()
			bodies := make([][]byte, tc.streamCount)
			descs := make([]message.StreamDescription, tc.streamCount)
			ids := make([]uuid.UUID, tc.streamCount)
			rng := rand.New(rand.NewSource(int64(tc.streamCount*31 + tc.chunkCount)))
			for i := range bodies {
				bodies[i] = make([]byte, tc.streamLength)
				rng.Read(bodies[i])
				ids[i] = uuid.New()
				descs[i] = message.StreamDescription{ID: ids[i].String(), ContentType: "application/octet-stream", Length: tc.streamLength}
			}

			s.dispatcher.Dispatch(
				protocol.Header{Type: protocol.PayloadTypeRequest, ID: requestID, End: true},
				encode(t, message.RequestPayload{Verb: "POST", Path: "/upload", Streams: descs}),
			)

			// Per-stream chunk queues, drained in random stream order.
			chunkSize := (tc.streamLength + tc.chunkCount - 1) / tc.chunkCount
			next := make([]int, tc.streamCount)
			remaining := tc.streamCount
			for remaining > 0 {
				i := rng.Intn(tc.streamCount)
				if next[i] >= tc.chunkCount {
					continue
				}
				start := min(next[i]*chunkSize, tc.streamLength)
				end := min(start+chunkSize, tc.streamLength)
				next[i]++
				last := next[i] == tc.chunkCount
				if last {
					end = tc.streamLength
					remaining--
				}
				s.dispatcher.Dispatch(
					protocol.Header{Type: protocol.PayloadTypeStream, ID: ids[i], PayloadLength: end - start, End: last},
					bodies[i][start:end],
				)
			}

			select {
			case req := <-received:
				require.Len(t, req.Streams, tc.streamCount)
				for i, st := range req.Streams {
					assert.Equal(t, ids[i], st.ID)
					data, err := st.TryBytes()
					require.NoError(t, err)
					assert.Len(t, data, tc.streamLength)
					assert.Equal(t, bodies[i], data)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("request was never dispatched")
			}

			s.mu.Lock()
			defer s.mu.Unlock()
			assert.Empty(t, s.streams, "streams are released after dispatch")
			assert.Empty(t, s.exchanges)
		})
	}
}

func TestRequestDispatchedExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 4)
	s := newDrained(t, Options{Handler: HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
		calls.Add(1)
		done <- struct{}{}
		return message.OK(), nil
	})})

	streamID := uuid.New()
	requestID := uuid.New()
	s.dispatcher.Dispatch(
		protocol.Header{Type: protocol.PayloadTypeRequest, ID: requestID, End: true},
		encode(t, message.RequestPayload{Verb: "POST", Path: "/", Streams: []message.StreamDescription{{ID: streamID.String()}}}),
	)
	s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeStream, ID: streamID, End: true}, []byte("x"))
	// Replayed end frame for a stream that has already been dispatched.
	s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeStream, ID: streamID, End: true}, []byte("x"))

	<-done
	require.NoError(t, s.WaitHandlers(time.Second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDanglingResponseCreatesNoState(t *testing.T) {
	s := newDrained(t, Options{})

	h := protocol.Header{Type: protocol.PayloadTypeResponse, ID: uuid.New(), End: true}
	resp := &message.ReceiveResponse{
		ID:         h.ID,
		StatusCode: 200,
		Streams:    []*message.Stream{message.NewStream(uuid.New(), h.ID, h.Type, "", 0)},
	}
	require.NotPanics(t, func() {
		require.NoError(t, s.ReceiveResponse(h, resp))
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.streams)
	assert.Empty(t, s.exchanges)
	assert.Equal(t, 0, s.PendingRequests())
}

func TestOrphanStreamIsDropped(t *testing.T) {
	s := newDrained(t, Options{})
	err := s.ReceiveStream(protocol.Header{Type: protocol.PayloadTypeStream, ID: uuid.New(), End: true}, []byte("lost"))
	assert.ErrorIs(t, err, ErrUnknownStream)

	// Through the dispatcher the same frame is logged and dropped.
	assert.NotPanics(t, func() {
		s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeStream, ID: uuid.New(), End: true}, nil)
		s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeRequest, ID: uuid.New()}, []byte("{not json"))
		s.dispatcher.Dispatch(protocol.Header{Type: 'Q', ID: uuid.New()}, nil)
	})
}

func TestHeaderTypeMisuse(t *testing.T) {
	s := newDrained(t, Options{})
	id := uuid.New()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"stream entry with request header", func() error {
			return s.ReceiveStream(protocol.Header{Type: protocol.PayloadTypeRequest, ID: id}, nil)
		}, ErrInvalidHeaderType},
		{"request entry with response header", func() error {
			return s.ReceiveRequest(protocol.Header{Type: protocol.PayloadTypeResponse, ID: id}, &message.ReceiveRequest{})
		}, ErrInvalidHeaderType},
		{"response entry with stream header", func() error {
			return s.ReceiveResponse(protocol.Header{Type: protocol.PayloadTypeStream, ID: id}, &message.ReceiveResponse{})
		}, ErrInvalidHeaderType},
		{"send response with request header", func() error {
			return s.SendResponse(context.Background(), protocol.Header{Type: protocol.PayloadTypeRequest, ID: id}, message.OK())
		}, ErrInvalidHeaderType},
		{"nil request", func() error {
			return s.ReceiveRequest(protocol.Header{Type: protocol.PayloadTypeRequest, ID: id}, nil)
		}, ErrNilArgument},
		{"nil response", func() error {
			return s.ReceiveResponse(protocol.Header{Type: protocol.PayloadTypeResponse, ID: id}, nil)
		}, ErrNilArgument},
		{"send nil response", func() error {
			return s.SendResponse(context.Background(), protocol.Header{Type: protocol.PayloadTypeResponse, ID: id}, nil)
		}, ErrNilArgument},
		{"send response without id", func() error {
			return s.SendResponse(context.Background(), protocol.Header{Type: protocol.PayloadTypeResponse}, message.OK())
		}, ErrNilArgument},
		{"send nil request", func() error {
			_, err := s.SendRequest(context.Background(), nil)
			return err
		}, ErrNilArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}
}

func TestDuplicateStreamIDRejected(t *testing.T) {
	s := newDrained(t, Options{})
	streamID := uuid.New()

	first := protocol.Header{Type: protocol.PayloadTypeRequest, ID: uuid.New()}
	require.NoError(t, s.ReceiveRequest(first, &message.ReceiveRequest{
		Streams: []*message.Stream{message.NewStream(streamID, first.ID, first.Type, "", 0)},
	}))

	second := protocol.Header{Type: protocol.PayloadTypeRequest, ID: uuid.New()}
	err := s.ReceiveRequest(second, &message.ReceiveRequest{
		Streams: []*message.Stream{message.NewStream(streamID, second.ID, second.Type, "", 0)},
	})
	assert.ErrorIs(t, err, ErrDuplicateStream)
}

func TestHandlerErrorsBecome500(t *testing.T) {
	tests := []struct {
		name    string
		handler RequestHandler
		want    int
	}{
		{"error", HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			return nil, errors.New("boom")
		}), http.StatusInternalServerError},
		{"panic", HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			panic("boom")
		}), http.StatusInternalServerError},
		{"nil response", HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			return nil, nil
		}), http.StatusInternalServerError},
		{"no handler", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newPair(t, Options{RequestTimeout: 5 * time.Second}, Options{Handler: tt.handler})
			resp, err := client.SendRequest(context.Background(), message.NewGet("/"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, _ := newPair(t,
		Options{RequestTimeout: 50 * time.Millisecond},
		Options{Handler: HandlerFunc(func(ctx context.Context, _ *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return message.OK(), nil
		})},
	)

	_, err := client.SendRequest(context.Background(), message.NewGet("/slow"))
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, client.PendingRequests())
}

func TestCancelStreamMidAssembly(t *testing.T) {
	s := newDrained(t, Options{})

	requestID := uuid.New()
	pending, err := s.requests.Register(requestID)
	require.NoError(t, err)

	streamID := uuid.New()
	s.dispatcher.Dispatch(
		protocol.Header{Type: protocol.PayloadTypeResponse, ID: requestID, End: true},
		encode(t, message.ResponsePayload{StatusCode: 200, Streams: []message.StreamDescription{{ID: streamID.String(), Length: 100}}}),
	)
	s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeStream, ID: streamID, PayloadLength: 5}, []byte("parti"))

	s.mu.Lock()
	stream := s.streams[streamID].stream
	s.mu.Unlock()

	s.dispatcher.Dispatch(protocol.Header{Type: protocol.PayloadTypeCancelStream, ID: streamID, End: true}, nil)

	_, err = s.requests.Wait(context.Background(), pending, time.Second)
	assert.ErrorIs(t, err, ErrRequestCancelled)
	assert.True(t, stream.IsCancelled())
	assert.Equal(t, 0, stream.Len(), "partial bytes are discarded")

	// Late chunks for the cancelled stream are orphans.
	err = s.ReceiveStream(protocol.Header{Type: protocol.PayloadTypeStream, ID: streamID, End: true}, []byte("al"))
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestPeerCancelAllFailsPendingRequests(t *testing.T) {
	entered := make(chan struct{})
	client, server := newPair(t,
		Options{RequestTimeout: 5 * time.Second},
		Options{Handler: HandlerFunc(func(ctx context.Context, _ *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
			close(entered)
			<-ctx.Done()
			return message.OK(), nil
		})},
	)

	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), message.NewGet("/hang"))
		errs <- err
	}()

	<-entered
	require.NoError(t, server.CancelAll())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRequestCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not cancelled")
	}
	require.NoError(t, server.WaitHandlers(time.Second))
}

func TestDisconnectFailsPendingAndNotifiesOnce(t *testing.T) {
	var closes atomic.Int32
	closed := make(chan error, 2)
	entered := make(chan struct{})

	client, server := newPair(t,
		Options{
			OnClose: func(err error) {
				closes.Add(1)
				closed <- err
			},
		},
		Options{Handler: HandlerFunc(func(ctx context.Context, _ *message.ReceiveRequest, _ *zap.Logger) (*message.StreamingResponse, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})},
	)

	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), message.NewGet("/hang"))
		errs <- err
	}()

	<-entered
	require.NoError(t, server.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, transport.ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request hung after disconnect")
	}

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, transport.ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}

	// Further teardown triggers from every side are absorbed.
	client.fail(errors.New("sender noticed too"))
	require.NoError(t, client.Close())
	assert.Equal(t, int32(1), closes.Load())
	assert.False(t, client.IsConnected())
	<-client.Done()
	assert.Error(t, client.Err())

	_, err := client.SendRequest(context.Background(), message.NewGet("/"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitHandlersWhileRequestsArrive(t *testing.T) {
	var handled atomic.Int32
	client, server := newPair(t,
		Options{RequestTimeout: 5 * time.Second},
		Options{Handler: HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			time.Sleep(time.Millisecond)
			handled.Add(1)
			return message.OK(), nil
		})},
	)

	var ok, rejected atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 8; j++ {
				resp, err := client.SendRequest(ctx, message.NewGet("/work"))
				if err != nil {
					return err
				}
				switch resp.StatusCode {
				case http.StatusOK:
					ok.Add(1)
				case http.StatusServiceUnavailable:
					rejected.Add(1)
				default:
					return fmt.Errorf("unexpected status %d", resp.StatusCode)
				}
			}
			return nil
		})
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, server.WaitHandlers(5*time.Second))
	doneAtWait := handled.Load()

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(16*8), ok.Load()+rejected.Load())
	assert.Equal(t, doneAtWait, handled.Load(), "no handler may start after draining")
	assert.Equal(t, ok.Load(), handled.Load())
}

func TestRequestAfterWaitHandlersIsRejected(t *testing.T) {
	var called atomic.Bool
	client, server := newPair(t,
		Options{RequestTimeout: 5 * time.Second},
		Options{Handler: HandlerFunc(func(context.Context, *message.ReceiveRequest, *zap.Logger) (*message.StreamingResponse, error) {
			called.Store(true)
			return message.OK(), nil
		})},
	)
	require.NoError(t, server.WaitHandlers(time.Second))

	resp, err := client.SendRequest(context.Background(), message.NewGet("/late"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, called.Load())
}
