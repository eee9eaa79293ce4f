// Package session multiplexes request/response exchanges over one transport.
//
// A Session owns the sender/receiver pair, the correlation table for its
// outbound requests and the set of inbound logical streams still being
// assembled. Inbound exchanges move through
//
//	StreamsDeclared ──→ Accumulating ──→ Dispatched
//
// where Dispatched hands a fully assembled request to the RequestHandler, or
// a fully assembled response to the waiting SendRequest call.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/payload"
	"duplexstream/protocol"
	"duplexstream/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultRequestTimeout = 30 * time.Second

// Options configure a Session. RequestTimeout of zero waits for responses
// without limit.
type Options struct {
	Handler        RequestHandler
	Codec          codec.Codec
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	RequestTimeout time.Duration

	// OnClose runs once when the session ends, with nil for a local Close
	// and the transport error otherwise.
	OnClose func(err error)
}

// exchange is an inbound request or response whose streams are still
// arriving.
type exchange struct {
	header    protocol.Header
	request   *message.ReceiveRequest
	response  *message.ReceiveResponse
	streams   []*message.Stream
	remaining int
}

type streamEntry struct {
	stream *message.Stream
	parent *exchange
}

type Session struct {
	transport  transport.Transport
	sender     *payload.Sender
	receiver   *payload.Receiver
	dispatcher *Dispatcher
	requests   *RequestManager

	handler        RequestHandler
	logger         *zap.Logger
	metrics        *metrics.Collector
	requestTimeout time.Duration
	onClose        func(error)

	mu        sync.Mutex
	streams   map[uuid.UUID]*streamEntry       // inbound stream id → entry
	exchanges map[uuid.UUID]*exchange          // inbound exchange id → exchange
	outbound  map[uuid.UUID]context.CancelFunc // content streams being sent
	handlers  map[uuid.UUID]context.CancelFunc // running request handlers
	draining  bool                             // set by WaitHandlers; new requests get 503

	ctx       context.Context
	cancel    context.CancelFunc
	handlerWg sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New wires a session onto t. Call Start to begin reading.
func New(t transport.Transport, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.OnClose == nil {
		opts.OnClose = func(error) {}
	}

	s := &Session{
		transport:      t,
		requests:       NewRequestManager(opts.Metrics),
		handler:        opts.Handler,
		logger:         opts.Logger.With(zap.String("component", "session")),
		metrics:        opts.Metrics,
		requestTimeout: opts.RequestTimeout,
		onClose:        opts.OnClose,
		streams:        make(map[uuid.UUID]*streamEntry),
		exchanges:      make(map[uuid.UUID]*exchange),
		outbound:       make(map[uuid.UUID]context.CancelFunc),
		handlers:       make(map[uuid.UUID]context.CancelFunc),
		done:           make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	popts := payload.Options{
		Codec:        opts.Codec,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		OnDisconnect: s.fail,
	}
	s.dispatcher = NewDispatcher(s, opts.Codec, opts.Logger, opts.Metrics)
	s.sender = payload.NewSender(t, popts)
	s.receiver = payload.NewReceiver(t, s.dispatcher.Dispatch, popts)
	return s
}

// Start launches the receive loop. Calling it more than once has no effect.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		_ = s.receiver.Run(s.ctx)
	}()
}

// IsConnected reports whether the session can still exchange frames.
func (s *Session) IsConnected() bool {
	return !s.closed.Load() && s.transport.IsConnected()
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: nil while running or after a local
// Close, the transport error otherwise.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// PendingRequests returns the number of outbound requests awaiting a response.
func (s *Session) PendingRequests() int {
	return s.requests.Len()
}

func (s *Session) notConnected() error {
	return fmt.Errorf("%w: %w", ErrNotConnected, transport.ErrDisconnected)
}

// SendRequest sends req with a fresh correlation id, followed by its
// content streams, and waits for the matching response.
func (s *Session) SendRequest(ctx context.Context, req *message.StreamingRequest) (*message.ReceiveResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request", ErrNilArgument)
	}
	if !s.IsConnected() {
		return nil, s.notConnected()
	}

	start := time.Now()
	id := uuid.New()
	pending, err := s.requests.Register(id)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		s.requests.Fail(id, s.notConnected())
		return nil, s.notConnected()
	}

	if err := s.sender.SendRequest(id, req.Payload()); err != nil {
		s.requests.Fail(id, err)
		s.metrics.RecordOutboundExchange("send_failed", time.Since(start))
		return nil, fmt.Errorf("session: send request %s: %w", id, err)
	}
	if err := s.sendStreams(ctx, req.Streams); err != nil {
		s.requests.Fail(id, err)
		s.metrics.RecordOutboundExchange("send_failed", time.Since(start))
		return nil, fmt.Errorf("session: send request %s streams: %w", id, err)
	}

	resp, err := s.requests.Wait(ctx, pending, s.requestTimeout)
	s.metrics.RecordOutboundExchange(outcome(err), time.Since(start))
	return resp, err
}

// SendResponse answers the exchange identified by h. h must be a Response
// header carrying the originating request's id.
func (s *Session) SendResponse(ctx context.Context, h protocol.Header, resp *message.StreamingResponse) error {
	if h.Type != protocol.PayloadTypeResponse {
		return fmt.Errorf("%w: cannot send %s payload as response", ErrInvalidHeaderType, h.Type)
	}
	if h.ID == uuid.Nil {
		return fmt.Errorf("%w: response header id", ErrNilArgument)
	}
	if resp == nil {
		return fmt.Errorf("%w: response", ErrNilArgument)
	}
	if !s.IsConnected() {
		return s.notConnected()
	}

	if err := s.sender.SendResponse(h.ID, resp.Payload()); err != nil {
		return fmt.Errorf("session: send response %s: %w", h.ID, err)
	}
	if err := s.sendStreams(ctx, resp.Streams); err != nil {
		return fmt.Errorf("session: send response %s streams: %w", h.ID, err)
	}
	return nil
}

func (s *Session) sendStreams(ctx context.Context, streams []*message.ContentStream) error {
	for _, cs := range streams {
		if cs == nil {
			continue
		}
		if err := s.sendStream(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}

// sendStream registers the stream so a CancelStream from the peer, a
// cancelled ctx or a closing session can stop it between chunks.
func (s *Session) sendStream(ctx context.Context, cs *message.ContentStream) error {
	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	defer cancel()

	s.mu.Lock()
	s.outbound[cs.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.outbound, cs.ID)
		s.mu.Unlock()
	}()

	var body io.Reader
	if cs.Body != nil {
		body = &ctxReader{ctx: sctx, r: cs.Body}
	}
	return s.sender.SendStream(cs.ID, body)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ReceiveRequest records an inbound request. Requests without streams are
// dispatched immediately; otherwise dispatch waits for the last stream.
func (s *Session) ReceiveRequest(h protocol.Header, req *message.ReceiveRequest) error {
	if h.Type != protocol.PayloadTypeRequest {
		return fmt.Errorf("%w: cannot receive %s payload as request", ErrInvalidHeaderType, h.Type)
	}
	if req == nil {
		return fmt.Errorf("%w: request", ErrNilArgument)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return s.notConnected()
	}
	if len(req.Streams) == 0 {
		s.mu.Unlock()
		s.processRequest(h.ID, req)
		return nil
	}
	err := s.trackLocked(&exchange{header: h, request: req, streams: req.Streams, remaining: len(req.Streams)})
	s.mu.Unlock()
	return err
}

// ReceiveResponse records an inbound response. A response nobody waits for
// any more (timed out or cancelled) is dropped without creating state.
func (s *Session) ReceiveResponse(h protocol.Header, resp *message.ReceiveResponse) error {
	if h.Type != protocol.PayloadTypeResponse {
		return fmt.Errorf("%w: cannot receive %s payload as response", ErrInvalidHeaderType, h.Type)
	}
	if resp == nil {
		return fmt.Errorf("%w: response", ErrNilArgument)
	}

	if !s.requests.Has(h.ID) {
		s.metrics.RecordDropped("dangling_response")
		s.logger.Debug("dropping response with no pending request", zap.Stringer("id", h.ID))
		return nil
	}
	if len(resp.Streams) == 0 {
		s.requests.Complete(h.ID, resp)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return s.notConnected()
	}
	return s.trackLocked(&exchange{header: h, response: resp, streams: resp.Streams, remaining: len(resp.Streams)})
}

func (s *Session) trackLocked(x *exchange) error {
	if _, dup := s.exchanges[x.header.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, x.header.ID)
	}
	seen := make(map[uuid.UUID]struct{}, len(x.streams))
	for _, st := range x.streams {
		if _, dup := s.streams[st.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStream, st.ID)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStream, st.ID)
		}
		seen[st.ID] = struct{}{}
	}

	s.exchanges[x.header.ID] = x
	for _, st := range x.streams {
		s.streams[st.ID] = &streamEntry{stream: st, parent: x}
	}
	return nil
}

// ReceiveStream appends a chunk to the stream named by h. The end frame
// seals the stream and, if it was the last one outstanding, dispatches its
// exchange.
func (s *Session) ReceiveStream(h protocol.Header, p []byte) error {
	if h.Type != protocol.PayloadTypeStream {
		return fmt.Errorf("%w: cannot receive %s payload as stream", ErrInvalidHeaderType, h.Type)
	}

	s.mu.Lock()
	entry, ok := s.streams[h.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, h.ID)
	}
	if err := entry.stream.Append(p); err != nil {
		s.mu.Unlock()
		return err
	}
	if !h.End {
		s.mu.Unlock()
		return nil
	}

	entry.stream.MarkComplete()
	delete(s.streams, h.ID)
	x := entry.parent
	x.remaining--
	if x.remaining > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.exchanges, x.header.ID)
	s.mu.Unlock()

	s.completeExchange(x)
	return nil
}

func (s *Session) completeExchange(x *exchange) {
	if x.request != nil {
		s.processRequest(x.header.ID, x.request)
		return
	}
	if !s.requests.Complete(x.header.ID, x.response) {
		s.metrics.RecordDropped("dangling_response")
		s.logger.Debug("response completed after its request was abandoned", zap.Stringer("id", x.header.ID))
	}
}

// processRequest runs the handler off the read loop and sends its answer
// under the request's id.
func (s *Session) processRequest(id uuid.UUID, req *message.ReceiveRequest) {
	hctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		cancel()
		return
	}
	if s.draining {
		s.mu.Unlock()
		go s.rejectRequest(hctx, cancel, id)
		return
	}
	s.handlers[id] = cancel
	s.handlerWg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.handlerWg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
			cancel()
		}()

		resp := s.invoke(hctx, req)
		if hctx.Err() != nil {
			s.metrics.RecordInboundExchange("cancelled")
			s.logger.Debug("request cancelled before response was sent", zap.Stringer("id", id))
			return
		}

		header := protocol.Header{Type: protocol.PayloadTypeResponse, ID: id}
		if err := s.SendResponse(hctx, header, resp); err != nil {
			s.metrics.RecordInboundExchange("send_failed")
			s.logger.Warn("sending response failed", zap.Stringer("id", id), zap.Error(err))
			return
		}
		s.metrics.RecordInboundExchange("ok")
	}()
}

// rejectRequest answers a request that arrived after draining began.
func (s *Session) rejectRequest(ctx context.Context, cancel context.CancelFunc, id uuid.UUID) {
	defer cancel()
	s.metrics.RecordInboundExchange("rejected")
	s.logger.Debug("request rejected while draining handlers", zap.Stringer("id", id))
	header := protocol.Header{Type: protocol.PayloadTypeResponse, ID: id}
	if err := s.SendResponse(ctx, header, message.ServiceUnavailable()); err != nil {
		s.logger.Debug("sending rejection failed", zap.Stringer("id", id), zap.Error(err))
	}
}

// invoke calls the handler. Errors, panics and nil responses all become 500.
func (s *Session) invoke(ctx context.Context, req *message.ReceiveRequest) (resp *message.StreamingResponse) {
	logger := s.logger.With(zap.Stringer("request_id", req.ID), zap.String("verb", req.Verb), zap.String("path", req.Path))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp = message.InternalServerError()
		}
	}()

	if s.handler == nil {
		return message.NotFound()
	}
	resp, err := s.handler.ProcessRequest(ctx, req, logger)
	if err != nil {
		logger.Error("request handler failed", zap.Error(err))
		return message.InternalServerError()
	}
	if resp == nil {
		logger.Error("request handler returned no response")
		return message.InternalServerError()
	}
	return resp
}

// CancelStream discards the named inbound stream, fails its exchange and
// asks the peer to stop sending it.
func (s *Session) CancelStream(id uuid.UUID) error {
	s.HandleCancelStream(id)
	if err := s.sender.SendCancelStream(id); err != nil {
		return fmt.Errorf("session: cancel stream %s: %w", id, err)
	}
	return nil
}

// HandleCancelStream applies a cancellation for one stream. Partially
// accumulated bytes are discarded and the parent exchange is treated as
// never completed. An outbound stream with that id stops at the next chunk.
func (s *Session) HandleCancelStream(id uuid.UUID) {
	s.mu.Lock()
	stopSending := s.outbound[id]
	var x *exchange
	if entry, ok := s.streams[id]; ok {
		x = entry.parent
		s.discardLocked(x)
	}
	s.mu.Unlock()

	if stopSending != nil {
		stopSending()
	}
	if x == nil {
		if stopSending == nil {
			s.logger.Debug("cancel for unknown stream ignored", zap.Stringer("stream_id", id))
		}
		return
	}
	if x.response != nil {
		s.requests.Cancel(x.header.ID)
	}
	s.logger.Info("stream cancelled",
		zap.Stringer("stream_id", id),
		zap.Stringer("exchange_id", x.header.ID),
		zap.Stringer("exchange_type", x.header.Type))
}

// CancelAll cancels every in-flight exchange locally and on the peer.
func (s *Session) CancelAll() error {
	s.HandleCancelAll()
	if err := s.sender.SendCancelAll(); err != nil {
		return fmt.Errorf("session: cancel all: %w", err)
	}
	return nil
}

// HandleCancelAll fails every pending request with ErrRequestCancelled,
// discards all inbound assemblies and stops running handlers and outbound
// streams.
func (s *Session) HandleCancelAll() {
	cancels := s.reset()
	for _, cancel := range cancels {
		cancel()
	}
	n := s.requests.CancelAll(ErrRequestCancelled)
	s.logger.Info("all exchanges cancelled", zap.Int("pending_requests", n), zap.Int("streams_and_handlers", len(cancels)))
}

// reset discards all inbound state and returns the
// cancel funcs of outbound streams and handlers.
func (s *Session) reset() []context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, x := range s.exchanges {
		s.discardLocked(x)
	}
	cancels := make([]context.CancelFunc, 0, len(s.outbound)+len(s.handlers))
	for _, c := range s.outbound {
		cancels = append(cancels, c)
	}
	for _, c := range s.handlers {
		cancels = append(cancels, c)
	}
	return cancels
}

func (s *Session) discardLocked(x *exchange) {
	delete(s.exchanges, x.header.ID)
	for _, st := range x.streams {
		delete(s.streams, st.ID)
		st.Cancel()
	}
}

// WaitHandlers waits for running request handlers, up to timeout. Requests
// that arrive once it has been called are answered with 503 instead of
// being dispatched.
func (s *Session) WaitHandlers(timeout time.Duration) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("session: timeout waiting for %s for request handlers to finish", timeout)
	}
}

// Close tears the session down. It is idempotent.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) fail(err error) {
	s.shutdown(err)
}

// shutdown runs the teardown once. Pending requests fail with
// transport.ErrDisconnected; OnClose runs after the teardown, outside the
// once, so it may call back into the session.
func (s *Session) shutdown(reason error) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closed.Store(true)
		s.closeErr = reason
		s.cancel()

		if err := s.transport.Close(); err != nil {
			s.logger.Debug("closing transport", zap.Error(err))
		}
		s.reset()

		cause := transport.ErrDisconnected
		if reason != nil {
			cause = fmt.Errorf("%w: %v", transport.ErrDisconnected, reason)
		}
		n := s.requests.CancelAll(cause)
		s.logger.Info("session closed", zap.Int("failed_requests", n), zap.Error(reason))
		close(s.done)
	})
	if first {
		s.onClose(reason)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, transport.ErrDisconnected):
		return "disconnected"
	default:
		return "error"
	}
}
