// Package server accepts one peer at a time and runs a session over it.
//
//	Serve: Accept transport → session (middleware chain → handler)
//	  → peer disconnects → with AutoReconnect, Accept again
//
// Requests flow both ways: the peer's requests reach the handler, and
// SendRequest makes proactive calls to the peer over the same connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/middleware"
	"duplexstream/session"
	"duplexstream/transport"

	"go.uber.org/zap"
)

const role = "server"

var (
	ErrNotConnected = errors.New("server: no peer connected")
	ErrServing      = errors.New("server: already serving")
)

// DisconnectedEvent is published once per lost peer connection.
type DisconnectedEvent struct {
	Generation uint64
	// Reason is nil for a local Disconnect or Shutdown.
	Reason error
}

type Options struct {
	// Handler answers the peer's requests. Nil answers 404 to everything.
	Handler        session.RequestHandler
	Codec          codec.Codec
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	RequestTimeout time.Duration

	// AutoReconnect accepts a new peer after the current one is lost.
	AutoReconnect bool
}

type Server struct {
	listener    transport.Listener
	opts        Options
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     session.RequestHandler // middleware chain around opts.Handler, built by Serve

	serving  atomic.Bool
	shutdown atomic.Bool // set before the listener closes so Serve returns nil

	mu            sync.Mutex
	session       *session.Session
	generation    uint64
	disconnecting bool
	listeners     []func(DisconnectedEvent)
}

func New(listener transport.Listener, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Handler == nil {
		opts.Handler = session.NotFoundHandler
	}
	return &Server{
		listener: listener,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", role), zap.String("addr", listener.Addr())),
	}
}

// Use registers a middleware. Middlewares apply in the order they are
// added and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// OnDisconnected registers fn for every future DisconnectedEvent.
func (s *Server) OnDisconnected(fn func(DisconnectedEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Serve accepts a peer and blocks while it is connected. With
// AutoReconnect it then accepts the next peer. It returns nil after
// Shutdown, ctx.Err() when ctx ends, or the accept error.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServing
	}
	defer s.serving.Store(false)

	s.handler = middleware.Chain(s.middlewares...)(s.opts.Handler)

	for {
		t, err := s.listener.Accept(ctx)
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		sess, gen := s.attach(t)
		if gen > 1 {
			s.opts.Metrics.RecordReconnect(role, true)
		}
		s.logger.Info("peer connected", zap.Uint64("generation", gen))

		select {
		case <-sess.Done():
		case <-ctx.Done():
			s.disconnect(gen, nil)
			return ctx.Err()
		}

		if s.shutdown.Load() {
			return nil
		}
		if !s.opts.AutoReconnect {
			return nil
		}
	}
}

func (s *Server) attach(t transport.Transport) (*session.Session, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	gen := s.generation
	sess := session.New(t, session.Options{
		Handler:        s.handler,
		Codec:          s.opts.Codec,
		Logger:         s.opts.Logger,
		Metrics:        s.opts.Metrics,
		RequestTimeout: s.opts.RequestTimeout,
		OnClose: func(err error) {
			s.disconnect(gen, err)
		},
	})
	s.session = sess
	sess.Start()
	return sess, gen
}

// IsConnected reports whether a peer is attached.
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	return sess != nil && sess.IsConnected()
}

// SendRequest makes a proactive call to the connected peer.
func (s *Server) SendRequest(ctx context.Context, req *message.StreamingRequest) (*message.ReceiveResponse, error) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil || !sess.IsConnected() {
		return nil, ErrNotConnected
	}
	return sess.SendRequest(ctx, req)
}

// Send builds a request from path, verb and streams and sends it.
func (s *Server) Send(ctx context.Context, path, verb string, streams ...*message.ContentStream) (*message.ReceiveResponse, error) {
	return s.SendRequest(ctx, message.NewRequest(verb, path, streams...))
}

// Disconnect drops the current peer. Serve keeps accepting when
// AutoReconnect is set.
func (s *Server) Disconnect() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.disconnect(gen, nil)
}

// disconnect tears down generation gen exactly once and notifies the
// listeners.
func (s *Server) disconnect(gen uint64, reason error) {
	s.mu.Lock()
	if s.disconnecting || s.session == nil || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.disconnecting = true
	sess := s.session
	s.session = nil
	listeners := append([]func(DisconnectedEvent){}, s.listeners...)
	s.mu.Unlock()

	_ = sess.Close()
	s.opts.Metrics.RecordDisconnect(role)
	if reason != nil {
		s.logger.Warn("peer disconnected", zap.Uint64("generation", gen), zap.Error(reason))
	} else {
		s.logger.Info("peer disconnected", zap.Uint64("generation", gen))
	}

	ev := DisconnectedEvent{Generation: gen, Reason: reason}
	for _, fn := range listeners {
		fn(ev)
	}

	s.mu.Lock()
	s.disconnecting = false
	s.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so Serve treats the accept error as intentional
//  2. Close the listener
//  3. Wait for in-flight handlers of the current peer, up to timeout
//  4. Drop the peer
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	closeErr := s.listener.Close()

	s.mu.Lock()
	sess := s.session
	gen := s.generation
	s.mu.Unlock()

	var waitErr error
	if sess != nil {
		waitErr = sess.WaitHandlers(timeout)
	}
	s.disconnect(gen, nil)

	if waitErr != nil {
		return fmt.Errorf("server: shutdown: %w", waitErr)
	}
	if closeErr != nil && !errors.Is(closeErr, transport.ErrListenerClosed) {
		return fmt.Errorf("server: close listener: %w", closeErr)
	}
	return nil
}
