// Package client binds a dialed transport to a session and keeps it alive.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/middleware"
	"duplexstream/session"
	"duplexstream/transport"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const role = "client"

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrKeepAliveFailed  = errors.New("client: keep-alive failed")
)

// DisconnectedEvent is published once per lost connection.
type DisconnectedEvent struct {
	// Generation counts successful connects, starting at 1.
	Generation uint64
	// Reason is nil when Disconnect was called locally.
	Reason error
	// Reconnecting reports whether a background reconnect was scheduled.
	Reconnecting bool
}

type BackoffOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Attempts per disconnect before the client gives up.
	MaxAttempts int
}

type Options struct {
	Handler        session.RequestHandler
	Codec          codec.Codec
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	RequestTimeout time.Duration

	// KeepAliveInterval spaces GET /api/version probes. A failed probe
	// disconnects. Zero disables keep-alive.
	KeepAliveInterval time.Duration

	AutoReconnect bool
	Backoff       BackoffOptions
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Backoff.InitialInterval <= 0 {
		o.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if o.Backoff.MaxInterval < o.Backoff.InitialInterval {
		o.Backoff.MaxInterval = 30 * time.Second
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = 2
	}
	if o.Backoff.MaxAttempts <= 0 {
		o.Backoff.MaxAttempts = 10
	}
	return o
}

// Client owns at most one session at a time. Teardown of a connection is
// guarded by mu and the disconnecting flag, so concurrent triggers produce
// one teardown and one DisconnectedEvent.
type Client struct {
	dialer transport.Dialer
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	session       *session.Session
	generation    uint64
	disconnecting bool
	stopped       bool // Disconnect called; suppresses reconnect
	reconnecting  bool
	stopKeepAlive context.CancelFunc
	stopReconnect context.CancelFunc
	listeners     []func(DisconnectedEvent)
}

func New(dialer transport.Dialer, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		dialer:        dialer,
		opts:          opts,
		logger:        opts.Logger.With(zap.String("component", role)),
		stopKeepAlive: func() {},
		stopReconnect: func() {},
	}
}

// OnDisconnected registers fn for every future DisconnectedEvent. fn runs on
// the goroutine that observed the disconnect and must not block for long.
func (c *Client) OnDisconnected(fn func(DisconnectedEvent)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Connect dials the peer and starts a session on the new transport.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.stopped = false
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.isStopped() {
		return fmt.Errorf("client: connect: %w", ErrNotConnected)
	}
	t, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}

	c.mu.Lock()
	if c.session != nil || c.stopped {
		c.mu.Unlock()
		_ = t.Close()
		if c.stopped {
			return fmt.Errorf("client: connect: %w", ErrNotConnected)
		}
		return ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	s := session.New(t, session.Options{
		Handler:        c.opts.Handler,
		Codec:          c.opts.Codec,
		Logger:         c.opts.Logger,
		Metrics:        c.opts.Metrics,
		RequestTimeout: c.opts.RequestTimeout,
		OnClose: func(err error) {
			c.disconnect(gen, err)
		},
	})
	c.session = s
	c.reconnecting = false
	kaCtx, stop := context.WithCancel(context.Background())
	c.stopKeepAlive = stop
	c.mu.Unlock()

	s.Start()
	if c.opts.KeepAliveInterval > 0 {
		go c.keepAlive(kaCtx, gen, s)
	}
	c.logger.Info("connected", zap.Uint64("generation", gen))
	return nil
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// IsConnected reports whether a live session exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return s != nil && s.IsConnected()
}

func (c *Client) current() (*session.Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || !s.IsConnected() {
		return nil, ErrNotConnected
	}
	return s, nil
}

// SendRequest sends req to the peer and waits for its response.
func (c *Client) SendRequest(ctx context.Context, req *message.StreamingRequest) (*message.ReceiveResponse, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return s.SendRequest(ctx, req)
}

// Send builds a request from path, verb and streams and sends it.
func (c *Client) Send(ctx context.Context, path, verb string, streams ...*message.ContentStream) (*message.ReceiveResponse, error) {
	return c.SendRequest(ctx, message.NewRequest(verb, path, streams...))
}

// Disconnect closes the current connection and cancels any pending
// reconnect. It is safe to call concurrently and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	gen := c.generation
	stopReconnect := c.stopReconnect
	c.mu.Unlock()

	stopReconnect()
	c.disconnect(gen, nil)
}

// disconnect tears down generation gen. Triggers for an older generation,
// or arriving while a teardown is running, are ignored.
func (c *Client) disconnect(gen uint64, reason error) {
	c.mu.Lock()
	if c.disconnecting || c.session == nil || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.disconnecting = true
	s := c.session
	c.session = nil
	stopKeepAlive := c.stopKeepAlive
	reconnect := c.opts.AutoReconnect && !c.stopped && !c.reconnecting
	if reconnect {
		c.reconnecting = true
	}
	listeners := append([]func(DisconnectedEvent){}, c.listeners...)
	c.mu.Unlock()

	stopKeepAlive()
	_ = s.Close()
	c.opts.Metrics.RecordDisconnect(role)
	if reason != nil {
		c.logger.Warn("disconnected", zap.Uint64("generation", gen), zap.Error(reason))
	} else {
		c.logger.Info("disconnected", zap.Uint64("generation", gen))
	}

	ev := DisconnectedEvent{Generation: gen, Reason: reason, Reconnecting: reconnect}
	for _, fn := range listeners {
		fn(ev)
	}

	c.mu.Lock()
	c.disconnecting = false
	var ctx context.Context
	if reconnect {
		ctx, c.stopReconnect = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if reconnect {
		go c.reconnect(ctx)
	}
}

// reconnect retries Connect with exponential backoff until it succeeds,
// the attempts run out or Disconnect is called.
func (c *Client) reconnect(ctx context.Context) {
	giveUp := func() {
		c.mu.Lock()
		if c.session == nil {
			c.reconnecting = false
		}
		c.mu.Unlock()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Backoff.InitialInterval
	b.MaxInterval = c.opts.Backoff.MaxInterval
	b.Multiplier = c.opts.Backoff.Multiplier
	b.Reset()

	for attempt := 1; attempt <= c.opts.Backoff.MaxAttempts; attempt++ {
		delay := b.NextBackOff()
		c.logger.Info("attempting reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max", c.opts.Backoff.MaxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			giveUp()
			return
		case <-time.After(delay):
		}

		err := c.connect(ctx)
		c.opts.Metrics.RecordReconnect(role, err == nil)
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
			giveUp()
			return
		}
		c.logger.Error("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	giveUp()
	c.logger.Error("giving up reconnect", zap.Int("attempts", c.opts.Backoff.MaxAttempts))
}

// keepAlive probes the peer until ctx ends. A probe that errors or returns
// a non-success status disconnects generation gen.
func (c *Client) keepAlive(ctx context.Context, gen uint64, s *session.Session) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
		}

		resp, err := s.SendRequest(ctx, message.NewGet(middleware.VersionPath))
		if ctx.Err() != nil {
			return
		}
		if err == nil && !resp.IsSuccess() {
			err = fmt.Errorf("%w: status %d", ErrKeepAliveFailed, resp.StatusCode)
		} else if err != nil {
			err = fmt.Errorf("%w: %w", ErrKeepAliveFailed, err)
		}
		if err != nil {
			c.logger.Error("keep-alive failed", zap.Error(err))
			c.disconnect(gen, err)
			return
		}
		c.logger.Debug("keep-alive succeeded")
	}
}
