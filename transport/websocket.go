package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"duplexstream/protocol"

	"github.com/coder/websocket"
)

// NewWebSocketTransport adapts a websocket connection to a byte stream.
// Each Send becomes one binary message; Receive reads across message
// boundaries.
func NewWebSocketTransport(ctx context.Context, conn *websocket.Conn) *SocketTransport {
	conn.SetReadLimit(int64(protocol.HeaderLength + protocol.MaxLength))
	return NewSocketTransport(&wsConn{
		Conn: websocket.NetConn(ctx, conn, websocket.MessageBinary),
		ws:   conn,
	})
}

// wsConn closes without the close handshake. The handshake waits for the
// peer to read, and a peer that stopped reading would stall teardown.
type wsConn struct {
	net.Conn
	ws *websocket.Conn
}

func (c *wsConn) Close() error {
	err := c.ws.CloseNow()
	_ = c.Conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// WebSocketDialer connects to a websocket endpoint such as
// ws://host:port/stream.
type WebSocketDialer struct {
	URL        string
	HTTPHeader http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.HTTPHeader})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", d.URL, err)
	}
	return NewWebSocketTransport(context.Background(), conn), nil
}

const acceptWait = 5 * time.Second

// WebSocketListener serves websocket upgrades over HTTP and hands each
// upgraded connection to Accept. A connection nobody accepts within
// acceptWait is refused.
type WebSocketListener struct {
	ln      net.Listener
	srv     *http.Server
	path    string
	conns   chan *SocketTransport
	closed  chan struct{}
	once    sync.Once
	serveWg sync.WaitGroup
}

// ListenWebSocket binds address and serves upgrades on path.
func ListenWebSocket(address, path string) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen websocket %s: %w", address, err)
	}
	return NewWebSocketListener(ln, path), nil
}

func NewWebSocketListener(ln net.Listener, path string) *WebSocketListener {
	if path == "" {
		path = "/"
	}
	l := &WebSocketListener{
		ln:     ln,
		path:   path,
		conns:  make(chan *SocketTransport),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	l.serveWg.Add(1)
	go func() {
		defer l.serveWg.Done()
		_ = l.srv.Serve(ln)
	}()
	return l
}

// ServeHTTP upgrades the request and blocks until the transport is closed,
// since the websocket lives only as long as the handler.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	t := NewWebSocketTransport(r.Context(), conn)

	select {
	case l.conns <- t:
	case <-l.closed:
		_ = conn.Close(websocket.StatusGoingAway, "listener closed")
		return
	case <-time.After(acceptWait):
		_ = conn.Close(websocket.StatusTryAgainLater, "no session available")
		return
	case <-r.Context().Done():
		_ = t.Close()
		return
	}

	select {
	case <-t.Done():
	case <-r.Context().Done():
		_ = t.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.conns:
		return t, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = l.srv.Close()
		}
		l.serveWg.Wait()
	})
	return err
}

func (l *WebSocketListener) Addr() string {
	return l.ln.Addr().String()
}

// URL returns the ws:// address clients dial.
func (l *WebSocketListener) URL() string {
	return "ws://" + l.ln.Addr().String() + l.path
}
