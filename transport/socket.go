package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SocketTransport runs over a single duplex net.Conn.
type SocketTransport struct {
	conn      net.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn, done: make(chan struct{})}
}

func (t *SocketTransport) IsConnected() bool {
	return !t.closed.Load()
}

// Send writes p in full. A failed write tears the transport down.
func (t *SocketTransport) Send(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrDisconnected
	}
	n, err := t.conn.Write(p)
	if err != nil {
		_ = t.Close()
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return n, nil
}

// Receive reads at most len(p) bytes. EOF and read errors tear the
// transport down and surface as ErrDisconnected.
func (t *SocketTransport) Receive(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrDisconnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := t.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		_ = t.Close()
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return 0, nil
}

// Close is idempotent; only the first call reaches the connection.
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
		close(t.done)
	})
	return t.closeErr
}

// Done is closed once the transport is torn down.
func (t *SocketTransport) Done() <-chan struct{} {
	return t.done
}

func (t *SocketTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// SocketListener accepts tcp or unix socket connections.
type SocketListener struct {
	ln net.Listener
}

// ListenSocket binds network ("tcp", "unix") at address.
func ListenSocket(network, address string) (*SocketListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s %s: %w", network, address, err)
	}
	return &SocketListener{ln: ln}, nil
}

// NewSocketListener wraps an existing listener.
func NewSocketListener(ln net.Listener) *SocketListener {
	return &SocketListener{ln: ln}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Accept waits for the next peer. Cancelling ctx interrupts the wait
// without closing the listener.
func (l *SocketListener) Accept(ctx context.Context) (Transport, error) {
	if d, ok := l.ln.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
		defer func() {
			stop()
			_ = d.SetDeadline(time.Time{})
		}()
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isClosedErr(err) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewSocketTransport(conn), nil
}

func (l *SocketListener) Close() error {
	return l.ln.Close()
}

func (l *SocketListener) Addr() string {
	return l.ln.Addr().String()
}

// SocketDialer connects to a tcp or unix socket.
type SocketDialer struct {
	Network string
	Address string
	Timeout time.Duration
}

func (d *SocketDialer) Dial(ctx context.Context) (Transport, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", d.Network, d.Address, err)
	}
	return NewSocketTransport(conn), nil
}
