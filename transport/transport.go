// Package transport abstracts the physical duplex byte channel a session
// runs over.
//
// Every variant reports a torn-down channel the same way: Send and Receive
// return 0 and an error wrapping ErrDisconnected, never a raw platform
// error. Higher layers treat that uniformly as a disconnect signal.
//
//	named pipes:  <base>.incoming ──→ server reads, client writes
//	              <base>.outgoing ──→ server writes, client reads
//	socket:       one net.Conn (tcp, unix, websocket adapted to net.Conn)
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	ErrDisconnected   = errors.New("transport: disconnected")
	ErrListenerClosed = errors.New("transport: listener closed")
)

// Transport is a connected duplex byte channel.
type Transport interface {
	IsConnected() bool
	Send(p []byte) (int, error)
	Receive(p []byte) (int, error)
	Close() error
}

// Listener produces server-side transports, one per accepted peer.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

// Dialer produces client-side transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Reader adapts t to io.Reader so io.ReadFull can drive it.
func Reader(t Transport) io.Reader {
	return readerFunc(t.Receive)
}

// Writer adapts t to io.Writer.
func Writer(t Transport) io.Writer {
	return writerFunc(t.Send)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
