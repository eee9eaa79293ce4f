package config

import (
	"fmt"

	"duplexstream/transport"
)

// Listen opens the server side of the configured transport.
func (c TransportConfig) Listen() (transport.Listener, error) {
	var (
		ln  transport.Listener
		err error
	)
	switch c.Kind {
	case "pipe":
		var pl *transport.PipeListener
		if pl, err = transport.ListenPipe(c.PipeName); err == nil {
			ln = pl
		}
	case "tcp", "unix":
		var sl *transport.SocketListener
		if sl, err = transport.ListenSocket(c.Kind, c.Address); err == nil {
			ln = sl
		}
	case "websocket":
		var wl *transport.WebSocketListener
		if wl, err = transport.ListenWebSocket(c.Address, c.Path); err == nil {
			ln = wl
		}
	default:
		err = fmt.Errorf("%w: unknown transport.kind %q", ErrInvalidConfig, c.Kind)
	}
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Dialer returns the client side of the configured transport.
func (c TransportConfig) Dialer() (transport.Dialer, error) {
	switch c.Kind {
	case "pipe":
		return &transport.PipeDialer{Base: c.PipeName}, nil
	case "tcp", "unix":
		return &transport.SocketDialer{Network: c.Kind, Address: c.Address, Timeout: c.DialTimeout}, nil
	case "websocket":
		url := c.URL
		if url == "" {
			url = "ws://" + c.Address + c.Path
		}
		return &transport.WebSocketDialer{URL: url}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport.kind %q", ErrInvalidConfig, c.Kind)
	}
}
