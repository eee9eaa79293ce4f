//go:build !unix

package transport

import (
	"context"
	"errors"
)

var errPipeUnsupported = errors.New("transport: named pipes are not supported on this platform")

type PipeListener struct{}

func ListenPipe(base string) (*PipeListener, error) {
	return nil, errPipeUnsupported
}

func (l *PipeListener) Accept(ctx context.Context) (Transport, error) {
	return nil, errPipeUnsupported
}

func (l *PipeListener) Close() error { return nil }

func (l *PipeListener) Addr() string { return "" }

type PipeDialer struct {
	Base string
}

func (d *PipeDialer) Dial(ctx context.Context) (Transport, error) {
	return nil, errPipeUnsupported
}
