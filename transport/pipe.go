//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	IncomingSuffix = ".incoming"
	OutgoingSuffix = ".outgoing"
)

// PipeTransport runs over a pair of unidirectional named pipes. The read
// end and the write end are separate files; Close releases both.
type PipeTransport struct {
	name      string
	reader    *os.File
	writer    *os.File
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newPipeTransport(name string, reader, writer *os.File) *PipeTransport {
	return &PipeTransport{name: name, reader: reader, writer: writer}
}

func (t *PipeTransport) IsConnected() bool {
	return !t.closed.Load()
}

func (t *PipeTransport) Send(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrDisconnected
	}
	n, err := t.writer.Write(p)
	if err != nil {
		_ = t.Close()
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return n, nil
}

func (t *PipeTransport) Receive(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrDisconnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := t.reader.Read(p)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		_ = t.Close()
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return 0, nil
}

func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = multierr.Combine(t.reader.Close(), t.writer.Close())
	})
	return t.closeErr
}

func (t *PipeTransport) Name() string {
	return t.name
}

// PipeListener owns the FIFO pair for one base name. Accept opens the pair
// from the server side; the FIFOs survive across accepts so a peer can
// reconnect.
type PipeListener struct {
	base     string
	incoming string
	outgoing string

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// ListenPipe creates <base>.incoming and <base>.outgoing if they do not
// exist yet.
func ListenPipe(base string) (*PipeListener, error) {
	l := &PipeListener{
		base:     base,
		incoming: base + IncomingSuffix,
		outgoing: base + OutgoingSuffix,
	}
	for _, path := range []string{l.incoming, l.outgoing} {
		if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("transport: mkfifo %s: %w", path, err)
		}
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Accept blocks until a client opens both pipes. Open order matches
// PipeDialer so neither side deadlocks.
func (l *PipeListener) Accept(ctx context.Context) (Transport, error) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(l.ctx, stop)
	defer unregister()

	reader, err := openFIFO(ctx, l.incoming, os.O_RDONLY)
	if err != nil {
		return nil, l.acceptErr(err)
	}
	writer, err := openFIFO(ctx, l.outgoing, os.O_WRONLY)
	if err != nil {
		_ = reader.Close()
		return nil, l.acceptErr(err)
	}
	return newPipeTransport(l.base, reader, writer), nil
}

func (l *PipeListener) acceptErr(err error) error {
	if l.ctx.Err() != nil {
		return ErrListenerClosed
	}
	return err
}

// Close stops pending accepts, waits for them to unwind and removes the
// FIFO files.
func (l *PipeListener) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return multierr.Combine(removeIfExists(l.incoming), removeIfExists(l.outgoing))
}

func (l *PipeListener) Addr() string {
	return l.base
}

// PipeDialer connects to a PipeListener's FIFO pair.
type PipeDialer struct {
	Base string
}

func (d *PipeDialer) Dial(ctx context.Context) (Transport, error) {
	writer, err := openFIFO(ctx, d.Base+IncomingSuffix, os.O_WRONLY)
	if err != nil {
		return nil, err
	}
	reader, err := openFIFO(ctx, d.Base+OutgoingSuffix, os.O_RDONLY)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newPipeTransport(d.Base, reader, writer), nil
}

// openFIFO opens one end of a FIFO. The open blocks until the other end is
// opened; on cancellation the wait is released by briefly opening the FIFO
// read-write, which satisfies the blocked open.
func openFIFO(ctx context.Context, path string, flag int) (*os.File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("transport: pipe %s: %w", path, err)
	}

	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport: open pipe %s: %w", path, r.err)
		}
		return r.f, nil
	case <-ctx.Done():
		if unblock, err := os.OpenFile(path, os.O_RDWR, 0); err == nil {
			r := <-ch
			_ = unblock.Close()
			if r.f != nil {
				_ = r.f.Close()
			}
		}
		return nil, ctx.Err()
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
