package message

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"duplexstream/protocol"

	"github.com/google/uuid"
)

var (
	ErrStreamCancelled  = errors.New("message: stream cancelled")
	ErrStreamIncomplete = errors.New("message: stream not complete")
	ErrStreamSealed     = errors.New("message: stream already complete")
)

// Stream is one logical content stream reassembled from Stream frames.
//
// The session appends chunks in arrival order and seals the stream when the
// end frame arrives. Once sealed the content never changes. Readers block
// in Bytes until the stream is sealed or cancelled.
type Stream struct {
	ID             uuid.UUID
	ParentID       uuid.UUID
	ParentType     protocol.PayloadType
	ContentType    string
	DeclaredLength int

	mu        sync.Mutex
	buf       bytes.Buffer
	complete  bool
	cancelled bool
	done      chan struct{}
}

// NewStream creates an empty placeholder, pre-sized to the declared length.
func NewStream(id, parentID uuid.UUID, parentType protocol.PayloadType, contentType string, declaredLength int) *Stream {
	s := &Stream{
		ID:             id,
		ParentID:       parentID,
		ParentType:     parentType,
		ContentType:    contentType,
		DeclaredLength: declaredLength,
		done:           make(chan struct{}),
	}
	if declaredLength > 0 && declaredLength <= protocol.MaxLength {
		s.buf.Grow(declaredLength)
	}
	return s
}

// Append adds one chunk to the stream.
func (s *Stream) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return ErrStreamCancelled
	}
	if s.complete {
		return ErrStreamSealed
	}
	s.buf.Write(p)
	return nil
}

// MarkComplete seals the stream. It reports false if the stream was already
// sealed or cancelled.
func (s *Stream) MarkComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete || s.cancelled {
		return false
	}
	s.complete = true
	close(s.done)
	return true
}

// Cancel discards any partially accumulated bytes and wakes blocked readers.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete || s.cancelled {
		return false
	}
	s.cancelled = true
	s.buf = bytes.Buffer{}
	close(s.done)
	return true
}

func (s *Stream) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Stream) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Len returns the number of bytes accumulated so far.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Done is closed once the stream is sealed or cancelled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// TryBytes returns the content without waiting.
func (s *Stream) TryBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cancelled:
		return nil, ErrStreamCancelled
	case !s.complete:
		return nil, ErrStreamIncomplete
	}
	return bytes.Clone(s.buf.Bytes()), nil
}

// Bytes waits for the stream to be sealed and returns a copy of its content.
func (s *Stream) Bytes(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return s.TryBytes()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
