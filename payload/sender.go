package payload

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/protocol"
	"duplexstream/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEnvelopeTooLarge = errors.New("payload: envelope exceeds maximum length")

// Sender frames envelopes and content streams onto a transport.
type Sender struct {
	transport    transport.Transport
	codec        codec.Codec
	logger       *zap.Logger
	metrics      *metrics.Collector
	onDisconnect DisconnectFunc

	sending sync.Mutex // a header and its payload go out as one unit
}

func NewSender(t transport.Transport, opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		transport:    t,
		codec:        opts.Codec,
		logger:       opts.Logger.With(zap.String("component", "payload_sender")),
		metrics:      opts.Metrics,
		onDisconnect: opts.OnDisconnect,
	}
}

// SendRequest writes a request envelope under the exchange id.
func (s *Sender) SendRequest(id uuid.UUID, p message.RequestPayload) error {
	return s.sendEnvelope(protocol.PayloadTypeRequest, id, p)
}

// SendResponse writes a response envelope under the originating request's id.
func (s *Sender) SendResponse(id uuid.UUID, p message.ResponsePayload) error {
	return s.sendEnvelope(protocol.PayloadTypeResponse, id, p)
}

// sendEnvelope splits bodies larger than MaxPayloadLength into successive
// frames sharing id; only the last carries end.
func (s *Sender) sendEnvelope(t protocol.PayloadType, id uuid.UUID, v any) error {
	body, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("payload: encode %s envelope: %w", t, err)
	}
	if len(body) > protocol.MaxLength {
		return fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(body))
	}
	for len(body) > protocol.MaxPayloadLength {
		if err := s.writeFrame(t, id, body[:protocol.MaxPayloadLength], false); err != nil {
			return err
		}
		body = body[protocol.MaxPayloadLength:]
	}
	return s.writeFrame(t, id, body, true)
}

// SendStream copies r onto the wire in chunks of at most MaxPayloadLength.
// One chunk of look-ahead lets readers of unknown length mark the final
// frame; an empty reader produces a single zero-length end frame. If r
// fails midway the peer is told to discard the stream.
func (s *Sender) SendStream(id uuid.UUID, r io.Reader) error {
	if r == nil {
		return s.writeFrame(protocol.PayloadTypeStream, id, nil, true)
	}

	cur := make([]byte, protocol.MaxPayloadLength)
	next := make([]byte, protocol.MaxPayloadLength)

	n, eof, err := readChunk(r, cur)
	for {
		if err != nil {
			s.abortStream(id, err)
			return fmt.Errorf("payload: read stream %s: %w", id, err)
		}
		if eof {
			return s.writeFrame(protocol.PayloadTypeStream, id, cur[:n], true)
		}

		m, nextEOF, nextErr := readChunk(r, next)
		if m == 0 && nextEOF && nextErr == nil {
			return s.writeFrame(protocol.PayloadTypeStream, id, cur[:n], true)
		}
		if err := s.writeFrame(protocol.PayloadTypeStream, id, cur[:n], false); err != nil {
			return err
		}
		cur, next = next, cur
		n, eof, err = m, nextEOF, nextErr
	}
}

func (s *Sender) abortStream(id uuid.UUID, cause error) {
	s.logger.Warn("content stream aborted", zap.Stringer("stream_id", id), zap.Error(cause))
	if err := s.SendCancelStream(id); err != nil {
		s.logger.Debug("cancel after aborted stream not sent", zap.Error(err))
	}
}

// readChunk fills buf as far as r allows. eof reports that r is exhausted.
func readChunk(r io.Reader, buf []byte) (n int, eof bool, err error) {
	n, err = io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF):
		return 0, true, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	case err != nil:
		return n, false, err
	}
	return n, false, nil
}

// SendCancelStream tells the peer to drop a content stream.
func (s *Sender) SendCancelStream(id uuid.UUID) error {
	return s.writeFrame(protocol.PayloadTypeCancelStream, id, nil, true)
}

// SendCancelAll tells the peer to cancel every in-flight exchange.
func (s *Sender) SendCancelAll() error {
	return s.writeFrame(protocol.PayloadTypeCancelAll, uuid.Nil, nil, true)
}

func (s *Sender) writeFrame(t protocol.PayloadType, id uuid.UUID, body []byte, end bool) error {
	h, err := protocol.NewHeader(t, len(body), id, end)
	if err != nil {
		return err
	}

	s.sending.Lock()
	if !s.transport.IsConnected() {
		s.sending.Unlock()
		return fmt.Errorf("payload: send %s %s: %w", t, id, transport.ErrDisconnected)
	}
	err = protocol.WriteFrame(transport.Writer(s.transport), h, body)
	s.sending.Unlock()

	// onDisconnect may run observers that send, so the lock is released first
	if err != nil {
		s.onDisconnect(err)
		return fmt.Errorf("payload: send %s %s: %w", t, id, err)
	}

	s.metrics.RecordFrameSent(t.String(), len(body))
	if ce := s.logger.Check(zap.DebugLevel, "frame sent"); ce != nil {
		ce.Write(zap.Stringer("type", t), zap.Stringer("id", id), zap.Int("length", len(body)), zap.Bool("end", end))
	}
	return nil
}
