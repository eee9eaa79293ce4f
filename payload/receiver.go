package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"duplexstream/metrics"
	"duplexstream/protocol"
	"duplexstream/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameHandler receives each complete frame. It runs on the reader
// goroutine and must not block for long.
type FrameHandler func(h protocol.Header, payload []byte)

// Receiver is the single reader of a transport.
type Receiver struct {
	transport    transport.Transport
	handler      FrameHandler
	logger       *zap.Logger
	metrics      *metrics.Collector
	onDisconnect DisconnectFunc

	// envelopes split across frames
	partial map[envelopeKey]*bytes.Buffer
}

// MaxPartialEnvelopes bounds how many split envelopes a receiver holds
// while waiting for their end frames.
const MaxPartialEnvelopes = 256

type envelopeKey struct {
	typ protocol.PayloadType
	id  uuid.UUID
}

func NewReceiver(t transport.Transport, handler FrameHandler, opts Options) *Receiver {
	opts = opts.withDefaults()
	return &Receiver{
		transport:    t,
		handler:      handler,
		logger:       opts.Logger.With(zap.String("component", "payload_receiver")),
		metrics:      opts.Metrics,
		onDisconnect: opts.OnDisconnect,
		partial:      make(map[envelopeKey]*bytes.Buffer),
	}
}

// Run reads frames until the transport fails or ctx is cancelled.
// Cancelling ctx closes the transport to release the blocked read.
// A malformed header is logged and its bytes dropped; the loop continues.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.transport.Close() })
	defer stop()

	reader := transport.Reader(r.transport)
	var headerBuf [protocol.HeaderLength]byte

	for {
		if _, err := io.ReadFull(reader, headerBuf[:]); err != nil {
			return r.fail(ctx, err)
		}

		h, err := protocol.Deserialize(headerBuf[:], protocol.HeaderLength)
		if err != nil {
			r.metrics.RecordDropped("malformed_header")
			r.logger.Error("dropping malformed frame header",
				zap.ByteString("header", headerBuf[:]), zap.Error(err))
			continue
		}

		body := make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return r.fail(ctx, err)
		}
		r.metrics.RecordFrameReceived(h.Type.String(), len(body))

		if ce := r.logger.Check(zap.DebugLevel, "frame received"); ce != nil {
			ce.Write(zap.Stringer("type", h.Type), zap.Stringer("id", h.ID),
				zap.Int("length", h.PayloadLength), zap.Bool("end", h.End))
		}

		if h.Type == protocol.PayloadTypeRequest || h.Type == protocol.PayloadTypeResponse {
			var ok bool
			if h, body, ok = r.assembleEnvelope(h, body); !ok {
				continue
			}
		}
		r.handler(h, body)
	}
}

// assembleEnvelope joins an envelope sent as several frames. It reports
// false until the end frame arrives.
func (r *Receiver) assembleEnvelope(h protocol.Header, body []byte) (protocol.Header, []byte, bool) {
	key := envelopeKey{typ: h.Type, id: h.ID}
	buf, buffered := r.partial[key]
	if !buffered && h.End {
		return h, body, true
	}
	if !buffered {
		if len(r.partial) >= MaxPartialEnvelopes {
			r.metrics.RecordDropped("bad_envelope")
			r.logger.Error("dropping envelope frame, too many partial envelopes",
				zap.Stringer("type", h.Type), zap.Stringer("id", h.ID))
			return h, nil, false
		}
		buf = &bytes.Buffer{}
		r.partial[key] = buf
	}
	if buf.Len()+len(body) > protocol.MaxLength {
		delete(r.partial, key)
		r.metrics.RecordDropped("bad_envelope")
		r.logger.Error("dropping oversized envelope", zap.Stringer("id", h.ID))
		return h, nil, false
	}
	buf.Write(body)
	if !h.End {
		return h, nil, false
	}
	delete(r.partial, key)
	h.PayloadLength = buf.Len()
	return h, buf.Bytes(), true
}

func (r *Receiver) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !errors.Is(err, transport.ErrDisconnected) {
		err = fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	}
	r.logger.Debug("receive loop stopped", zap.Error(err))
	r.onDisconnect(err)
	return err
}
