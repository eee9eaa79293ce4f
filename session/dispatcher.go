package session

import (
	"errors"

	"duplexstream/codec"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Target is what the dispatcher routes frames into. Session implements it.
type Target interface {
	ReceiveRequest(h protocol.Header, req *message.ReceiveRequest) error
	ReceiveResponse(h protocol.Header, resp *message.ReceiveResponse) error
	ReceiveStream(h protocol.Header, payload []byte) error
	HandleCancelStream(id uuid.UUID)
	HandleCancelAll()
}

// Dispatcher classifies frames by header type. Anything it cannot route is
// logged and dropped so a confused peer cannot stop the read loop.
type Dispatcher struct {
	target  Target
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewDispatcher(target Target, c codec.Codec, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	if c == nil {
		c = codec.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		target:  target,
		codec:   c,
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: m,
	}
}

// Dispatch routes one frame. It is a payload.FrameHandler.
func (d *Dispatcher) Dispatch(h protocol.Header, payload []byte) {
	switch h.Type {
	case protocol.PayloadTypeRequest:
		var p message.RequestPayload
		if err := d.codec.Decode(payload, &p); err != nil {
			d.drop("bad_envelope", h, err)
			return
		}
		streams, err := placeholders(h, p.Streams)
		if err != nil {
			d.drop("bad_envelope", h, err)
			return
		}
		req := &message.ReceiveRequest{ID: h.ID, Verb: p.Verb, Path: p.Path, Streams: streams}
		if err := d.target.ReceiveRequest(h, req); err != nil {
			d.drop("rejected_request", h, err)
		}

	case protocol.PayloadTypeResponse:
		var p message.ResponsePayload
		if err := d.codec.Decode(payload, &p); err != nil {
			d.drop("bad_envelope", h, err)
			return
		}
		streams, err := placeholders(h, p.Streams)
		if err != nil {
			d.drop("bad_envelope", h, err)
			return
		}
		resp := &message.ReceiveResponse{ID: h.ID, StatusCode: p.StatusCode, Streams: streams}
		if err := d.target.ReceiveResponse(h, resp); err != nil {
			d.drop("rejected_response", h, err)
		}

	case protocol.PayloadTypeStream:
		if err := d.target.ReceiveStream(h, payload); err != nil {
			reason := "rejected_stream"
			if errors.Is(err, ErrUnknownStream) {
				reason = "orphan_stream"
			}
			d.drop(reason, h, err)
		}

	case protocol.PayloadTypeCancelStream:
		d.target.HandleCancelStream(h.ID)

	case protocol.PayloadTypeCancelAll:
		d.target.HandleCancelAll()

	default:
		d.drop("unknown_type", h, nil)
	}
}

func (d *Dispatcher) drop(reason string, h protocol.Header, err error) {
	d.metrics.RecordDropped(reason)
	d.logger.Error("dropping frame",
		zap.String("reason", reason),
		zap.Stringer("type", h.Type),
		zap.Stringer("id", h.ID),
		zap.Int("length", h.PayloadLength),
		zap.Error(err),
	)
}

// placeholders creates one empty stream per description, linked to the
// exchange in h.
func placeholders(h protocol.Header, descs []message.StreamDescription) ([]*message.Stream, error) {
	if len(descs) == 0 {
		return nil, nil
	}
	streams := make([]*message.Stream, 0, len(descs))
	for _, desc := range descs {
		id, err := desc.ParseID()
		if err != nil {
			return nil, err
		}
		streams = append(streams, message.NewStream(id, h.ID, h.Type, desc.ContentType, desc.Length))
	}
	return streams, nil
}
