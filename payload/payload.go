// Package payload turns a transport into a stream of framed chunks.
//
// The Sender owns the write side. Every header+payload unit is written under
// one mutex, so exchanges sending concurrently interleave at frame
// granularity and never inside a frame:
//
//	goroutine-1 ──SendStream(s1)──┐
//	goroutine-2 ──SendStream(s2)──┼──→ [S s1][S s2][S s1][B r1] ──→ transport
//	goroutine-3 ──SendResponse(r1)┘
//
// The Receiver owns the read side. It is the only reader of the transport:
// it reads exactly HeaderLength bytes, then exactly PayloadLength bytes, and
// hands the pair to a FrameHandler.
package payload

import (
	"duplexstream/codec"
	"duplexstream/metrics"

	"go.uber.org/zap"
)

// DisconnectFunc is invoked when the transport fails underneath a sender or
// receiver. It may be called from several goroutines and must be idempotent.
type DisconnectFunc func(err error)

// Options are shared by Sender and Receiver.
type Options struct {
	Codec        codec.Codec
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	OnDisconnect DisconnectFunc
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = codec.Default()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnDisconnect == nil {
		o.OnDisconnect = func(error) {}
	}
	return o
}
