// Package codec serializes the structured envelopes carried by Request and
// Response frames.
package codec

import "errors"

var ErrEmptyPayload = errors.New("codec: empty payload")

// Codec encodes and decodes envelope bodies.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default returns the codec used on the wire.
func Default() Codec {
	return &JSONCodec{}
}
