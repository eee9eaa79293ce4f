package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// JSONCodec uses encoding/json for envelopes.
// Peers written against other runtimes may prefix the body with a UTF-8
// byte order mark, which is stripped before decoding.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decode json envelope: %w", err)
	}
	return nil
}

func (c *JSONCodec) Name() string {
	return "json"
}
