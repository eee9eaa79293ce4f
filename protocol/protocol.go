// Package protocol implements the fixed-width ASCII frame header used by the
// duplex streaming transport.
//
// Every chunk of bytes on the wire is preceded by a 48-byte header. The
// receiver reads exactly HeaderLength bytes, parses the payload length from
// the header, then reads exactly that many payload bytes. No look-ahead or
// delimiter scanning is needed on a byte stream without message boundaries.
//
// Header format:
//
//	0 1 2      8 9                                      45 46 47
//	┌─┬─┬──────┬─┬───────────────────────────────────────┬─┬─┬──┐
//	│t│.│length│.│ id (36-char hyphenated uuid)          │.│e│\n│
//	└─┴─┴──────┴─┴───────────────────────────────────────┴─┴─┴──┘
//
// t is the payload type, length is six zero-padded decimal digits, e is '0'
// or '1' and marks the final chunk of the identified entity.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	HeaderLength     = 48
	MaxPayloadLength = 4096 // Largest chunk the sender puts in one frame
	MinLength        = 0
	MaxLength        = 999999 // Six decimal digits

	Delimiter  byte = '.'
	Terminator byte = '\n'
	EndFalse   byte = '0'
	EndTrue    byte = '1'

	typeOffset        = 0
	typeDelimOffset   = 1
	lengthOffset      = 2
	lengthLength      = 6
	lengthDelimOffset = 8
	idOffset          = 9
	idLength          = 36
	idDelimOffset     = 45
	endOffset         = 46
	terminatorOffset  = 47
)

// PayloadType is the single-character discriminator at the start of a header.
type PayloadType byte

const (
	PayloadTypeRequest      PayloadType = 'A'
	PayloadTypeResponse     PayloadType = 'B'
	PayloadTypeStream       PayloadType = 'S'
	PayloadTypeCancelAll    PayloadType = 'X'
	PayloadTypeCancelStream PayloadType = 'C'
)

func (t PayloadType) String() string {
	switch t {
	case PayloadTypeRequest:
		return "request"
	case PayloadTypeResponse:
		return "response"
	case PayloadTypeStream:
		return "stream"
	case PayloadTypeCancelAll:
		return "cancel_all"
	case PayloadTypeCancelStream:
		return "cancel_stream"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

var (
	ErrMalformedHeader  = errors.New("protocol: malformed header")
	ErrHeaderLength     = fmt.Errorf("%w: header must be exactly %d bytes", ErrMalformedHeader, HeaderLength)
	ErrTypeDelimiter    = fmt.Errorf("%w: missing type/length delimiter", ErrMalformedHeader)
	ErrLengthDelimiter  = fmt.Errorf("%w: missing length/id delimiter", ErrMalformedHeader)
	ErrIDDelimiter      = fmt.Errorf("%w: missing id/end delimiter", ErrMalformedHeader)
	ErrTerminator       = fmt.Errorf("%w: missing terminator", ErrMalformedHeader)
	ErrLengthNotNumeric = fmt.Errorf("%w: length is not numeric", ErrMalformedHeader)
	ErrInvalidID        = fmt.Errorf("%w: id is not a valid uuid", ErrMalformedHeader)
	ErrInvalidEnd       = fmt.Errorf("%w: end flag must be 0 or 1", ErrMalformedHeader)
	ErrLengthOutOfRange = fmt.Errorf("protocol: payload length must be within [%d, %d]", MinLength, MaxLength)
)

// Header describes one frame: what it carries, how long its payload is,
// which entity it belongs to and whether it is the entity's last chunk.
type Header struct {
	Type          PayloadType
	PayloadLength int
	ID            uuid.UUID
	End           bool
}

// NewHeader builds a header, rejecting payload lengths the six-digit length
// field cannot carry.
func NewHeader(t PayloadType, payloadLength int, id uuid.UUID, end bool) (Header, error) {
	if payloadLength < MinLength || payloadLength > MaxLength {
		return Header{}, fmt.Errorf("%w: got %d", ErrLengthOutOfRange, payloadLength)
	}
	return Header{Type: t, PayloadLength: payloadLength, ID: id, End: end}, nil
}

// Serialize writes h into buf starting at offset and returns the number of
// bytes written. The caller guarantees len(buf)-offset >= HeaderLength.
func Serialize(h Header, buf []byte, offset int) int {
	b := buf[offset : offset+HeaderLength]
	b[typeOffset] = byte(h.Type)
	b[typeDelimOffset] = Delimiter

	n := h.PayloadLength
	for i := lengthOffset + lengthLength - 1; i >= lengthOffset; i-- {
		b[i] = byte('0' + n%10)
		n /= 10
	}
	b[lengthDelimOffset] = Delimiter

	copy(b[idOffset:idOffset+idLength], h.ID.String())
	b[idDelimOffset] = Delimiter

	if h.End {
		b[endOffset] = EndTrue
	} else {
		b[endOffset] = EndFalse
	}
	b[terminatorOffset] = Terminator
	return HeaderLength
}

// Deserialize parses the first length bytes of buf as a header. The parser
// is strict: every delimiter and field is checked, and each failure returns
// its own error. An unrecognized type character is passed through.
func Deserialize(buf []byte, length int) (Header, error) {
	if length != HeaderLength || len(buf) < length {
		return Header{}, ErrHeaderLength
	}
	b := buf[:HeaderLength]

	if b[typeDelimOffset] != Delimiter {
		return Header{}, ErrTypeDelimiter
	}
	if b[lengthDelimOffset] != Delimiter {
		return Header{}, ErrLengthDelimiter
	}
	if b[idDelimOffset] != Delimiter {
		return Header{}, ErrIDDelimiter
	}
	if b[terminatorOffset] != Terminator {
		return Header{}, ErrTerminator
	}

	payloadLength := 0
	for _, c := range b[lengthOffset : lengthOffset+lengthLength] {
		if c < '0' || c > '9' {
			return Header{}, ErrLengthNotNumeric
		}
		payloadLength = payloadLength*10 + int(c-'0')
	}

	id, err := parseID(b[idOffset : idOffset+idLength])
	if err != nil {
		return Header{}, err
	}

	var end bool
	switch b[endOffset] {
	case EndTrue:
		end = true
	case EndFalse:
		end = false
	default:
		return Header{}, ErrInvalidEnd
	}

	return Header{
		Type:          PayloadType(b[typeOffset]),
		PayloadLength: payloadLength,
		ID:            id,
		End:           end,
	}, nil
}

// parseID only accepts the 36-character hyphenated form. uuid.ParseBytes is
// more lenient for other lengths, but the field width is fixed here.
func parseID(raw []byte) (uuid.UUID, error) {
	if raw[8] != '-' || raw[13] != '-' || raw[18] != '-' || raw[23] != '-' {
		return uuid.Nil, ErrInvalidID
	}
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return id, nil
}

// WriteFrame writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different streams interleave mid-unit.
func WriteFrame(w io.Writer, h Header, body []byte) error {
	if h.PayloadLength < MinLength || h.PayloadLength > MaxLength {
		return fmt.Errorf("%w: got %d", ErrLengthOutOfRange, h.PayloadLength)
	}
	if len(body) != h.PayloadLength {
		return fmt.Errorf("protocol: body is %d bytes but header declares %d", len(body), h.PayloadLength)
	}
	buf := make([]byte, HeaderLength+len(body))
	Serialize(h, buf, 0)
	copy(buf[HeaderLength:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r. io.ReadFull guarantees exactly
// HeaderLength and then exactly PayloadLength bytes are consumed.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var headerBuf [HeaderLength]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return Header{}, nil, err
	}

	h, err := Deserialize(headerBuf[:], HeaderLength)
	if err != nil {
		return Header{}, nil, err
	}

	body := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}
