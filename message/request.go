package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

const (
	VerbGet    = http.MethodGet
	VerbPost   = http.MethodPost
	VerbPut    = http.MethodPut
	VerbDelete = http.MethodDelete

	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJSON = "application/json; charset=utf-8"
)

var ErrNoBody = errors.New("message: no content stream attached")

// ContentStream is an outbound body. Body is read once, when the stream is
// sent. Length is informational and may be zero when unknown.
type ContentStream struct {
	ID          uuid.UUID
	ContentType string
	Length      int
	Body        io.Reader
}

// NewContentStream wraps an in-memory body.
func NewContentStream(contentType string, body []byte) *ContentStream {
	return &ContentStream{
		ID:          uuid.New(),
		ContentType: contentType,
		Length:      len(body),
		Body:        bytes.NewReader(body),
	}
}

// NewReaderStream wraps a reader whose length may be unknown (pass 0).
func NewReaderStream(contentType string, r io.Reader, length int) *ContentStream {
	return &ContentStream{
		ID:          uuid.New(),
		ContentType: contentType,
		Length:      length,
		Body:        r,
	}
}

func (c *ContentStream) Description() StreamDescription {
	return StreamDescription{ID: c.ID.String(), ContentType: c.ContentType, Length: c.Length}
}

func describe(streams []*ContentStream) []StreamDescription {
	if len(streams) == 0 {
		return nil
	}
	out := make([]StreamDescription, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Description())
	}
	return out
}

func jsonStream(v any) (*ContentStream, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode json body: %w", err)
	}
	return NewContentStream(ContentTypeJSON, data), nil
}

// StreamingRequest is what an application sends.
type StreamingRequest struct {
	Verb    string
	Path    string
	Streams []*ContentStream
}

func NewRequest(verb, path string, streams ...*ContentStream) *StreamingRequest {
	return &StreamingRequest{Verb: verb, Path: path, Streams: streams}
}

func NewGet(path string) *StreamingRequest    { return NewRequest(VerbGet, path) }
func NewDelete(path string) *StreamingRequest { return NewRequest(VerbDelete, path) }

func NewPost(path string, streams ...*ContentStream) *StreamingRequest {
	return NewRequest(VerbPost, path, streams...)
}

func NewPut(path string, streams ...*ContentStream) *StreamingRequest {
	return NewRequest(VerbPut, path, streams...)
}

func (r *StreamingRequest) AddStream(s *ContentStream) {
	r.Streams = append(r.Streams, s)
}

// SetBody replaces all attached streams with a single body.
func (r *StreamingRequest) SetBody(contentType string, body []byte) {
	r.Streams = []*ContentStream{NewContentStream(contentType, body)}
}

func (r *StreamingRequest) SetJSONBody(v any) error {
	s, err := jsonStream(v)
	if err != nil {
		return err
	}
	r.Streams = []*ContentStream{s}
	return nil
}

// Payload builds the request envelope.
func (r *StreamingRequest) Payload() RequestPayload {
	return RequestPayload{Verb: r.Verb, Path: r.Path, Streams: describe(r.Streams)}
}

// StreamingResponse is what a handler answers with.
type StreamingResponse struct {
	StatusCode int
	Streams    []*ContentStream
}

func NewResponse(statusCode int, streams ...*ContentStream) *StreamingResponse {
	return &StreamingResponse{StatusCode: statusCode, Streams: streams}
}

func OK() *StreamingResponse                  { return NewResponse(http.StatusOK) }
func NotFound() *StreamingResponse            { return NewResponse(http.StatusNotFound) }
func Forbidden() *StreamingResponse           { return NewResponse(http.StatusForbidden) }
func InternalServerError() *StreamingResponse { return NewResponse(http.StatusInternalServerError) }
func ServiceUnavailable() *StreamingResponse  { return NewResponse(http.StatusServiceUnavailable) }

// Create returns a response with the given status and a text body when body
// is non-empty.
func Create(statusCode int, body string) *StreamingResponse {
	r := NewResponse(statusCode)
	if body != "" {
		r.SetBody(ContentTypeText, []byte(body))
	}
	return r
}

// CreateJSON returns a response with a JSON encoded body.
func CreateJSON(statusCode int, v any) (*StreamingResponse, error) {
	r := NewResponse(statusCode)
	if err := r.SetJSONBody(v); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StreamingResponse) AddStream(s *ContentStream) {
	r.Streams = append(r.Streams, s)
}

func (r *StreamingResponse) SetBody(contentType string, body []byte) {
	r.Streams = []*ContentStream{NewContentStream(contentType, body)}
}

func (r *StreamingResponse) SetJSONBody(v any) error {
	s, err := jsonStream(v)
	if err != nil {
		return err
	}
	r.Streams = []*ContentStream{s}
	return nil
}

// Payload builds the response envelope.
func (r *StreamingResponse) Payload() ResponsePayload {
	return ResponsePayload{StatusCode: r.StatusCode, Streams: describe(r.Streams)}
}

// ReceiveRequest is a fully reassembled inbound request.
type ReceiveRequest struct {
	ID      uuid.UUID
	Verb    string
	Path    string
	Streams []*Stream
}

func (r *ReceiveRequest) ReadBodyAsString(ctx context.Context) (string, error) {
	return readString(ctx, r.Streams)
}

func (r *ReceiveRequest) ReadBodyAsJSON(ctx context.Context, v any) error {
	return readJSON(ctx, r.Streams, v)
}

// ReceiveResponse is a fully reassembled inbound response.
type ReceiveResponse struct {
	ID         uuid.UUID
	StatusCode int
	Streams    []*Stream
}

// IsSuccess reports a 2xx status.
func (r *ReceiveResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *ReceiveResponse) ReadBodyAsString(ctx context.Context) (string, error) {
	return readString(ctx, r.Streams)
}

func (r *ReceiveResponse) ReadBodyAsJSON(ctx context.Context, v any) error {
	return readJSON(ctx, r.Streams, v)
}

// The body helpers read the first attached stream.
func readString(ctx context.Context, streams []*Stream) (string, error) {
	if len(streams) == 0 {
		return "", ErrNoBody
	}
	data, err := streams[0].Bytes(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readJSON(ctx context.Context, streams []*Stream, v any) error {
	if len(streams) == 0 {
		return ErrNoBody
	}
	data, err := streams[0].Bytes(ctx)
	if err != nil {
		return err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("message: decode json body: %w", err)
	}
	return nil
}
