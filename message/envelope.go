// Package message defines what travels inside frames and what the
// application sees on either side of a session.
//
// Envelopes (RequestPayload, ResponsePayload) are the structured bodies of
// Request and Response frames. They describe the content streams that follow
// as separate Stream frames, each with its own correlation id.
package message

import (
	"fmt"

	"github.com/google/uuid"
)

// StreamDescription announces one content stream attached to an exchange.
// Length is the declared byte length; zero means unknown.
type StreamDescription struct {
	ID          string `json:"id"`
	ContentType string `json:"type,omitempty"`
	Length      int    `json:"length,omitempty"`
}

// ParseID returns the stream id, rejecting anything that is not a uuid.
func (d StreamDescription) ParseID() (uuid.UUID, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("message: stream description id %q is not a uuid: %w", d.ID, err)
	}
	return id, nil
}

// RequestPayload is the envelope of a Request frame.
type RequestPayload struct {
	Verb    string              `json:"verb"`
	Path    string              `json:"path"`
	Streams []StreamDescription `json:"streams,omitempty"`
}

// ResponsePayload is the envelope of a Response frame.
type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	Streams    []StreamDescription `json:"streams,omitempty"`
}
