package session

import "errors"

var (
	// Misuse of the session API by the calling layer.
	ErrInvalidHeaderType = errors.New("session: invalid header type")
	ErrNilArgument       = errors.New("session: nil argument")

	ErrNotConnected     = errors.New("session: not connected")
	ErrRequestTimeout   = errors.New("session: request timed out")
	ErrRequestCancelled = errors.New("session: request cancelled")

	// Protocol violations by the peer.
	ErrDuplicateRequest = errors.New("session: duplicate exchange id")
	ErrDuplicateStream  = errors.New("session: duplicate stream id")
	ErrUnknownStream    = errors.New("session: unknown stream id")
)
