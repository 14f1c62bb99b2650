package protocol

import "errors"

var (
	// ErrMalformed is returned when a frame cannot be decoded or is missing
	// fields its kind requires.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownKind is returned for a kind outside the five defined ones.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)
