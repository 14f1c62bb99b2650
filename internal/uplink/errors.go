package uplink

import "errors"

var (
	// ErrUnknownReference is reported when a message refers to an entity the
	// authority does not have.
	ErrUnknownReference = errors.New("uplink: referenced entity not found")

	// ErrConflictUnresolved is returned when reallocation keeps colliding.
	ErrConflictUnresolved = errors.New("uplink: name conflict not resolved")

	// ErrUnsupported is reported for message kinds an edge may not send.
	ErrUnsupported = errors.New("uplink: unsupported message")
)
