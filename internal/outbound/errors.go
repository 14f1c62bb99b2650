package outbound

import "errors"

var (
	// ErrClosed is returned when pushing to a queue that has been closed.
	ErrClosed = errors.New("outbound: queue closed")

	// ErrUnknownSeq is returned when acknowledging or marking an entry that
	// is not in the queue.
	ErrUnknownSeq = errors.New("outbound: unknown sequence")
)
