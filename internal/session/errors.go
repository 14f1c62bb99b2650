package session

import "errors"

var (
	// ErrUnknownEdge is returned for an edge without a session.
	ErrUnknownEdge = errors.New("session: unknown edge")

	// ErrNotConnected is returned when a disconnected edge sends traffic.
	ErrNotConnected = errors.New("session: edge not connected")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("session: manager shut down")

	// ErrNoRoute is returned by MemoryTransport for an edge nobody attached.
	ErrNoRoute = errors.New("session: no route to edge")
)
