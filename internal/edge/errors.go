package edge

import "errors"

// Domain errors for the edge package.
var (
	// ErrNotFound is returned when an edge id or routing key does not exist.
	ErrNotFound = errors.New("edge: not found")

	// ErrExists is returned when the routing key is already in use.
	ErrExists = errors.New("edge: routing key already in use")

	// ErrInvalid is returned when edge validation fails.
	ErrInvalid = errors.New("edge: invalid")

	// ErrAuthFailed is returned when a connect request carries an unknown
	// routing key or a wrong secret. The two cases are not distinguished.
	ErrAuthFailed = errors.New("edge: authentication failed")
)
