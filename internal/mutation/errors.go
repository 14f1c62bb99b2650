package mutation

import "errors"

var (
	// ErrInvalidReference is returned when an owner or customer does not
	// exist or has the wrong type.
	ErrInvalidReference = errors.New("mutation: invalid reference")

	// ErrUnsupportedType is returned for entity types that cannot be
	// written through the entity operations.
	ErrUnsupportedType = errors.New("mutation: unsupported entity type")

	// ErrDispatchIncomplete is returned, together with the stored result,
	// when a change was written but could not be queued for every edge.
	ErrDispatchIncomplete = errors.New("mutation: change stored but not queued for every edge")
)
