package entity

import "errors"

// Domain errors for the entity package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, entity.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an entity ID or name does not exist.
	ErrNotFound = errors.New("entity: not found")

	// ErrNameTaken is returned when another entity of the same tenant and
	// type already uses the name.
	ErrNameTaken = errors.New("entity: name already taken")

	// ErrInvalidEntity is returned when entity validation fails.
	ErrInvalidEntity = errors.New("entity: invalid")

	// ErrInvalidType is returned when a type tag is not recognised.
	ErrInvalidType = errors.New("entity: invalid type")

	// ErrOwnerNotFound is returned when an owner reference names an entity
	// that does not exist.
	ErrOwnerNotFound = errors.New("entity: owner not found")

	// ErrInvalidOwner is returned when an owner reference has the wrong
	// type or would make the owner chain cyclic.
	ErrInvalidOwner = errors.New("entity: invalid owner")
)
