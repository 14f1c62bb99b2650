package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// maxOwnerDepth bounds the owner chain walked by CheckOwner.
const maxOwnerDepth = 64

// CheckOwner verifies e's owner reference against the store.
//
// The owner must exist with the referenced type, and following the owner
// chain upwards from it must never reach e again. Entities without an owner
// pass unchanged.
//
// Parameters:
//   - ctx: Context for cancellation
//   - store: Store the owner chain is read from
//   - e: Entity about to be written
//
// Returns:
//   - error: ErrOwnerNotFound, ErrInvalidOwner, or a store failure
func CheckOwner(ctx context.Context, store Store, e *Entity) error {
	if e.Owner == nil {
		return nil
	}

	owner, err := store.Get(ctx, e.Owner.ID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrOwnerNotFound, e.Owner.Type, e.Owner.ID)
	}
	if err != nil {
		return fmt.Errorf("loading owner: %w", err)
	}
	if owner.Type != e.Owner.Type {
		return fmt.Errorf("%w: %s is a %s, not a %s", ErrInvalidOwner, owner.ID, owner.Type, e.Owner.Type)
	}

	seen := map[uuid.UUID]bool{e.ID: true}
	for depth := 0; owner != nil; depth++ {
		if seen[owner.ID] {
			return fmt.Errorf("%w: owning %s by %s forms a cycle", ErrInvalidOwner, e.ID, e.Owner.ID)
		}
		if depth == maxOwnerDepth {
			return fmt.Errorf("%w: owner chain deeper than %d", ErrInvalidOwner, maxOwnerDepth)
		}
		seen[owner.ID] = true
		if owner.Owner == nil {
			return nil
		}
		next, err := store.Get(ctx, owner.Owner.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading owner: %w", err)
		}
		owner = next
	}
	return nil
}
