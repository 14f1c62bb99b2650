package graph

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
)

// Policy decides how an entity type reaches edges.
type Policy int

// Sync policies.
const (
	PolicyDirect Policy = iota
	PolicyInheritOwner
)

// maxOwnerDepth bounds owner chain walks so a corrupt cycle cannot hang a
// lookup.
const maxOwnerDepth = 16

// Graph is safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	policies map[entity.Type]Policy
	direct   map[uuid.UUID]uuid.UUID              // entity -> directly assigned edge
	owner    map[uuid.UUID]uuid.UUID              // entity -> owner
	children map[uuid.UUID]map[uuid.UUID]struct{} // owner -> owned entities
	types    map[uuid.UUID]entity.Type
}

// New creates an empty graph. Types listed in inherit use PolicyInheritOwner;
// all others use PolicyDirect.
func New(inherit []entity.Type) *Graph {
	g := &Graph{
		policies: make(map[entity.Type]Policy, len(inherit)),
		direct:   make(map[uuid.UUID]uuid.UUID),
		owner:    make(map[uuid.UUID]uuid.UUID),
		children: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		types:    make(map[uuid.UUID]entity.Type),
	}
	for _, t := range inherit {
		g.policies[t] = PolicyInheritOwner
	}
	return g
}

// Policy returns the sync policy of an entity type.
func (g *Graph) Policy(t entity.Type) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policies[t]
}

// AffectedEdges returns every edge currently holding the entity, sorted.
// An unknown entity is held by no edge.
func (g *Graph) AffectedEdges(id uuid.UUID) []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := make(map[uuid.UUID]struct{})
	g.collectEdges(id, set, 0)
	return sortedKeys(set)
}

// collectEdges adds the edges holding id to set. Caller holds g.mu.
func (g *Graph) collectEdges(id uuid.UUID, set map[uuid.UUID]struct{}, depth int) {
	if depth > maxOwnerDepth {
		return
	}
	if edgeID, ok := g.direct[id]; ok {
		set[edgeID] = struct{}{}
	}
	if g.policies[g.types[id]] != PolicyInheritOwner {
		return
	}
	if ownerID, ok := g.owner[id]; ok {
		g.collectEdges(ownerID, set, depth+1)
	}
}

// OnMutation updates the index from the stored state of e. For
// ChangeDeleted the entity is removed instead.
func (g *Graph) OnMutation(e *entity.Entity, change entity.ChangeKind) {
	if change == entity.ChangeDeleted {
		g.Remove(e.ID)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.index(e)
}

// index records e. Caller holds g.mu.
func (g *Graph) index(e *entity.Entity) {
	g.types[e.ID] = e.Type

	if e.EdgeID == uuid.Nil {
		delete(g.direct, e.ID)
	} else {
		g.direct[e.ID] = e.EdgeID
	}

	if prev, ok := g.owner[e.ID]; ok {
		if e.Owner == nil || e.Owner.ID != prev {
			g.unlinkChild(prev, e.ID)
		}
	}
	if e.Owner != nil {
		g.owner[e.ID] = e.Owner.ID
		kids, ok := g.children[e.Owner.ID]
		if !ok {
			kids = make(map[uuid.UUID]struct{})
			g.children[e.Owner.ID] = kids
		}
		kids[e.ID] = struct{}{}
	}
}

func (g *Graph) unlinkChild(ownerID, child uuid.UUID) {
	delete(g.owner, child)
	if kids, ok := g.children[ownerID]; ok {
		delete(kids, child)
		if len(kids) == 0 {
			delete(g.children, ownerID)
		}
	}
}

// Remove drops an entity from the index. Entities it owned lose their owner
// link and with it any inherited edges.
func (g *Graph) Remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.direct, id)
	delete(g.types, id)
	if ownerID, ok := g.owner[id]; ok {
		g.unlinkChild(ownerID, id)
	}
	for child := range g.children[id] {
		delete(g.owner, child)
	}
	delete(g.children, id)
}

// Children returns the entities owned by id, sorted.
func (g *Graph) Children(id uuid.UUID) []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.children[id])
}

// InheritingChildren returns the owned entities whose type inherits the
// owner's edges, sorted.
func (g *Graph) InheritingChildren(id uuid.UUID) []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []uuid.UUID
	for child := range g.children[id] {
		if g.policies[g.types[child]] == PolicyInheritOwner {
			out = append(out, child)
		}
	}
	sortIDs(out)
	return out
}

// HeldBy returns every entity the edge holds, directly or inherited, sorted.
func (g *Graph) HeldBy(edgeID uuid.UUID) []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []uuid.UUID
	set := make(map[uuid.UUID]struct{})
	for id := range g.types {
		clear(set)
		g.collectEdges(id, set, 0)
		if _, ok := set[edgeID]; ok {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// Len returns the number of indexed entities.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.types)
}

// Rebuild replaces the index with the contents of the store.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - store: Entity store to page through
//
// Returns:
//   - int: Number of entities indexed
//   - error: If a page could not be read; the previous index is kept
func (g *Graph) Rebuild(ctx context.Context, store entity.Store) (int, error) {
	var all []*entity.Entity
	link := entity.PageLink{PageSize: entity.DefaultPageSize}
	for {
		page, err := store.List(ctx, link)
		if err != nil {
			return 0, fmt.Errorf("listing entities: %w", err)
		}
		all = append(all, page.Data...)
		if !page.HasNext {
			break
		}
		link = link.Next()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.direct = make(map[uuid.UUID]uuid.UUID, len(all))
	g.owner = make(map[uuid.UUID]uuid.UUID)
	g.children = make(map[uuid.UUID]map[uuid.UUID]struct{})
	g.types = make(map[uuid.UUID]entity.Type, len(all))
	for _, e := range all {
		g.index(e)
	}
	return len(all), nil
}

func sortedKeys(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
}
