package downlink

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// Outbox accepts messages for delivery to an edge. The session manager
// implements it.
type Outbox interface {
	// Enqueue appends msg to the edge's outbound queue. It fails for an
	// edge without a session.
	Enqueue(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) error

	// Holds reports whether the edge has been told about the entity and
	// not told to delete it since.
	Holds(edgeID, entityID uuid.UUID) bool
}

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Change is one authority-side mutation, described after it has been
// written to the store and the graph.
type Change struct {
	Kind entity.ChangeKind

	// Entity is the stored state after the change. For ChangeDeleted it is
	// the last state before deletion.
	Entity *entity.Entity

	// Previous is graph.AffectedEdges of the entity captured before the
	// change was written.
	Previous []uuid.UUID

	// Origin is the edge the change came from, or uuid.Nil for changes made
	// on the authority. The origin already has the change and is skipped.
	Origin uuid.UUID
}

// Dispatcher fans changes out to edge queues.
type Dispatcher struct {
	graph  *graph.Graph
	outbox Outbox
	store  entity.Store
	locks  *keymutex.KeyMutex[uuid.UUID]
	logger Logger
}

// New creates a dispatcher. locks must be the same key mutex the writers
// hold while dispatching; FullSync takes it per entity.
func New(g *graph.Graph, outbox Outbox, store entity.Store, locks *keymutex.KeyMutex[uuid.UUID]) *Dispatcher {
	return &Dispatcher{
		graph:  g,
		outbox: outbox,
		store:  store,
		locks:  locks,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Dispatch enqueues the messages a change implies.
//
// For assignment changes (ChangeAssignedToEdge, ChangeUnassignedFromEdge)
// only edges whose holding changed are told. For every other kind, all
// edges that still hold the entity get CREATE or UPDATE.
//
// Parameters:
//   - ctx: Context for the queue writes
//   - ch: The change; the caller holds the entity's key lock
//
// Returns:
//   - error: Every failed enqueue, joined; successful ones stay queued
func (d *Dispatcher) Dispatch(ctx context.Context, ch Change) error {
	e := ch.Entity
	if e == nil {
		return errors.New("downlink: change without entity")
	}

	if ch.Kind == entity.ChangeDeleted {
		return d.dispatchDelete(ctx, e, ch.Previous)
	}

	current := d.graph.AffectedEdges(e.ID)
	membershipOnly := ch.Kind == entity.ChangeAssignedToEdge || ch.Kind == entity.ChangeUnassignedFromEdge

	var errs []error
	for _, edgeID := range ch.Previous {
		if edgeID == ch.Origin || slices.Contains(current, edgeID) {
			continue
		}
		errs = append(errs, d.enqueue(ctx, edgeID, protocol.NewDelete(e.ID, e.Type)))
	}

	for _, edgeID := range current {
		if edgeID == ch.Origin {
			continue
		}
		if membershipOnly && slices.Contains(ch.Previous, edgeID) {
			continue
		}
		errs = append(errs, d.enqueue(ctx, edgeID, d.upsertMessage(edgeID, e)))
	}

	return errors.Join(errs...)
}

// dispatchDelete tells every holder and then drops the entity from the graph.
func (d *Dispatcher) dispatchDelete(ctx context.Context, e *entity.Entity, holders []uuid.UUID) error {
	if holders == nil {
		holders = d.graph.AffectedEdges(e.ID)
	}

	var errs []error
	for _, edgeID := range holders {
		errs = append(errs, d.enqueue(ctx, edgeID, protocol.NewDelete(e.ID, e.Type)))
	}

	d.graph.Remove(e.ID)
	return errors.Join(errs...)
}

// Snapshot is the holder set of an entity and of every entity inheriting
// from it, captured before a change.
type Snapshot struct {
	order   []uuid.UUID
	holders map[uuid.UUID][]uuid.UUID
}

// Descendants returns the inheriting descendants in breadth-first order.
func (s Snapshot) Descendants() []uuid.UUID {
	return s.order
}

// Previous returns the holders captured for id.
func (s Snapshot) Previous(id uuid.UUID) []uuid.UUID {
	return s.holders[id]
}

// Capture records AffectedEdges for id and its inheriting descendants. Call
// it under id's key lock, before writing the change.
func (d *Dispatcher) Capture(id uuid.UUID) Snapshot {
	snap := Snapshot{
		holders: map[uuid.UUID][]uuid.UUID{id: d.graph.AffectedEdges(id)},
	}
	queue := d.graph.InheritingChildren(id)
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		if _, ok := snap.holders[child]; ok {
			continue
		}
		snap.holders[child] = d.graph.AffectedEdges(child)
		snap.order = append(snap.order, child)
		queue = append(queue, d.graph.InheritingChildren(child)...)
	}
	return snap
}

// Cascade tells edges about the descendants in snap whose holders changed
// because their owner's did. It runs after the owner's own Dispatch, so the
// owner's message always precedes its children's.
//
// Each descendant is handled under its own key lock.
func (d *Dispatcher) Cascade(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, id := range snap.order {
		errs = append(errs, d.cascadeOne(ctx, id, snap.holders[id]))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) cascadeOne(ctx context.Context, id uuid.UUID, previous []uuid.UUID) error {
	unlock := d.locks.Lock(id)
	defer unlock()

	if slices.Equal(previous, d.graph.AffectedEdges(id)) {
		return nil
	}

	e, err := d.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading entity %s: %w", id, err)
	}

	// Membership kind: edges that kept the entity hear nothing.
	return d.Dispatch(ctx, Change{Kind: entity.ChangeAssignedToEdge, Entity: e, Previous: previous})
}

// DispatchEdgeCustomer tells an edge that its own customer changed.
//
// Assigning sends CREATE of the customer entity followed by UPDATE of the
// EDGE record carrying the customer. Unassigning sends the EDGE UPDATE with
// the "no customer" id followed by DELETE of the previous customer.
//
// Parameters:
//   - ctx: Context for store reads and queue writes
//   - e: The edge after the change
//   - previous: The customer the edge was assigned to before, or uuid.Nil
//
// Returns:
//   - error: If the customer entity cannot be read or an enqueue fails
func (d *Dispatcher) DispatchEdgeCustomer(ctx context.Context, e *edge.Edge, previous uuid.UUID) error {
	if e.CustomerID == previous {
		return nil
	}

	var errs []error
	if e.CustomerID != uuid.Nil {
		customer, err := d.store.Get(ctx, e.CustomerID)
		if err != nil {
			return fmt.Errorf("loading customer %s: %w", e.CustomerID, err)
		}
		errs = append(errs, d.enqueue(ctx, e.ID, d.upsertMessage(e.ID, customer)))
	}

	errs = append(errs, d.enqueue(ctx, e.ID, protocol.FromEntity(protocol.KindUpdate, EdgeEntity(e))))

	if previous != uuid.Nil {
		errs = append(errs, d.enqueue(ctx, e.ID, protocol.NewDelete(previous, entity.TypeCustomer)))
	}
	return errors.Join(errs...)
}

// DispatchEdgeRecord enqueues UPDATE of the edge's own record, for example
// after a rename.
func (d *Dispatcher) DispatchEdgeRecord(ctx context.Context, e *edge.Edge) error {
	return d.enqueue(ctx, e.ID, protocol.FromEntity(protocol.KindUpdate, EdgeEntity(e)))
}

// FullSync enqueues CREATE for everything the edge holds: its customer, the
// entities assigned to it and the children that inherit from them.
//
// Each entity is re-read under its key lock, so a concurrent mutation is
// either fully before or fully after the sync message.
//
// Returns the number of messages enqueued.
func (d *Dispatcher) FullSync(ctx context.Context, e *edge.Edge) (int, error) {
	sent := 0

	if e.CustomerID != uuid.Nil {
		customer, err := d.store.Get(ctx, e.CustomerID)
		switch {
		case err == nil:
			if err := d.enqueue(ctx, e.ID, protocol.FromEntity(protocol.KindCreate, customer)); err != nil {
				return sent, err
			}
			sent++
		case errors.Is(err, entity.ErrNotFound):
			d.logger.Warn("edge customer missing during full sync", "edge_id", e.ID, "customer_id", e.CustomerID)
		default:
			return sent, fmt.Errorf("loading customer %s: %w", e.CustomerID, err)
		}
	}

	seen := make(map[uuid.UUID]struct{})
	link := entity.PageLink{PageSize: entity.DefaultPageSize}
	for {
		page, err := d.store.ListAssignedToEdge(ctx, e.ID, link)
		if err != nil {
			return sent, fmt.Errorf("listing entities of edge %s: %w", e.ID, err)
		}
		for _, assigned := range page.Data {
			n, err := d.syncTree(ctx, e.ID, assigned.ID, seen)
			sent += n
			if err != nil {
				return sent, err
			}
		}
		if !page.HasNext {
			break
		}
		link = link.Next()
	}

	d.logger.Info("full sync enqueued", "edge_id", e.ID, "messages", sent)
	return sent, nil
}

// syncTree sends id and its inheriting descendants to the edge.
func (d *Dispatcher) syncTree(ctx context.Context, edgeID, id uuid.UUID, seen map[uuid.UUID]struct{}) (int, error) {
	if _, ok := seen[id]; ok {
		return 0, nil
	}
	seen[id] = struct{}{}

	sent, err := d.syncOne(ctx, edgeID, id)
	if err != nil {
		return sent, err
	}

	for _, child := range d.graph.InheritingChildren(id) {
		n, err := d.syncTree(ctx, edgeID, child, seen)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (d *Dispatcher) syncOne(ctx context.Context, edgeID, id uuid.UUID) (int, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	if !slices.Contains(d.graph.AffectedEdges(id), edgeID) {
		return 0, nil
	}

	e, err := d.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading entity %s: %w", id, err)
	}

	if err := d.enqueue(ctx, edgeID, protocol.FromEntity(protocol.KindCreate, e)); err != nil {
		return 0, err
	}
	return 1, nil
}

func (d *Dispatcher) upsertMessage(edgeID uuid.UUID, e *entity.Entity) *protocol.Message {
	if d.outbox.Holds(edgeID, e.ID) {
		return protocol.FromEntity(protocol.KindUpdate, e)
	}
	return protocol.FromEntity(protocol.KindCreate, e)
}

func (d *Dispatcher) enqueue(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) error {
	if err := d.outbox.Enqueue(ctx, edgeID, msg); err != nil {
		d.logger.Warn("enqueue failed", "edge_id", edgeID, "message", msg.String(), "error", err)
		return fmt.Errorf("enqueueing %s to edge %s: %w", msg.Kind, edgeID, err)
	}
	d.logger.Debug("enqueued", "edge_id", edgeID, "message", msg.String())
	return nil
}

// EdgeEntity renders an edge record as an EDGE entity for the wire.
func EdgeEntity(e *edge.Edge) *entity.Entity {
	return &entity.Entity{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Type:       entity.TypeEdge,
		Name:       e.Name,
		CustomerID: e.CustomerID,
		Version:    e.UpdatedAt.UnixMilli(),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}
