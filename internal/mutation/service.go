package mutation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
)

// Sessions is the part of the session manager the service drives when
// edges are registered, changed or removed.
type Sessions interface {
	Open(ctx context.Context, e *edge.Edge) error
	Close(ctx context.Context, edgeID uuid.UUID) ([]outbound.Entry, error)
	UpdateEdge(e *edge.Edge)
}

// Logger defines the logging interface used by the Service.
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

// Deps holds the dependencies of a Service.
type Deps struct {
	Store      entity.Store
	Graph      *graph.Graph
	Dispatcher *downlink.Dispatcher
	Locks      *keymutex.KeyMutex[uuid.UUID]
	Registry   *edge.Registry
	Sessions   Sessions
	Recorder   *audit.Recorder // optional

	// TenantID is applied to created entities that do not name one.
	TenantID uuid.UUID
}

// CreateInput describes a new entity.
type CreateInput struct {
	// ID is optional; a v7 identifier is allocated when it is uuid.Nil.
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Type           entity.Type    `json:"type"`
	Name           string         `json:"name"`
	Subtype        string         `json:"subtype"`
	Owner          *entity.Ref    `json:"owner"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	AdditionalInfo map[string]any `json:"additional_info"`
}

// Patch lists the fields UpdateEntity changes. Nil fields are left alone.
type Patch struct {
	Name           *string        `json:"name"`
	Subtype        *string        `json:"subtype"`
	Owner          *entity.Ref    `json:"owner"`
	ClearOwner     bool           `json:"clear_owner"`
	AdditionalInfo map[string]any `json:"additional_info"`
}

// Service performs administrative changes.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Changes to one entity are
//     serialised by its key lock; changes to different entities proceed in
//     parallel.
type Service struct {
	store      entity.Store
	graph      *graph.Graph
	dispatcher *downlink.Dispatcher
	locks      *keymutex.KeyMutex[uuid.UUID]
	registry   *edge.Registry
	sessions   Sessions
	recorder   *audit.Recorder
	tenantID   uuid.UUID
	logger     Logger
}

// New creates a service.
//
// Returns:
//   - *Service: Ready for use
//   - error: If a required dependency is missing
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("mutation: store is required")
	case deps.Graph == nil:
		return nil, errors.New("mutation: graph is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("mutation: dispatcher is required")
	case deps.Locks == nil:
		return nil, errors.New("mutation: key mutex is required")
	case deps.Registry == nil:
		return nil, errors.New("mutation: edge registry is required")
	case deps.Sessions == nil:
		return nil, errors.New("mutation: sessions are required")
	}

	return &Service{
		store:      deps.Store,
		graph:      deps.Graph,
		dispatcher: deps.Dispatcher,
		locks:      deps.Locks,
		registry:   deps.Registry,
		sessions:   deps.Sessions,
		recorder:   deps.Recorder,
		tenantID:   deps.TenantID,
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// CreateEntity stores a new entity. A new entity is not assigned to any
// edge, so only edges that inherit it through its owner are told.
//
// Parameters:
//   - ctx: Context for store and queue operations
//   - in: The entity to create
//
// Returns:
//   - *entity.Entity: The stored entity
//   - error: entity.ErrInvalidEntity, entity.ErrNameTaken,
//     ErrInvalidReference, ErrUnsupportedType, or ErrDispatchIncomplete
//     together with the stored entity
func (s *Service) CreateEntity(ctx context.Context, in CreateInput) (*entity.Entity, error) {
	if in.Type == entity.TypeEdge {
		return nil, fmt.Errorf("%w: edges are registered, not created", ErrUnsupportedType)
	}

	e := &entity.Entity{
		ID:             in.ID,
		TenantID:       in.TenantID,
		Type:           in.Type,
		Name:           in.Name,
		Subtype:        in.Subtype,
		Owner:          in.Owner,
		CustomerID:     in.CustomerID,
		AdditionalInfo: maps.Clone(in.AdditionalInfo),
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV7())
	}
	if e.TenantID == uuid.Nil {
		e.TenantID = s.tenantID
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, e); err != nil {
		return nil, err
	}
	if err := s.checkCustomer(ctx, e.CustomerID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(e.ID)
	defer unlock()

	if _, err := s.store.Get(ctx, e.ID); err == nil {
		return nil, fmt.Errorf("%w: id %s already exists", entity.ErrInvalidEntity, e.ID)
	}
	if err := s.store.Upsert(ctx, e); err != nil {
		return nil, err
	}
	stored, err := s.store.Get(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading entity: %w", err)
	}
	s.graph.OnMutation(stored, entity.ChangeCreated)

	s.logger.Info("entity created", "entity_id", stored.ID, "type", stored.Type, "name", stored.Name)
	s.recorder.Record(ctx, audit.ActionCreate, string(stored.Type), stored.ID, audit.SourceAPI, map[string]any{
		"name": stored.Name,
	})

	return stored, s.dispatch(ctx, downlink.Change{Kind: entity.ChangeCreated, Entity: stored}, downlink.Snapshot{})
}

// UpdateEntity applies patch to the entity. Edges holding it get UPDATE;
// an owner change moves the entity and its inheriting descendants between
// edges.
func (s *Service) UpdateEntity(ctx context.Context, id uuid.UUID, patch Patch) (*entity.Entity, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if !apply(updated, patch) {
		return current, nil
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, updated); err != nil {
		return nil, err
	}

	snap := s.dispatcher.Capture(id)
	if err := s.store.Upsert(ctx, updated); err != nil {
		return nil, err
	}
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reloading entity: %w", err)
	}
	s.graph.OnMutation(stored, entity.ChangeUpdated)

	s.recorder.Record(ctx, audit.ActionUpdate, string(stored.Type), id, audit.SourceAPI, nil)

	return stored, s.dispatch(ctx, downlink.Change{
		Kind:     entity.ChangeUpdated,
		Entity:   stored,
		Previous: snap.Previous(id),
	}, snap)
}

// DeleteEntity removes the entity. Every edge that held it, directly or
// through its owner, gets DELETE, followed by DELETE of the descendants
// that inherited from it.
func (s *Service) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	snap := s.dispatcher.Capture(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("entity deleted", "entity_id", id, "type", current.Type, "holders", len(snap.Previous(id)))
	s.recorder.Record(ctx, audit.ActionDelete, string(current.Type), id, audit.SourceAPI, map[string]any{
		"name": current.Name,
	})

	// The dispatcher removes the entity from the graph once the DELETEs
	// are queued.
	return s.dispatch(ctx, downlink.Change{
		Kind:     entity.ChangeDeleted,
		Entity:   current,
		Previous: snap.Previous(id),
	}, snap)
}

// AssignToEdge assigns the entity to edgeID, replacing any previous edge.
// The new edge gets CREATE, the previous one DELETE.
func (s *Service) AssignToEdge(ctx context.Context, id, edgeID uuid.UUID) (*entity.Entity, error) {
	if _, err := s.registry.Get(edgeID); err != nil {
		return nil, fmt.Errorf("edge %s: %w", edgeID, err)
	}
	return s.changeEdge(ctx, id, edgeID)
}

// UnassignFromEdge removes the entity's edge assignment. The edge gets
// DELETE unless it still inherits the entity through its owner.
func (s *Service) UnassignFromEdge(ctx context.Context, id uuid.UUID) (*entity.Entity, error) {
	return s.changeEdge(ctx, id, uuid.Nil)
}

func (s *Service) changeEdge(ctx context.Context, id, edgeID uuid.UUID) (*entity.Entity, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.EdgeID == edgeID {
		return current, nil
	}

	kind, action := entity.ChangeAssignedToEdge, audit.ActionAssign
	snap := s.dispatcher.Capture(id)
	if edgeID == uuid.Nil {
		kind, action = entity.ChangeUnassignedFromEdge, audit.ActionUnassign
		err = s.store.UnassignEdge(ctx, id)
	} else {
		err = s.store.AssignEdge(ctx, id, edgeID)
	}
	if err != nil {
		return nil, err
	}

	previousEdge := current.EdgeID
	updated := current.Clone()
	updated.EdgeID = edgeID
	s.graph.OnMutation(updated, kind)

	s.logger.Info("entity edge assignment changed", "entity_id", id, "from", previousEdge, "to", edgeID)
	s.recorder.Record(ctx, action, string(updated.Type), id, audit.SourceAPI, map[string]any{
		"edge_id":       edgeID.String(),
		"previous_edge": previousEdge.String(),
	})

	return updated, s.dispatch(ctx, downlink.Change{
		Kind:     kind,
		Entity:   updated,
		Previous: snap.Previous(id),
	}, snap)
}

// AssignToCustomer assigns the entity to the customer. Edges holding the
// entity get UPDATE carrying the customer id.
func (s *Service) AssignToCustomer(ctx context.Context, id, customerID uuid.UUID) (*entity.Entity, error) {
	if customerID == uuid.Nil {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidReference)
	}
	if err := s.checkCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.changeCustomer(ctx, id, customerID)
}

// UnassignFromCustomer clears the entity's customer. Edges holding the
// entity get UPDATE carrying the all-zero customer id.
func (s *Service) UnassignFromCustomer(ctx context.Context, id uuid.UUID) (*entity.Entity, error) {
	return s.changeCustomer(ctx, id, uuid.Nil)
}

func (s *Service) changeCustomer(ctx context.Context, id, customerID uuid.UUID) (*entity.Entity, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CustomerID == customerID {
		return current, nil
	}
	if current.Type == entity.TypeCustomer && customerID != uuid.Nil {
		return nil, fmt.Errorf("%w: a customer cannot be assigned to a customer", ErrUnsupportedType)
	}

	kind, action := entity.ChangeAssignedToCustomer, audit.ActionAssign
	if customerID == uuid.Nil {
		kind, action = entity.ChangeUnassignedFromCustomer, audit.ActionUnassign
	}

	previous := current.CustomerID
	updated := current.Clone()
	updated.CustomerID = customerID
	if err := s.store.Upsert(ctx, updated); err != nil {
		return nil, err
	}
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reloading entity: %w", err)
	}
	s.graph.OnMutation(stored, kind)

	s.recorder.Record(ctx, action, string(stored.Type), id, audit.SourceAPI, map[string]any{
		"customer_id":          customerID.String(),
		"previous_customer_id": previous.String(),
	})

	return stored, s.dispatch(ctx, downlink.Change{
		Kind:     kind,
		Entity:   stored,
		Previous: s.graph.AffectedEdges(id),
	}, downlink.Snapshot{})
}

// AssignEdgeToCustomer assigns the edge to the customer. The edge gets
// CREATE of the customer followed by UPDATE of its own record.
func (s *Service) AssignEdgeToCustomer(ctx context.Context, edgeID, customerID uuid.UUID) (*edge.Edge, error) {
	if customerID == uuid.Nil {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidReference)
	}
	if err := s.checkCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.changeEdgeCustomer(ctx, edgeID, customerID)
}

// UnassignEdgeFromCustomer clears the edge's customer. The edge gets UPDATE
// of its record with the all-zero customer id and DELETE of the customer.
func (s *Service) UnassignEdgeFromCustomer(ctx context.Context, edgeID uuid.UUID) (*edge.Edge, error) {
	return s.changeEdgeCustomer(ctx, edgeID, uuid.Nil)
}

func (s *Service) changeEdgeCustomer(ctx context.Context, edgeID, customerID uuid.UUID) (*edge.Edge, error) {
	unlock := s.locks.Lock(edgeID)
	defer unlock()

	e, previous, err := s.registry.SetCustomer(ctx, edgeID, customerID)
	if err != nil {
		return nil, err
	}
	if previous == customerID {
		return e, nil
	}
	s.sessions.UpdateEdge(e)

	action := audit.ActionAssign
	if customerID == uuid.Nil {
		action = audit.ActionUnassign
	}
	s.logger.Info("edge customer changed", "edge_id", edgeID, "from", previous, "to", customerID)
	s.recorder.Record(ctx, action, string(entity.TypeEdge), edgeID, audit.SourceAPI, map[string]any{
		"customer_id":          customerID.String(),
		"previous_customer_id": previous.String(),
	})

	if err := s.dispatcher.DispatchEdgeCustomer(ctx, e, previous); err != nil {
		s.logger.Warn("edge customer change not fully queued", "edge_id", edgeID, "error", err)
		return e, fmt.Errorf("%w: %w", ErrDispatchIncomplete, err)
	}
	return e, nil
}

// RegisterEdge creates an edge and opens its session.
//
// Returns:
//   - *edge.Edge: The stored edge
//   - string: The plaintext secret; it cannot be recovered later
//   - error: edge.ErrInvalid, edge.ErrExists or a store failure
func (s *Service) RegisterEdge(ctx context.Context, name, routingKey, secret string) (*edge.Edge, string, error) {
	e, plain, err := s.registry.Create(ctx, name, routingKey, secret)
	if err != nil {
		return nil, "", err
	}
	if err := s.sessions.Open(ctx, e); err != nil {
		return e, plain, fmt.Errorf("opening session of edge %s: %w", e.ID, err)
	}
	s.recorder.Record(ctx, audit.ActionCreate, string(entity.TypeEdge), e.ID, audit.SourceAPI, map[string]any{
		"routing_key": routingKey,
	})
	return e, plain, nil
}

// RenameEdge changes the edge's display name. A connected edge learns the
// new name through UPDATE of its record.
func (s *Service) RenameEdge(ctx context.Context, edgeID uuid.UUID, name string) (*edge.Edge, error) {
	unlock := s.locks.Lock(edgeID)
	defer unlock()

	e, err := s.registry.Rename(ctx, edgeID, name)
	if err != nil {
		return nil, err
	}
	s.sessions.UpdateEdge(e)
	s.recorder.Record(ctx, audit.ActionUpdate, string(entity.TypeEdge), edgeID, audit.SourceAPI, map[string]any{
		"name": name,
	})

	// Same customer on both sides: only the EDGE record is sent.
	if err := s.dispatcher.DispatchEdgeRecord(ctx, e); err != nil {
		return e, fmt.Errorf("%w: %w", ErrDispatchIncomplete, err)
	}
	return e, nil
}

// RemoveEdge closes the edge's session, discarding undelivered messages,
// detaches every entity assigned to it and deletes the edge record.
//
// Returns the number of queued messages that were discarded.
func (s *Service) RemoveEdge(ctx context.Context, edgeID uuid.UUID) (int, error) {
	if _, err := s.registry.Get(edgeID); err != nil {
		return 0, err
	}

	discarded, err := s.sessions.Close(ctx, edgeID)
	if err != nil {
		s.logger.Warn("closing session of removed edge", "edge_id", edgeID, "error", err)
	}

	// Only the removed edge held these entities, so nothing is dispatched.
	for {
		page, err := s.store.ListAssignedToEdge(ctx, edgeID, entity.PageLink{PageSize: entity.DefaultPageSize})
		if err != nil {
			return len(discarded), fmt.Errorf("listing entities of edge %s: %w", edgeID, err)
		}
		for _, e := range page.Data {
			if err := s.detach(ctx, e.ID); err != nil {
				return len(discarded), err
			}
		}
		if !page.HasNext {
			break
		}
	}

	if err := s.registry.Delete(ctx, edgeID); err != nil {
		return len(discarded), err
	}
	s.recorder.Record(ctx, audit.ActionDelete, string(entity.TypeEdge), edgeID, audit.SourceAPI, map[string]any{
		"discarded": len(discarded),
	})
	return len(discarded), nil
}

func (s *Service) detach(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.UnassignEdge(ctx, id); err != nil {
		return fmt.Errorf("detaching %s: %w", id, err)
	}
	e.EdgeID = uuid.Nil
	s.graph.OnMutation(e, entity.ChangeUnassignedFromEdge)
	return nil
}

// dispatch queues a change and cascades it to the descendants in snap.
// The caller holds the entity's key lock.
func (s *Service) dispatch(ctx context.Context, ch downlink.Change, snap downlink.Snapshot) error {
	err := errors.Join(
		s.dispatcher.Dispatch(ctx, ch),
		s.dispatcher.Cascade(ctx, snap),
	)
	if err != nil {
		s.logger.Warn("change not fully queued", "entity_id", ch.Entity.ID, "kind", ch.Kind, "error", err)
		return fmt.Errorf("%w: %w", ErrDispatchIncomplete, err)
	}
	return nil
}

func (s *Service) checkOwner(ctx context.Context, e *entity.Entity) error {
	err := entity.CheckOwner(ctx, s.store, e)
	if errors.Is(err, entity.ErrOwnerNotFound) || errors.Is(err, entity.ErrInvalidOwner) {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	return err
}

func (s *Service) checkCustomer(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	c, err := s.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return fmt.Errorf("%w: customer %s not found", ErrInvalidReference, id)
	}
	if err != nil {
		return fmt.Errorf("loading customer: %w", err)
	}
	if c.Type != entity.TypeCustomer {
		return fmt.Errorf("%w: %s is a %s, not a customer", ErrInvalidReference, id, c.Type)
	}
	return nil
}

// apply copies the patch into e and reports whether e changed.
func apply(e *entity.Entity, p Patch) bool {
	changed := false
	if p.Name != nil && *p.Name != e.Name {
		e.Name = *p.Name
		changed = true
	}
	if p.Subtype != nil && *p.Subtype != e.Subtype {
		e.Subtype = *p.Subtype
		changed = true
	}
	switch {
	case p.ClearOwner && e.Owner != nil:
		e.Owner = nil
		changed = true
	case p.Owner != nil && (e.Owner == nil || *e.Owner != *p.Owner):
		owner := *p.Owner
		e.Owner = &owner
		changed = true
	}
	if p.AdditionalInfo != nil && !reflect.DeepEqual(p.AdditionalInfo, e.AdditionalInfo) {
		e.AdditionalInfo = maps.Clone(p.AdditionalInfo)
		changed = true
	}
	return changed
}
