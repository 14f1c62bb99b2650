package uplink

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// maxReallocations bounds the rename attempts for one message.
const maxReallocations = 8

// Outbox is the session side of the processor: the per-edge queues and the
// record of what each edge holds.
type Outbox interface {
	downlink.Outbox

	// Note records that the edge holds (or no longer holds) the entity
	// without sending anything. Used when the edge itself made the change.
	Note(edgeID, entityID uuid.UUID, held bool)
}

// Metrics receives uplink counters. Optional.
type Metrics interface {
	RecordUplink(edgeID uuid.UUID, kind string, success bool)
	RecordConflict(edgeID uuid.UUID, entityType string)
}

// Logger defines the logging interface used by the Processor.
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

// Deps holds the dependencies of a Processor.
type Deps struct {
	Store      entity.Store
	Graph      *graph.Graph
	Dispatcher *downlink.Dispatcher
	Outbox     Outbox
	Locks      *keymutex.KeyMutex[uuid.UUID]
	Resolver   *Resolver
	Recorder   *audit.Recorder // optional
	Metrics    Metrics         // optional

	// TenantID is assigned to entities created by edges.
	TenantID uuid.UUID
}

// Processor applies uplink messages.
//
// Thread Safety:
//   - Handle is safe for concurrent use across edges. Messages of one edge
//     must not be handled concurrently with each other.
type Processor struct {
	store      entity.Store
	graph      *graph.Graph
	dispatcher *downlink.Dispatcher
	outbox     Outbox
	locks      *keymutex.KeyMutex[uuid.UUID]
	resolver   *Resolver
	recorder   *audit.Recorder
	metrics    Metrics
	tenantID   uuid.UUID
	logger     Logger
}

// New creates a processor.
//
// Returns:
//   - *Processor: Ready to handle messages
//   - error: If a required dependency is missing
func New(deps Deps) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("uplink: store is required")
	case deps.Graph == nil:
		return nil, errors.New("uplink: graph is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("uplink: dispatcher is required")
	case deps.Outbox == nil:
		return nil, errors.New("uplink: outbox is required")
	case deps.Locks == nil:
		return nil, errors.New("uplink: key mutex is required")
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewResolver(nil)
	}

	return &Processor{
		store:      deps.Store,
		graph:      deps.Graph,
		dispatcher: deps.Dispatcher,
		outbox:     deps.Outbox,
		locks:      deps.Locks,
		resolver:   resolver,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		tenantID:   deps.TenantID,
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for the processor.
func (p *Processor) SetLogger(logger Logger) {
	p.logger = logger
}

// Handle applies one message received from an edge and enqueues its
// RESPONSE on that edge's queue.
//
// Parameters:
//   - ctx: Context for store and queue operations
//   - edgeID: The edge the message arrived from
//   - msg: The decoded message
//
// Returns:
//   - *protocol.Message: The RESPONSE enqueued, nil if none was
//   - error: protocol.ErrMalformed for dropped messages, or a queue failure
func (p *Processor) Handle(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", protocol.ErrMalformed)
	}
	if err := msg.Validate(); err != nil {
		p.logger.Warn("dropping malformed uplink message", "edge_id", edgeID, "error", err)
		return nil, err
	}

	p.logger.Debug("uplink message", "edge_id", edgeID, "message", msg.String())

	switch msg.Kind {
	case protocol.KindCreate:
		return p.handleCreate(ctx, edgeID, msg)
	case protocol.KindUpdate:
		return p.handleUpdate(ctx, edgeID, msg)
	case protocol.KindDelete:
		return p.handleDelete(ctx, edgeID, msg)
	case protocol.KindRequest:
		return p.handleRequest(ctx, edgeID, msg)
	default:
		// Acknowledgements are consumed by the session.
		return nil, nil
	}
}

func (p *Processor) handleCreate(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error) {
	if err := checkSyncable(msg.EntityType); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	id := msg.EntityID()
	unlock := p.locks.Lock(id)
	defer unlock()

	existing, err := p.store.Get(ctx, id)
	switch {
	case err == nil:
		return p.applyUpdate(ctx, edgeID, msg, existing)
	case !errors.Is(err, entity.ErrNotFound):
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("loading entity: %w", err))
	}

	incoming := &entity.Entity{
		ID:             id,
		TenantID:       p.tenantID,
		Type:           msg.EntityType,
		Name:           msg.Entity.Name,
		Subtype:        msg.Entity.Subtype,
		Owner:          msg.Entity.Owner(),
		CustomerID:     msg.Entity.CustomerID(),
		AdditionalInfo: msg.Entity.AdditionalInfo,
	}
	if err := p.checkOwner(ctx, incoming); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	stored, decision, err := p.insert(ctx, incoming)
	if err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}
	if err := p.store.AssignEdge(ctx, stored.ID, edgeID); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("assigning entity to edge: %w", err))
	}
	stored.EdgeID = edgeID
	p.graph.OnMutation(stored, entity.ChangeCreated)

	var followUps []*protocol.Message
	if decision.Outcome == Reallocated {
		p.logger.Info("edge create reallocated",
			"edge_id", edgeID,
			"entity_type", stored.Type,
			"requested_id", id,
			"requested_name", incoming.Name,
			"new_id", stored.ID,
			"new_name", stored.Name,
		)
		p.recorder.Record(ctx, audit.ActionReallocate, string(stored.Type), stored.ID, audit.SourceEdge, map[string]any{
			"edge_id":        edgeID.String(),
			"requested_id":   id.String(),
			"requested_name": incoming.Name,
			"new_name":       stored.Name,
		})
		if p.metrics != nil {
			p.metrics.RecordConflict(edgeID, string(stored.Type))
		}
		followUps = append(followUps, protocol.FromEntity(protocol.KindCreate, stored))
	} else {
		p.outbox.Note(edgeID, stored.ID, true)
	}

	p.dispatchOthers(ctx, downlink.Change{
		Kind:     entity.ChangeCreated,
		Entity:   stored,
		Previous: []uuid.UUID{},
		Origin:   edgeID,
	})

	return p.reply(ctx, edgeID, msg, stored.ID, nil, followUps...)
}

// insert stores incoming, reallocating while its name is held by another
// entity. The returned decision is Reallocated if any attempt was.
func (p *Processor) insert(ctx context.Context, incoming *entity.Entity) (*entity.Entity, Decision, error) {
	candidate := incoming.Clone()
	decision := Decision{Outcome: Accepted, NewID: incoming.ID, NewName: incoming.Name}

	for range maxReallocations {
		holder, err := p.store.GetByName(ctx, candidate.TenantID, candidate.Type, candidate.Name)
		switch {
		case err == nil:
			if d := p.resolver.Resolve(holder, candidate); d.Outcome == Reallocated {
				candidate.ID, candidate.Name = d.NewID, d.NewName
				decision = d
				continue
			}
		case !errors.Is(err, entity.ErrNotFound):
			return nil, decision, fmt.Errorf("checking name: %w", err)
		}

		err = p.store.Upsert(ctx, candidate)
		if errors.Is(err, entity.ErrNameTaken) {
			// Lost a race for the name; look it up again.
			continue
		}
		if err != nil {
			return nil, decision, fmt.Errorf("storing entity: %w", err)
		}
		return candidate, decision, nil
	}

	return nil, decision, fmt.Errorf("%w: %s %q", ErrConflictUnresolved, incoming.Type, incoming.Name)
}

func (p *Processor) handleUpdate(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error) {
	if err := checkSyncable(msg.EntityType); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	id := msg.EntityID()
	unlock := p.locks.Lock(id)
	defer unlock()

	existing, err := p.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("%w: %s %s", ErrUnknownReference, msg.EntityType, id))
	}
	if err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("loading entity: %w", err))
	}
	return p.applyUpdate(ctx, edgeID, msg, existing)
}

// applyUpdate merges the fields msg sets into existing. The caller holds the
// entity's key lock. A message that changes nothing is answered without
// touching the store.
func (p *Processor) applyUpdate(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message, existing *entity.Entity) (*protocol.Message, error) {
	if existing.Type != msg.EntityType {
		return p.reply(ctx, edgeID, msg, uuid.Nil,
			fmt.Errorf("%w: %s %s is a %s", ErrUnknownReference, msg.EntityType, existing.ID, existing.Type))
	}

	updated := existing.Clone()
	if !merge(updated, msg.Entity) {
		if p.holds(edgeID, existing.ID) {
			p.outbox.Note(edgeID, existing.ID, true)
		}
		return p.reply(ctx, edgeID, msg, existing.ID, nil)
	}
	if err := p.checkOwner(ctx, updated); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	requested := updated.Name
	snap := p.dispatcher.Capture(updated.ID)
	if err := p.storeRenaming(ctx, updated); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}
	p.graph.OnMutation(updated, entity.ChangeUpdated)

	var followUps []*protocol.Message
	if updated.Name != requested {
		p.logger.Info("edge rename disambiguated",
			"edge_id", edgeID,
			"entity_id", updated.ID,
			"requested_name", requested,
			"new_name", updated.Name,
		)
		p.recorder.Record(ctx, audit.ActionReallocate, string(updated.Type), updated.ID, audit.SourceEdge, map[string]any{
			"edge_id":        edgeID.String(),
			"requested_name": requested,
			"new_name":       updated.Name,
		})
		if p.metrics != nil {
			p.metrics.RecordConflict(edgeID, string(updated.Type))
		}
		followUps = append(followUps, protocol.FromEntity(protocol.KindUpdate, updated))
	}
	if p.holds(edgeID, updated.ID) {
		p.outbox.Note(edgeID, updated.ID, true)
	}

	p.dispatchOthers(ctx, downlink.Change{
		Kind:     entity.ChangeUpdated,
		Entity:   updated,
		Previous: snap.Previous(updated.ID),
		Origin:   edgeID,
	})
	p.cascade(ctx, snap)

	return p.reply(ctx, edgeID, msg, updated.ID, nil, followUps...)
}

// storeRenaming upserts e, renaming it through the policy while its name is
// held by another entity.
func (p *Processor) storeRenaming(ctx context.Context, e *entity.Entity) error {
	for range maxReallocations {
		holder, err := p.store.GetByName(ctx, e.TenantID, e.Type, e.Name)
		switch {
		case err == nil && holder.ID != e.ID:
			e.Name = p.resolver.Policy.Rename(e.Name)
			continue
		case err != nil && !errors.Is(err, entity.ErrNotFound):
			return fmt.Errorf("checking name: %w", err)
		}

		err = p.store.Upsert(ctx, e)
		if errors.Is(err, entity.ErrNameTaken) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storing entity: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s %q", ErrConflictUnresolved, e.Type, e.Name)
}

func (p *Processor) handleDelete(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error) {
	if err := checkSyncable(msg.EntityType); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	id := msg.EntityID()
	unlock := p.locks.Lock(id)
	defer unlock()

	e, err := p.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		p.outbox.Note(edgeID, id, false)
		return p.reply(ctx, edgeID, msg, id, nil)
	}
	if err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("loading entity: %w", err))
	}

	p.outbox.Note(edgeID, id, false)

	// Only a direct assignment can be detached; inherited holding follows
	// the owner.
	if e.EdgeID != edgeID {
		return p.reply(ctx, edgeID, msg, id, nil)
	}

	snap := p.dispatcher.Capture(id)
	if err := p.store.UnassignEdge(ctx, id); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("detaching entity: %w", err))
	}
	e.EdgeID = uuid.Nil
	p.graph.OnMutation(e, entity.ChangeUnassignedFromEdge)

	p.logger.Info("entity detached by edge", "edge_id", edgeID, "entity_id", id, "entity_type", e.Type)
	p.recorder.Record(ctx, audit.ActionEdgeDetach, string(e.Type), id, audit.SourceEdge, map[string]any{
		"edge_id": edgeID.String(),
	})

	p.dispatchOthers(ctx, downlink.Change{
		Kind:     entity.ChangeUnassignedFromEdge,
		Entity:   e,
		Previous: snap.Previous(id),
		Origin:   edgeID,
	})
	p.cascade(ctx, snap)

	return p.reply(ctx, edgeID, msg, id, nil)
}

func (p *Processor) handleRequest(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error) {
	q := msg.Query
	ownerID := q.EntityID()

	unlock := p.locks.Lock(ownerID)
	defer unlock()

	owner, err := p.store.Get(ctx, ownerID)
	if errors.Is(err, entity.ErrNotFound) || (err == nil && owner.Type != q.EntityType) {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("%w: %s %s", ErrUnknownReference, q.EntityType, ownerID))
	}
	if err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("loading entity: %w", err))
	}

	children, err := p.store.ListByOwner(ctx, ownerID, q.Target)
	if err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, fmt.Errorf("listing %s of %s: %w", q.Target, ownerID, err))
	}

	var errs []error
	sent := 0
	for _, child := range children {
		n, err := p.sendHeld(ctx, edgeID, child.ID)
		sent += n
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return p.reply(ctx, edgeID, msg, uuid.Nil, err)
	}

	p.logger.Debug("request answered", "edge_id", edgeID, "owner_id", ownerID, "target", q.Target, "sent", sent)
	return p.reply(ctx, edgeID, msg, uuid.Nil, nil)
}

// sendHeld enqueues CREATE of id to the edge if the edge holds it.
func (p *Processor) sendHeld(ctx context.Context, edgeID, id uuid.UUID) (int, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	if !p.holds(edgeID, id) {
		return 0, nil
	}
	e, err := p.store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading entity %s: %w", id, err)
	}
	if err := p.outbox.Enqueue(ctx, edgeID, protocol.FromEntity(protocol.KindCreate, e)); err != nil {
		return 0, fmt.Errorf("enqueueing %s: %w", id, err)
	}
	return 1, nil
}

// reply enqueues the RESPONSE to msg followed by followUps. A non-nil
// failure makes the RESPONSE unsuccessful with the failure as detail.
func (p *Processor) reply(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message, resolved uuid.UUID, failure error, followUps ...*protocol.Message) (*protocol.Message, error) {
	detail := ""
	if failure != nil {
		detail = failure.Error()
		p.logger.Warn("uplink message rejected", "edge_id", edgeID, "message", msg.String(), "error", failure)
	}

	resp := protocol.NewResponse(msg, failure == nil, detail)
	if resolved != uuid.Nil && resolved != msg.EntityID() {
		resp = resp.WithEntityID(resolved)
	}
	if p.metrics != nil {
		p.metrics.RecordUplink(edgeID, string(msg.Kind), failure == nil)
	}

	if err := p.outbox.Enqueue(ctx, edgeID, resp); err != nil {
		return resp, fmt.Errorf("enqueueing response: %w", err)
	}

	var errs []error
	for _, m := range followUps {
		if err := p.outbox.Enqueue(ctx, edgeID, m); err != nil {
			errs = append(errs, fmt.Errorf("enqueueing %s: %w", m.Kind, err))
		}
	}
	return resp, errors.Join(errs...)
}

// dispatchOthers fans a change out to edges other than the origin. The
// origin's request already succeeded, so failures are only logged.
func (p *Processor) dispatchOthers(ctx context.Context, ch downlink.Change) {
	if err := p.dispatcher.Dispatch(ctx, ch); err != nil {
		p.logger.Warn("fan-out of edge change incomplete", "origin", ch.Origin, "entity_id", ch.Entity.ID, "error", err)
	}
}

func (p *Processor) cascade(ctx context.Context, snap downlink.Snapshot) {
	if err := p.dispatcher.Cascade(ctx, snap); err != nil {
		p.logger.Warn("cascade of edge change incomplete", "error", err)
	}
}

func (p *Processor) holds(edgeID, id uuid.UUID) bool {
	return slices.Contains(p.graph.AffectedEdges(id), edgeID)
}

func (p *Processor) checkOwner(ctx context.Context, e *entity.Entity) error {
	err := entity.CheckOwner(ctx, p.store, e)
	if errors.Is(err, entity.ErrOwnerNotFound) {
		return fmt.Errorf("%w: %w", ErrUnknownReference, err)
	}
	return err
}

// checkSyncable rejects entity types edges may not write.
func checkSyncable(t entity.Type) error {
	switch t {
	case entity.TypeEdge, entity.TypeCustomer:
		return fmt.Errorf("%w: %s from edge", ErrUnsupported, t)
	}
	return nil
}

// merge copies the fields p sets into e and reports whether e changed.
// Customer assignment is owned by the authority and never taken from an
// edge update.
func merge(e *entity.Entity, p *protocol.EntityPayload) bool {
	changed := false
	if p.Name != "" && p.Name != e.Name {
		e.Name = p.Name
		changed = true
	}
	if p.Subtype != "" && p.Subtype != e.Subtype {
		e.Subtype = p.Subtype
		changed = true
	}
	if owner := p.Owner(); owner != nil && (e.Owner == nil || *e.Owner != *owner) {
		e.Owner = owner
		changed = true
	}
	if p.AdditionalInfo != nil && !reflect.DeepEqual(p.AdditionalInfo, e.AdditionalInfo) {
		e.AdditionalInfo = p.AdditionalInfo
		changed = true
	}
	return changed
}
