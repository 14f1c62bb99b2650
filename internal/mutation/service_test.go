package mutation_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity/entitytest"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

var errNoSession = errors.New("no session")

// mockSessions is both the dispatcher's outbox and the service's session
// manager. It tracks held entities the way the session mirror does.
type mockSessions struct {
	mu      sync.Mutex
	open    map[uuid.UUID]bool
	sent    map[uuid.UUID][]*protocol.Message
	held    map[uuid.UUID]map[uuid.UUID]bool
	updated int
}

func newMockSessions() *mockSessions {
	return &mockSessions{
		open: make(map[uuid.UUID]bool),
		sent: make(map[uuid.UUID][]*protocol.Message),
		held: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (m *mockSessions) Open(_ context.Context, e *edge.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[e.ID] = true
	m.held[e.ID] = make(map[uuid.UUID]bool)
	return nil
}

func (m *mockSessions) Close(_ context.Context, edgeID uuid.UUID) ([]outbound.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open[edgeID] {
		return nil, errNoSession
	}
	delete(m.open, edgeID)
	pending := make([]outbound.Entry, len(m.sent[edgeID]))
	delete(m.sent, edgeID)
	return pending, nil
}

func (m *mockSessions) UpdateEdge(*edge.Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated++
}

func (m *mockSessions) Enqueue(_ context.Context, edgeID uuid.UUID, msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open[edgeID] {
		return errNoSession
	}
	m.sent[edgeID] = append(m.sent[edgeID], msg)
	switch msg.Kind {
	case protocol.KindCreate, protocol.KindUpdate:
		m.held[edgeID][msg.EntityID()] = true
	case protocol.KindDelete:
		delete(m.held[edgeID], msg.EntityID())
	}
	return nil
}

func (m *mockSessions) Holds(edgeID, entityID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[edgeID][entityID]
}

// take returns and clears the messages sent to an edge.
func (m *mockSessions) take(edgeID uuid.UUID) []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent[edgeID]
	m.sent[edgeID] = nil
	return out
}

type fixture struct {
	store    *entity.SQLiteStore
	graph    *graph.Graph
	registry *edge.Registry
	sessions *mockSessions
	svc      *mutation.Service
	edgeA    *edge.Edge
	edgeB    *edge.Edge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, db := entitytest.OpenStore(t)
	f := &fixture{
		store:    store,
		graph:    graph.New([]entity.Type{entity.TypeEntityView}),
		registry: edge.NewRegistry(edge.NewSQLiteRepository(db.DB), entitytest.Tenant),
		sessions: newMockSessions(),
	}

	locks := keymutex.New[uuid.UUID]()
	svc, err := mutation.New(mutation.Deps{
		Store:      store,
		Graph:      f.graph,
		Dispatcher: downlink.New(f.graph, f.sessions, store, locks),
		Locks:      locks,
		Registry:   f.registry,
		Sessions:   f.sessions,
		TenantID:   entitytest.Tenant,
	})
	if err != nil {
		t.Fatalf("mutation.New() error = %v", err)
	}
	f.svc = svc

	f.edgeA = f.registerEdge(t, "Plant A", "plant-a")
	f.edgeB = f.registerEdge(t, "Plant B", "plant-b")
	return f
}

func (f *fixture) registerEdge(t *testing.T, name, key string) *edge.Edge {
	t.Helper()
	e, secret, err := f.svc.RegisterEdge(context.Background(), name, key, "")
	if err != nil {
		t.Fatalf("RegisterEdge(%s) error = %v", key, err)
	}
	if secret == "" {
		t.Fatalf("RegisterEdge(%s) returned no secret", key)
	}
	return e
}

func (f *fixture) create(t *testing.T, in mutation.CreateInput) *entity.Entity {
	t.Helper()
	e, err := f.svc.CreateEntity(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateEntity(%s) error = %v", in.Name, err)
	}
	return e
}

// expect checks the kinds and entity ids of the messages an edge got.
func expect(t *testing.T, got []*protocol.Message, want ...any) {
	t.Helper()
	if len(got) != len(want)/2 {
		t.Fatalf("got %d messages %v, want %d", len(got), got, len(want)/2)
	}
	for i := range got {
		kind, id := want[2*i].(protocol.Kind), want[2*i+1].(uuid.UUID)
		if got[i].Kind != kind || got[i].EntityID() != id {
			t.Errorf("message %d = %s, want %s of %s", i, got[i], kind, id)
		}
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := mutation.New(mutation.Deps{}); err == nil {
		t.Error("New() with no dependencies succeeded")
	}
}

func TestCreateEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump", Subtype: "sensor"})
	if dev.ID == uuid.Nil || dev.TenantID != entitytest.Tenant {
		t.Errorf("created entity = %+v", dev)
	}
	if dev.ID.Version() != 7 {
		t.Errorf("allocated id version = %d, want 7", dev.ID.Version())
	}
	if got := f.sessions.take(f.edgeA.ID); len(got) != 0 {
		t.Errorf("unassigned create sent %v", got)
	}

	customer := f.create(t, mutation.CreateInput{Type: entity.TypeCustomer, Name: "Acme"})

	tests := []struct {
		name string
		in   mutation.CreateInput
		want error
	}{
		{"duplicate name", mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"}, entity.ErrNameTaken},
		{"edge type", mutation.CreateInput{Type: entity.TypeEdge, Name: "E"}, mutation.ErrUnsupportedType},
		{"unknown type", mutation.CreateInput{Type: "ROBOT", Name: "R"}, entity.ErrInvalidType},
		{"empty name", mutation.CreateInput{Type: entity.TypeDevice}, entity.ErrInvalidEntity},
		{"missing owner", mutation.CreateInput{
			Type: entity.TypeEntityView, Name: "V",
			Owner: &entity.Ref{ID: uuid.New(), Type: entity.TypeDevice},
		}, mutation.ErrInvalidReference},
		{"owner type mismatch", mutation.CreateInput{
			Type: entity.TypeEntityView, Name: "V",
			Owner: &entity.Ref{ID: dev.ID, Type: entity.TypeAsset},
		}, mutation.ErrInvalidReference},
		{"customer is not a customer", mutation.CreateInput{
			Type: entity.TypeDevice, Name: "D", CustomerID: dev.ID,
		}, mutation.ErrInvalidReference},
		{"existing id", mutation.CreateInput{ID: customer.ID, Type: entity.TypeDevice, Name: "D2"}, entity.ErrInvalidEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateEntity(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateEntity() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateEntity_OwnerCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.create(t, mutation.CreateInput{Type: entity.TypeEntityView, Name: "V1"})
	v2 := f.create(t, mutation.CreateInput{
		Type:  entity.TypeEntityView,
		Name:  "V2",
		Owner: &entity.Ref{ID: v1.ID, Type: entity.TypeEntityView},
	})

	owner := &entity.Ref{ID: v2.ID, Type: entity.TypeEntityView}
	_, err := f.svc.UpdateEntity(ctx, v1.ID, mutation.Patch{Owner: owner})
	if !errors.Is(err, mutation.ErrInvalidReference) || !errors.Is(err, entity.ErrInvalidOwner) {
		t.Fatalf("UpdateEntity(cycle) error = %v, want invalid owner reference", err)
	}

	got, err := f.store.Get(ctx, v1.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Owner != nil {
		t.Errorf("cyclic owner stored: %+v", got.Owner)
	}
}

func TestAssignUpdateReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"})

	got, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID)
	if err != nil {
		t.Fatalf("AssignToEdge() error = %v", err)
	}
	if got.EdgeID != f.edgeA.ID {
		t.Errorf("EdgeID = %s, want %s", got.EdgeID, f.edgeA.ID)
	}
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindCreate, dev.ID)

	// Assigning to the same edge again changes nothing.
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge(again) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID))

	name := "Main pump"
	updated, err := f.svc.UpdateEntity(ctx, dev.ID, mutation.Patch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	if updated.Name != name || updated.Version <= dev.Version {
		t.Errorf("updated = %+v", updated)
	}
	msgs := f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindUpdate, dev.ID)
	if msgs[0].Entity.Name != name {
		t.Errorf("UPDATE name = %q, want %q", msgs[0].Entity.Name, name)
	}

	// A patch that changes nothing sends nothing.
	if _, err := f.svc.UpdateEntity(ctx, dev.ID, mutation.Patch{Name: &name}); err != nil {
		t.Fatalf("UpdateEntity(no-op) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID))

	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeB.ID); err != nil {
		t.Fatalf("AssignToEdge(B) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindDelete, dev.ID)
	expect(t, f.sessions.take(f.edgeB.ID), protocol.KindCreate, dev.ID)

	if _, err := f.svc.UnassignFromEdge(ctx, dev.ID); err != nil {
		t.Fatalf("UnassignFromEdge() error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeB.ID), protocol.KindDelete, dev.ID)

	if _, err := f.svc.AssignToEdge(ctx, dev.ID, uuid.New()); !errors.Is(err, edge.ErrNotFound) {
		t.Errorf("AssignToEdge(unknown edge) error = %v, want edge.ErrNotFound", err)
	}
	if _, err := f.svc.UpdateEntity(ctx, uuid.New(), mutation.Patch{Name: &name}); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("UpdateEntity(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCascadeToViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"})
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge() error = %v", err)
	}
	f.sessions.take(f.edgeA.ID)

	// A view created over a held device is held too.
	view := f.create(t, mutation.CreateInput{
		Type:  entity.TypeEntityView,
		Name:  "Pump view",
		Owner: &entity.Ref{ID: dev.ID, Type: entity.TypeDevice},
	})
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindCreate, view.ID)

	// Moving the device moves the view after it.
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeB.ID); err != nil {
		t.Fatalf("AssignToEdge(B) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindDelete, dev.ID, protocol.KindDelete, view.ID)
	expect(t, f.sessions.take(f.edgeB.ID), protocol.KindCreate, dev.ID, protocol.KindCreate, view.ID)

	// Detaching the view from its owner removes it from the edge.
	if _, err := f.svc.UpdateEntity(ctx, view.ID, mutation.Patch{ClearOwner: true}); err != nil {
		t.Fatalf("UpdateEntity(clear owner) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeB.ID), protocol.KindDelete, view.ID)

	other := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Valve"})
	if _, err := f.svc.AssignToEdge(ctx, other.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge(valve) error = %v", err)
	}
	f.sessions.take(f.edgeA.ID)

	owner := &entity.Ref{ID: other.ID, Type: entity.TypeDevice}
	if _, err := f.svc.UpdateEntity(ctx, view.ID, mutation.Patch{Owner: owner}); err != nil {
		t.Fatalf("UpdateEntity(owner) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindCreate, view.ID)
	expect(t, f.sessions.take(f.edgeB.ID))
}

func TestCustomerRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := f.create(t, mutation.CreateInput{Type: entity.TypeCustomer, Name: "Acme"})
	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"})
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge() error = %v", err)
	}
	f.sessions.take(f.edgeA.ID)

	if _, err := f.svc.AssignToCustomer(ctx, dev.ID, customer.ID); err != nil {
		t.Fatalf("AssignToCustomer() error = %v", err)
	}
	msgs := f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindUpdate, dev.ID)
	if got := msgs[0].Entity.CustomerID(); got != customer.ID {
		t.Errorf("UPDATE customer = %s, want %s", got, customer.ID)
	}

	if _, err := f.svc.UnassignFromCustomer(ctx, dev.ID); err != nil {
		t.Fatalf("UnassignFromCustomer() error = %v", err)
	}
	msgs = f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindUpdate, dev.ID)

	frame, err := protocol.Marshal(msgs[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	decoded, err := protocol.DecodeMap(frame)
	if err != nil {
		t.Fatalf("DecodeMap() error = %v", err)
	}
	payload, ok := decoded["entity"].(map[string]any)
	if !ok {
		t.Fatalf("entity payload has type %T", decoded["entity"])
	}
	for _, key := range []string{"customerIdMSB", "customerIdLSB"} {
		v, present := payload[key]
		if !present {
			t.Errorf("%s missing from the encoded UPDATE", key)
			continue
		}
		if v != uint64(0) && v != int64(0) {
			t.Errorf("%s = %v, want 0", key, v)
		}
	}

	if _, err := f.svc.AssignToCustomer(ctx, dev.ID, dev.ID); !errors.Is(err, mutation.ErrInvalidReference) {
		t.Errorf("AssignToCustomer(non-customer) error = %v, want ErrInvalidReference", err)
	}
}

func TestDeleteEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"})
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge() error = %v", err)
	}
	view := f.create(t, mutation.CreateInput{
		Type:  entity.TypeEntityView,
		Name:  "Pump view",
		Owner: &entity.Ref{ID: dev.ID, Type: entity.TypeDevice},
	})
	f.sessions.take(f.edgeA.ID)

	if err := f.svc.DeleteEntity(ctx, dev.ID); err != nil {
		t.Fatalf("DeleteEntity() error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID), protocol.KindDelete, dev.ID, protocol.KindDelete, view.ID)
	if _, err := f.store.Get(ctx, dev.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if edges := f.graph.AffectedEdges(view.ID); len(edges) != 0 {
		t.Errorf("view still held by %v", edges)
	}

	unassigned := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Spare"})
	if err := f.svc.DeleteEntity(ctx, unassigned.ID); err != nil {
		t.Fatalf("DeleteEntity(unassigned) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID))
	expect(t, f.sessions.take(f.edgeB.ID))

	if err := f.svc.DeleteEntity(ctx, unassigned.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("DeleteEntity(twice) error = %v, want ErrNotFound", err)
	}
}

func TestEdgeCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.create(t, mutation.CreateInput{Type: entity.TypeCustomer, Name: "Acme"})

	e, err := f.svc.AssignEdgeToCustomer(ctx, f.edgeA.ID, customer.ID)
	if err != nil {
		t.Fatalf("AssignEdgeToCustomer() error = %v", err)
	}
	if e.CustomerID != customer.ID {
		t.Errorf("edge customer = %s, want %s", e.CustomerID, customer.ID)
	}
	msgs := f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindCreate, customer.ID, protocol.KindUpdate, f.edgeA.ID)
	if msgs[1].EntityType != entity.TypeEdge || msgs[1].Entity.CustomerID() != customer.ID {
		t.Errorf("edge UPDATE = %+v", msgs[1])
	}

	// Same customer again is a no-op.
	if _, err := f.svc.AssignEdgeToCustomer(ctx, f.edgeA.ID, customer.ID); err != nil {
		t.Fatalf("AssignEdgeToCustomer(again) error = %v", err)
	}
	expect(t, f.sessions.take(f.edgeA.ID))

	if _, err := f.svc.UnassignEdgeFromCustomer(ctx, f.edgeA.ID); err != nil {
		t.Fatalf("UnassignEdgeFromCustomer() error = %v", err)
	}
	msgs = f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindUpdate, f.edgeA.ID, protocol.KindDelete, customer.ID)
	if msgs[0].Entity.CustomerID() != uuid.Nil {
		t.Errorf("edge UPDATE customer = %s, want nil", msgs[0].Entity.CustomerID())
	}

	if f.sessions.updated != 2 {
		t.Errorf("session edge refreshes = %d, want 2", f.sessions.updated)
	}
	if _, err := f.svc.AssignEdgeToCustomer(ctx, f.edgeA.ID, uuid.Nil); !errors.Is(err, mutation.ErrInvalidReference) {
		t.Errorf("AssignEdgeToCustomer(nil) error = %v, want ErrInvalidReference", err)
	}
}

func TestRenameEdge(t *testing.T) {
	f := newFixture(t)

	e, err := f.svc.RenameEdge(context.Background(), f.edgeA.ID, "Plant A2")
	if err != nil {
		t.Fatalf("RenameEdge() error = %v", err)
	}
	if e.Name != "Plant A2" {
		t.Errorf("name = %q", e.Name)
	}
	msgs := f.sessions.take(f.edgeA.ID)
	expect(t, msgs, protocol.KindUpdate, f.edgeA.ID)
	if msgs[0].Entity.Name != "Plant A2" {
		t.Errorf("UPDATE name = %q", msgs[0].Entity.Name)
	}
}

func TestRemoveEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev := f.create(t, mutation.CreateInput{Type: entity.TypeDevice, Name: "Pump"})
	if _, err := f.svc.AssignToEdge(ctx, dev.ID, f.edgeA.ID); err != nil {
		t.Fatalf("AssignToEdge() error = %v", err)
	}

	discarded, err := f.svc.RemoveEdge(ctx, f.edgeA.ID)
	if err != nil {
		t.Fatalf("RemoveEdge() error = %v", err)
	}
	if discarded != 1 {
		t.Errorf("discarded = %d, want 1", discarded)
	}

	got, err := f.store.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EdgeID != uuid.Nil {
		t.Errorf("entity still assigned to %s", got.EdgeID)
	}
	if slices.Contains(f.graph.AffectedEdges(dev.ID), f.edgeA.ID) {
		t.Error("graph still maps the entity to the removed edge")
	}
	if _, err := f.registry.Get(f.edgeA.ID); !errors.Is(err, edge.ErrNotFound) {
		t.Errorf("registry Get() error = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.RemoveEdge(ctx, f.edgeA.ID); !errors.Is(err, edge.ErrNotFound) {
		t.Errorf("RemoveEdge(twice) error = %v, want ErrNotFound", err)
	}
}
