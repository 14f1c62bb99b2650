package edgetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity/entitytest"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
	"github.com/nerrad567/gray-logic-edgesync/internal/session"
	"github.com/nerrad567/gray-logic-edgesync/internal/uplink"
)

// Options tunes a Harness.
type Options struct {
	// Inherit lists the types that follow their owner's edge.
	Inherit []entity.Type

	// Policy renames colliding entities; nil uses the random suffix.
	Policy uplink.NamePolicy

	// Session overrides the fast defaults used by tests.
	Session *session.Config
}

// Harness is the complete engine over an in-memory transport and a
// private in-memory database.
type Harness struct {
	DB         *database.DB
	Store      *entity.SQLiteStore
	Graph      *graph.Graph
	Registry   *edge.Registry
	Transport  *session.MemoryTransport
	Sessions   *session.Manager
	Dispatcher *downlink.Dispatcher
	Processor  *uplink.Processor
	Mutations  *mutation.Service
	Audit      *audit.SQLiteRepository
}

// fastSession keeps acknowledgement waits and backoff short.
var fastSession = session.Config{
	BatchSize:         20,
	AckTimeout:        500 * time.Millisecond,
	RetryInitialDelay: 10 * time.Millisecond,
	RetryMaxDelay:     100 * time.Millisecond,
	InboxSize:         64,
}

// NewHarness wires the engine. Everything is shut down when the test ends.
func NewHarness(t testing.TB, opts Options) *Harness {
	t.Helper()

	store, db := entitytest.OpenStore(t)
	h := &Harness{
		DB:        db,
		Store:     store,
		Graph:     graph.New(opts.Inherit),
		Registry:  edge.NewRegistry(edge.NewSQLiteRepository(db.DB), entitytest.Tenant),
		Transport: session.NewMemoryTransport(),
		Audit:     audit.NewSQLiteRepository(db.DB),
	}
	recorder := audit.NewRecorder(h.Audit)

	cfg := fastSession
	if opts.Session != nil {
		cfg = *opts.Session
	}

	var err error
	h.Sessions, err = session.New(session.Deps{
		Config:     cfg,
		Registry:   h.Registry,
		Graph:      h.Graph,
		Transport:  h.Transport,
		QueueStore: outbound.NewSQLiteStore(db.DB),
		Recorder:   recorder,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	t.Cleanup(func() { h.Sessions.Shutdown(context.Background()) }) //nolint:errcheck // Test cleanup

	locks := keymutex.New[uuid.UUID]()
	h.Dispatcher = downlink.New(h.Graph, h.Sessions, store, locks)

	h.Processor, err = uplink.New(uplink.Deps{
		Store:      store,
		Graph:      h.Graph,
		Dispatcher: h.Dispatcher,
		Outbox:     h.Sessions,
		Locks:      locks,
		Resolver:   uplink.NewResolver(opts.Policy),
		Recorder:   recorder,
		TenantID:   entitytest.Tenant,
	})
	if err != nil {
		t.Fatalf("uplink.New() error = %v", err)
	}
	h.Sessions.Bind(h.Processor, h.Dispatcher)

	h.Mutations, err = mutation.New(mutation.Deps{
		Store:      store,
		Graph:      h.Graph,
		Dispatcher: h.Dispatcher,
		Locks:      locks,
		Registry:   h.Registry,
		Sessions:   h.Sessions,
		Recorder:   recorder,
		TenantID:   entitytest.Tenant,
	})
	if err != nil {
		t.Fatalf("mutation.New() error = %v", err)
	}
	return h
}

// AddEdge registers an edge and attaches an imitator to it. The edge is
// not connected yet.
func (h *Harness) AddEdge(t testing.TB, name, routingKey string) *EdgeImitator {
	t.Helper()
	e, secret, err := h.Mutations.RegisterEdge(context.Background(), name, routingKey, "")
	if err != nil {
		t.Fatalf("RegisterEdge(%s) error = %v", routingKey, err)
	}
	im := NewEdgeImitator(e, secret, h.Sessions)
	h.Transport.Attach(routingKey, im.Receive)
	t.Cleanup(im.Close)
	return im
}

// ConnectEdge registers, attaches and connects an edge.
func (h *Harness) ConnectEdge(t testing.TB, name, routingKey string) *EdgeImitator {
	t.Helper()
	im := h.AddEdge(t, name, routingKey)
	if err := im.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect(%s) error = %v", routingKey, err)
	}
	return im
}

// Drained waits until the edge's queue is empty.
func (h *Harness) Drained(t testing.TB, im *EdgeImitator) {
	t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		info, err := h.Sessions.Session(im.Edge.ID)
		if err == nil && info.QueueLen == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue of edge %s not drained", im.Edge.RoutingKey)
}
