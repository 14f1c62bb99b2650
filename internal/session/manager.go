package session

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/correlator"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// Transport carries encoded downlink frames to edges.
type Transport interface {
	Send(ctx context.Context, routingKey string, frame []byte) error
}

// Handler applies messages received from an edge. The uplink processor
// implements it.
type Handler interface {
	Handle(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) (*protocol.Message, error)
}

// Syncer enqueues everything an edge holds. The downlink dispatcher
// implements it.
type Syncer interface {
	FullSync(ctx context.Context, e *edge.Edge) (int, error)
}

// Metrics receives session counters. Optional.
type Metrics interface {
	RecordDelivery(edgeID uuid.UUID, messages int, acknowledged bool)
	RecordRetry(edgeID uuid.UUID)
	RecordQueueDepth(edgeID uuid.UUID, depth int)
	RecordSessionState(edgeID uuid.UUID, state string)
}

// Logger defines the logging interface used by the Manager.
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

// Deps holds the dependencies of a Manager.
type Deps struct {
	Config    Config
	Registry  *edge.Registry
	Graph     *graph.Graph
	Transport Transport

	// QueueStore persists outbound queues. Nil keeps them in memory only.
	QueueStore outbound.Store

	Recorder *audit.Recorder // optional
	Metrics  Metrics         // optional
}

// session is the per-edge state. Fields below mu are guarded by it.
type session struct {
	queue  *outbound.Queue
	corr   *correlator.Correlator
	inbox  chan *protocol.Message
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	edge        *edge.Edge
	state       State
	connectedAt time.Time
	epoch       uint64 // bumped on every transition into a deliverable state
	held        map[uuid.UUID]struct{}
	inflight    map[uuid.UUID]uint64
}

// Manager owns the sessions of all edges.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Enqueue and Holds never block on network I/O; they may be called
//     while holding entity locks.
type Manager struct {
	cfg        Config
	registry   *edge.Registry
	graph      *graph.Graph
	transport  Transport
	queueStore outbound.Store
	recorder   *audit.Recorder
	metrics    Metrics

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	handler  Handler
	syncer   Syncer
	listener func(Event)
	logger   Logger
	shutdown bool
}

// New creates a manager with no sessions.
//
// Returns:
//   - *Manager: Ready for Open and Connect
//   - error: If a required dependency is missing
func New(deps Deps) (*Manager, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("session: edge registry is required")
	case deps.Graph == nil:
		return nil, errors.New("session: graph is required")
	case deps.Transport == nil:
		return nil, errors.New("session: transport is required")
	}

	return &Manager{
		cfg:        deps.Config.withDefaults(),
		registry:   deps.Registry,
		graph:      deps.Graph,
		transport:  deps.Transport,
		queueStore: deps.QueueStore,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		sessions:   make(map[uuid.UUID]*session),
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// Bind installs the uplink handler and the full-sync provider. Both depend
// on the manager, so they are attached after construction.
func (m *Manager) Bind(handler Handler, syncer Syncer) {
	m.mu.Lock()
	m.handler = handler
	m.syncer = syncer
	m.mu.Unlock()
}

// SetStateListener registers a callback for state transitions. It is
// called synchronously and must not block.
func (m *Manager) SetStateListener(fn func(Event)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

func (m *Manager) log() Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// OpenAll opens a session for every registered edge.
func (m *Manager) OpenAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.registry.List() {
		errs = append(errs, m.Open(ctx, e))
	}
	return errors.Join(errs...)
}

// Open creates the session of an edge in state DISCONNECTED. Persisted
// queue entries are restored and the held mirror is seeded from the graph.
// Opening an existing session only refreshes its edge record.
//
// Parameters:
//   - ctx: Context for restoring the persisted queue
//   - e: The edge record
//
// Returns:
//   - error: ErrShutdown, or a queue restore failure
func (m *Manager) Open(ctx context.Context, e *edge.Edge) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if s, ok := m.sessions[e.ID]; ok {
		m.mu.Unlock()
		s.mu.Lock()
		s.edge = e.Clone()
		s.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	queue := outbound.NewQueue(e.ID, m.queueStore)
	restored, err := queue.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring queue of edge %s: %w", e.ID, err)
	}

	held := make(map[uuid.UUID]struct{})
	for _, id := range m.graph.HeldBy(e.ID) {
		held[id] = struct{}{}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		queue:    queue,
		corr:     correlator.New(),
		inbox:    make(chan *protocol.Message, m.cfg.InboxSize),
		wake:     make(chan struct{}, 1),
		ctx:      sctx,
		cancel:   cancel,
		edge:     e.Clone(),
		state:    StateDisconnected,
		held:     held,
		inflight: make(map[uuid.UUID]uint64),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[e.ID]; ok || m.shutdown {
		m.mu.Unlock()
		cancel()
		if existing != nil {
			return nil
		}
		return ErrShutdown
	}
	m.sessions[e.ID] = s
	m.mu.Unlock()

	s.wg.Add(2)
	go m.runSender(s)
	go m.runInbound(s)

	m.log().Info("edge session opened", "edge_id", e.ID, "name", e.Name, "restored", restored, "held", len(held))
	m.recordDepth(s)
	return nil
}

// UpdateEdge refreshes the edge record of an open session, for example
// after a rename or customer change.
func (m *Manager) UpdateEdge(e *edge.Edge) {
	if s, err := m.get(e.ID); err == nil {
		s.mu.Lock()
		s.edge = e.Clone()
		s.mu.Unlock()
	}
}

// HandleConnect decodes a connect frame and connects the edge.
func (m *Manager) HandleConnect(ctx context.Context, frame []byte) (*edge.Edge, error) {
	req, err := protocol.UnmarshalConnect(frame)
	if err != nil {
		m.log().Warn("dropping malformed connect request", "error", err)
		return nil, err
	}
	return m.Connect(ctx, req)
}

// Connect authenticates an edge and moves its session to CONNECTED. When a
// full sync is requested, or configured for every connect, the session is
// SYNCING while everything the edge holds is enqueued.
//
// Parameters:
//   - ctx: Context for the full sync
//   - req: The edge's connect request
//
// Returns:
//   - *edge.Edge: The authenticated edge
//   - error: edge.ErrAuthFailed, or a session or full sync failure
func (m *Manager) Connect(ctx context.Context, req protocol.ConnectRequest) (*edge.Edge, error) {
	e, err := m.registry.Authenticate(req.RoutingKey, req.Secret)
	if err != nil {
		m.log().Warn("edge connect rejected", "routing_key", req.RoutingKey, "error", err)
		return nil, err
	}

	if err := m.Open(ctx, e); err != nil {
		return nil, err
	}
	s, err := m.get(e.ID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	syncer := m.syncer
	m.mu.RUnlock()

	fullSync := syncer != nil && (req.FullSync || m.cfg.FullSyncOnConnect)
	if !fullSync {
		m.setState(s, StateConnected)
		m.recorder.Record(ctx, audit.ActionSessionConnect, string(entity.TypeEdge), e.ID, audit.SourceEdge, nil)
		return e, nil
	}

	m.setState(s, StateSyncing)
	n, err := syncer.FullSync(ctx, e)
	m.setState(s, StateConnected)
	m.recorder.Record(ctx, audit.ActionSessionConnect, string(entity.TypeEdge), e.ID, audit.SourceEdge, map[string]any{
		"full_sync": n,
	})
	if err != nil {
		return e, fmt.Errorf("full sync of edge %s: %w", e.ID, err)
	}
	return e, nil
}

// Disconnect moves the session to DISCONNECTED. Queued messages are kept
// and delivered after the next connect.
func (m *Manager) Disconnect(ctx context.Context, edgeID uuid.UUID) error {
	s, err := m.get(edgeID)
	if err != nil {
		return err
	}
	if m.setState(s, StateDisconnected) != StateDisconnected {
		m.recorder.Record(ctx, audit.ActionSessionDisconnect, string(entity.TypeEdge), edgeID, audit.SourceEdge, nil)
	}
	return nil
}

// DisconnectRoutingKey disconnects the edge with the given routing key.
func (m *Manager) DisconnectRoutingKey(ctx context.Context, routingKey string) error {
	e, err := m.registry.GetByRoutingKey(routingKey)
	if err != nil {
		return fmt.Errorf("%w: routing key %q", ErrUnknownEdge, routingKey)
	}
	return m.Disconnect(ctx, e.ID)
}

// Close tears a session down. Unacknowledged messages are discarded and
// returned marked FAILED. This is the only operation that drops queued
// messages.
func (m *Manager) Close(ctx context.Context, edgeID uuid.UUID) ([]outbound.Entry, error) {
	m.mu.Lock()
	s, ok := m.sessions[edgeID]
	if ok {
		delete(m.sessions, edgeID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEdge, edgeID)
	}

	m.setState(s, StateDisconnected)
	s.stop()

	discarded, err := s.queue.Close(ctx)
	if len(discarded) > 0 {
		m.log().Warn("edge session closed with undelivered messages", "edge_id", edgeID, "discarded", len(discarded))
	}
	m.recorder.Record(ctx, audit.ActionSessionClose, string(entity.TypeEdge), edgeID, audit.SourceSystem, map[string]any{
		"discarded": len(discarded),
	})
	if m.metrics != nil {
		m.metrics.RecordQueueDepth(edgeID, 0)
	}
	return discarded, err
}

// Deliver accepts a frame received from an edge. Acknowledgements are
// applied at once; other messages go to the edge's inbound worker.
// Malformed frames are logged and dropped.
//
// Parameters:
//   - ctx: Bounds the wait when the inbox is full
//   - edgeID: The sending edge
//   - frame: The encoded message
//
// Returns:
//   - error: ErrUnknownEdge, ErrNotConnected, protocol.ErrMalformed or ctx.Err()
func (m *Manager) Deliver(ctx context.Context, edgeID uuid.UUID, frame []byte) error {
	s, err := m.get(edgeID)
	if err != nil {
		return err
	}
	if !s.currentState().deliverable() {
		return fmt.Errorf("%w: %s", ErrNotConnected, edgeID)
	}

	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		m.log().Warn("dropping malformed frame", "edge_id", edgeID, "error", err)
		return err
	}

	if msg.Kind == protocol.KindResponse {
		m.acknowledge(ctx, s, edgeID, msg)
		return nil
	}

	select {
	case s.inbox <- msg:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: %s", ErrUnknownEdge, edgeID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverRoutingKey is Deliver for transports that address edges by
// routing key.
func (m *Manager) DeliverRoutingKey(ctx context.Context, routingKey string, frame []byte) error {
	e, err := m.registry.GetByRoutingKey(routingKey)
	if err != nil {
		return fmt.Errorf("%w: routing key %q", ErrUnknownEdge, routingKey)
	}
	return m.Deliver(ctx, e.ID, frame)
}

// acknowledge applies a RESPONSE from the edge to the in-flight message it
// answers. Responses to unknown or already acknowledged messages are
// ignored.
func (m *Manager) acknowledge(ctx context.Context, s *session, edgeID uuid.UUID, msg *protocol.Message) {
	s.mu.Lock()
	seq, ok := s.inflight[msg.CorrelationID]
	if ok {
		delete(s.inflight, msg.CorrelationID)
	}
	s.mu.Unlock()
	if !ok {
		m.log().Debug("unmatched response", "edge_id", edgeID, "correlation_id", msg.CorrelationID)
		return
	}

	if err := s.queue.Ack(ctx, seq); err != nil && !errors.Is(err, outbound.ErrUnknownSeq) {
		m.log().Error("failed to acknowledge queue entry", "edge_id", edgeID, "seq", seq, "error", err)
	}
	if !msg.Success {
		m.log().Warn("edge rejected message", "edge_id", edgeID, "seq", seq, "detail", msg.ErrorDetail)
	}
	s.corr.Observe(protocol.KindResponse)
	m.recordDepth(s)
}

// Enqueue appends msg to the edge's outbound queue and updates the held
// mirror: CREATE and UPDATE add the entity, DELETE removes it.
//
// Returns ErrUnknownEdge for an edge without a session.
func (m *Manager) Enqueue(ctx context.Context, edgeID uuid.UUID, msg *protocol.Message) error {
	s, err := m.get(edgeID)
	if err != nil {
		return err
	}

	// The mirror changes together with the push so Holds agrees with the
	// queue order seen by concurrent dispatchers of other entities.
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.queue.Push(ctx, msg); err != nil {
		if errors.Is(err, outbound.ErrClosed) {
			return fmt.Errorf("%w: %s", ErrUnknownEdge, edgeID)
		}
		return fmt.Errorf("queueing for edge %s: %w", edgeID, err)
	}

	switch msg.Kind {
	case protocol.KindCreate, protocol.KindUpdate:
		s.held[msg.EntityID()] = struct{}{}
	case protocol.KindDelete:
		delete(s.held, msg.EntityID())
	}

	if m.metrics != nil {
		m.metrics.RecordQueueDepth(edgeID, s.queue.Len())
	}
	return nil
}

// Holds reports whether the edge has been sent the entity and not told to
// delete it since.
func (m *Manager) Holds(edgeID, entityID uuid.UUID) bool {
	s, err := m.get(edgeID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[entityID]
	return ok
}

// Note records a holding change the edge made itself.
func (m *Manager) Note(edgeID, entityID uuid.UUID, held bool) {
	s, err := m.get(edgeID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if held {
		s.held[entityID] = struct{}{}
	} else {
		delete(s.held, entityID)
	}
}

// Sessions returns a snapshot of every session, sorted by edge name.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), bytes.Compare(a.EdgeID[:], b.EdgeID[:]))
	})
	return out
}

// Session returns the snapshot of one session.
func (m *Manager) Session(edgeID uuid.UUID) (Info, error) {
	s, err := m.get(edgeID)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Shutdown stops every session's goroutines. Queues are left as they are,
// so persisted entries are redelivered after a restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	list := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range list {
			s.stop()
		}
		close(done)
	}()

	select {
	case <-done:
		m.log().Info("session manager stopped", "sessions", len(list))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (m *Manager) get(edgeID uuid.UUID) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shutdown {
		return nil, ErrShutdown
	}
	s, ok := m.sessions[edgeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEdge, edgeID)
	}
	return s, nil
}

// setState moves s to state and returns the previous state.
func (m *Manager) setState(s *session, state State) State {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if state.deliverable() && !prev.deliverable() {
		s.connectedAt = time.Now().UTC()
		s.epoch++
	}
	if state == StateDisconnected {
		s.connectedAt = time.Time{}
	}
	id, name := s.edge.ID, s.edge.Name
	s.mu.Unlock()

	if prev == state {
		return prev
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}

	m.log().Info("edge session state changed", "edge_id", id, "from", prev, "to", state)
	if m.metrics != nil {
		m.metrics.RecordSessionState(id, string(state))
	}

	m.mu.RLock()
	listener := m.listener
	m.mu.RUnlock()
	if listener != nil {
		listener(Event{EdgeID: id, Name: name, State: state, Previous: prev, At: time.Now().UTC()})
	}
	return prev
}

func (m *Manager) recordDepth(s *session) {
	if m.metrics != nil {
		m.metrics.RecordQueueDepth(s.queue.EdgeID(), s.queue.Len())
	}
}

// stop cancels the session goroutines and waits for them.
func (s *session) stop() {
	s.cancel()
	s.corr.Close()
	s.wg.Wait()
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connection reports the current state and connection epoch together.
func (s *session) connection() (State, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.epoch
}

func (s *session) routingKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edge.RoutingKey
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		EdgeID:      s.edge.ID,
		Name:        s.edge.Name,
		RoutingKey:  s.edge.RoutingKey,
		State:       s.state,
		QueueLen:    s.queue.Len(),
		Held:        len(s.held),
		ConnectedAt: s.connectedAt,
	}
}
