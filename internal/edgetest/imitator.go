// Package edgetest runs the sync engine against in-process edges.
//
// An EdgeImitator stands in for a remote edge: it decodes downlink frames,
// keeps the entities it was told about, acknowledges every message and
// counts arrivals on a correlator so a test can wait for them. A Harness
// wires the complete engine over a session.MemoryTransport.
package edgetest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/correlator"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
	"github.com/nerrad567/gray-logic-edgesync/internal/session"
)

// DefaultWait bounds the waits of the helpers below.
const DefaultWait = 3 * time.Second

// EdgeImitator is an in-process edge.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Receive runs on the
//     session's sender goroutine.
type EdgeImitator struct {
	Edge   *edge.Edge
	Secret string

	manager *session.Manager
	corr    *correlator.Correlator

	mu        sync.Mutex
	autoAck   bool
	received  []*protocol.Message
	entities  map[uuid.UUID]*protocol.EntityPayload
	responses map[uuid.UUID]*protocol.Message
}

// NewEdgeImitator creates an imitator that acknowledges everything it
// receives. Attach its Receive method to the transport.
func NewEdgeImitator(e *edge.Edge, secret string, m *session.Manager) *EdgeImitator {
	return &EdgeImitator{
		Edge:      e,
		Secret:    secret,
		manager:   m,
		corr:      correlator.New(),
		autoAck:   true,
		entities:  make(map[uuid.UUID]*protocol.EntityPayload),
		responses: make(map[uuid.UUID]*protocol.Message),
	}
}

// SetAutoAck turns acknowledgement of received messages on or off.
func (im *EdgeImitator) SetAutoAck(on bool) {
	im.mu.Lock()
	im.autoAck = on
	im.mu.Unlock()
}

// Connect opens the edge's session.
func (im *EdgeImitator) Connect(ctx context.Context, fullSync bool) error {
	_, err := im.manager.Connect(ctx, protocol.ConnectRequest{
		RoutingKey: im.Edge.RoutingKey,
		Secret:     im.Secret,
		FullSync:   fullSync,
	})
	return err
}

// Disconnect marks the edge offline. Its queue is kept.
func (im *EdgeImitator) Disconnect(ctx context.Context) error {
	return im.manager.Disconnect(ctx, im.Edge.ID)
}

// Send encodes msg and delivers it as uplink traffic.
func (im *EdgeImitator) Send(ctx context.Context, msg *protocol.Message) error {
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return im.manager.Deliver(ctx, im.Edge.ID, frame)
}

// Receive handles one downlink frame.
func (im *EdgeImitator) Receive(frame []byte) {
	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		return
	}

	im.mu.Lock()
	im.received = append(im.received, msg)
	switch msg.Kind {
	case protocol.KindCreate, protocol.KindUpdate:
		im.entities[msg.EntityID()] = msg.Entity
	case protocol.KindDelete:
		delete(im.entities, msg.EntityID())
	case protocol.KindResponse:
		im.responses[msg.CorrelationID] = msg
	}
	ack := im.autoAck && msg.Kind != protocol.KindResponse
	im.mu.Unlock()

	if ack {
		if resp, err := protocol.Marshal(protocol.NewResponse(msg, true, "")); err == nil {
			_ = im.manager.Deliver(context.Background(), im.Edge.ID, resp)
		}
	}
	im.corr.Observe(msg.Kind)
}

// ExpectMessages arms a wait for n non-RESPONSE messages.
func (im *EdgeImitator) ExpectMessages(n int) { im.corr.ExpectMessages(n) }

// ExpectResponses arms a wait for n RESPONSE messages.
func (im *EdgeImitator) ExpectResponses(n int) { im.corr.ExpectResponses(n) }

// AwaitMessages waits up to timeout for the armed messages.
func (im *EdgeImitator) AwaitMessages(timeout time.Duration) bool {
	return im.corr.AwaitMessages(timeout)
}

// AwaitResponses waits up to timeout for the armed responses.
func (im *EdgeImitator) AwaitResponses(timeout time.Duration) bool {
	return im.corr.AwaitResponses(timeout)
}

// Request sends msg and waits for the RESPONSE that answers it and for
// expect further messages.
//
// Returns the RESPONSE, or an error if it did not arrive in time.
func (im *EdgeImitator) Request(ctx context.Context, msg *protocol.Message, expect int) (*protocol.Message, error) {
	im.ExpectResponses(1)
	im.ExpectMessages(expect)
	if err := im.Send(ctx, msg); err != nil {
		return nil, err
	}
	if !im.AwaitResponses(DefaultWait) {
		return nil, fmt.Errorf("no response to %s within %s", msg, DefaultWait)
	}
	if !im.AwaitMessages(DefaultWait) {
		return nil, fmt.Errorf("expected %d messages after %s", expect, msg)
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.responses[msg.ID], nil
}

// Messages returns the non-RESPONSE messages received, oldest first.
func (im *EdgeImitator) Messages() []*protocol.Message {
	im.mu.Lock()
	defer im.mu.Unlock()
	var out []*protocol.Message
	for _, m := range im.received {
		if m.Kind != protocol.KindResponse {
			out = append(out, m)
		}
	}
	return out
}

// Take returns every message received so far, responses included, and
// forgets them.
func (im *EdgeImitator) Take() []*protocol.Message {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := im.received
	im.received = nil
	return out
}

// Entity returns the edge's copy of an entity.
func (im *EdgeImitator) Entity(id uuid.UUID) (*protocol.EntityPayload, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	p, ok := im.entities[id]
	return p, ok
}

// Entities returns the ids of every entity the edge holds.
func (im *EdgeImitator) Entities() []uuid.UUID {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]uuid.UUID, 0, len(im.entities))
	for id := range maps.Keys(im.entities) {
		out = append(out, id)
	}
	return out
}

// Close releases waiters.
func (im *EdgeImitator) Close() {
	im.corr.Close()
}
