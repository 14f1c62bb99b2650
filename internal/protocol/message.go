package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
)

// Kind is the message kind.
type Kind string

// Message kinds.
const (
	KindCreate   Kind = "CREATE"
	KindUpdate   Kind = "UPDATE"
	KindDelete   Kind = "DELETE"
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindRequest, KindResponse:
		return true
	}
	return false
}

// Message is one sync frame. A built message is never modified; callers
// that need a variant copy it.
type Message struct {
	// ID identifies this message. RESPONSE messages carry the ID of the
	// message they answer in CorrelationID.
	ID   uuid.UUID `cbor:"id"`
	Kind Kind      `cbor:"kind"`

	EntityIDMSB int64       `cbor:"idMSB"`
	EntityIDLSB int64       `cbor:"idLSB"`
	EntityType  entity.Type `cbor:"entityType,omitempty"`

	// Entity is set on CREATE and UPDATE.
	Entity *EntityPayload `cbor:"entity,omitempty"`

	// Query is set on REQUEST.
	Query *Query `cbor:"query,omitempty"`

	// Response fields.
	Success       bool      `cbor:"success,omitempty"`
	ErrorDetail   string    `cbor:"errorDetail,omitempty"`
	CorrelationID uuid.UUID `cbor:"correlationId,omitempty"`

	// Seq is the per-edge queue sequence, assigned when the message is
	// enqueued for delivery.
	Seq uint64 `cbor:"seq,omitempty"`
}

// EntityPayload carries the entity fields on CREATE and UPDATE.
type EntityPayload struct {
	Name    string `cbor:"name"`
	Subtype string `cbor:"subtype,omitempty"`

	OwnerIDMSB int64       `cbor:"ownerIdMSB,omitempty"`
	OwnerIDLSB int64       `cbor:"ownerIdLSB,omitempty"`
	OwnerType  entity.Type `cbor:"ownerType,omitempty"`

	// The customer halves are always encoded; zero/zero means no customer.
	CustomerIDMSB int64 `cbor:"customerIdMSB"`
	CustomerIDLSB int64 `cbor:"customerIdLSB"`

	AdditionalInfo map[string]any `cbor:"additionalInfo,omitempty"`
	Version        int64          `cbor:"version,omitempty"`
}

// Query asks for entities related to another entity, for example the views
// owned by a device.
type Query struct {
	EntityIDMSB int64       `cbor:"entityIdMSB"`
	EntityIDLSB int64       `cbor:"entityIdLSB"`
	EntityType  entity.Type `cbor:"entityType"`
	Target      entity.Type `cbor:"target"`
}

// ConnectRequest is published by an edge to open its session.
type ConnectRequest struct {
	RoutingKey string `cbor:"routingKey"`
	Secret     string `cbor:"secret"`
	FullSync   bool   `cbor:"fullSync,omitempty"`
}

// IDToParts splits an identifier into its most and least significant halves.
func IDToParts(id uuid.UUID) (msb, lsb int64) {
	msb = int64(binary.BigEndian.Uint64(id[:8]))  //nolint:gosec // two's complement split is the wire format
	lsb = int64(binary.BigEndian.Uint64(id[8:])) //nolint:gosec // two's complement split is the wire format
	return msb, lsb
}

// IDFromParts joins two halves back into an identifier.
func IDFromParts(msb, lsb int64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(msb)) //nolint:gosec // two's complement split is the wire format
	binary.BigEndian.PutUint64(id[8:], uint64(lsb)) //nolint:gosec // two's complement split is the wire format
	return id
}

// EntityID returns the message's entity identifier.
func (m *Message) EntityID() uuid.UUID {
	return IDFromParts(m.EntityIDMSB, m.EntityIDLSB)
}

// CustomerID returns the payload's customer, uuid.Nil for the sentinel.
func (p *EntityPayload) CustomerID() uuid.UUID {
	return IDFromParts(p.CustomerIDMSB, p.CustomerIDLSB)
}

// Owner returns the payload's owner reference, or nil.
func (p *EntityPayload) Owner() *entity.Ref {
	id := IDFromParts(p.OwnerIDMSB, p.OwnerIDLSB)
	if id == uuid.Nil {
		return nil
	}
	return &entity.Ref{ID: id, Type: p.OwnerType}
}

// EntityID returns the queried entity identifier.
func (q *Query) EntityID() uuid.UUID {
	return IDFromParts(q.EntityIDMSB, q.EntityIDLSB)
}

// PayloadFromEntity builds the wire payload for e.
func PayloadFromEntity(e *entity.Entity) *EntityPayload {
	p := &EntityPayload{
		Name:           e.Name,
		Subtype:        e.Subtype,
		AdditionalInfo: e.AdditionalInfo,
		Version:        e.Version,
	}
	p.CustomerIDMSB, p.CustomerIDLSB = IDToParts(e.CustomerID)
	if e.Owner != nil {
		p.OwnerIDMSB, p.OwnerIDLSB = IDToParts(e.Owner.ID)
		p.OwnerType = e.Owner.Type
	}
	return p
}

// FromEntity builds a CREATE or UPDATE message for e.
func FromEntity(kind Kind, e *entity.Entity) *Message {
	m := newMessage(kind, e.ID, e.Type)
	m.Entity = PayloadFromEntity(e)
	return m
}

// NewDelete builds a DELETE message for the identified entity.
func NewDelete(id uuid.UUID, typ entity.Type) *Message {
	return newMessage(KindDelete, id, typ)
}

// NewRequest builds a REQUEST for the entities of type target related to
// the identified entity.
func NewRequest(id uuid.UUID, typ, target entity.Type) *Message {
	m := newMessage(KindRequest, uuid.Nil, "")
	q := &Query{EntityType: typ, Target: target}
	q.EntityIDMSB, q.EntityIDLSB = IDToParts(id)
	m.Query = q
	return m
}

// NewResponse answers req. A non-empty detail is only meaningful when
// success is false.
func NewResponse(req *Message, success bool, detail string) *Message {
	m := &Message{
		ID:            newMessageID(),
		Kind:          KindResponse,
		EntityIDMSB:   req.EntityIDMSB,
		EntityIDLSB:   req.EntityIDLSB,
		EntityType:    req.EntityType,
		Success:       success,
		ErrorDetail:   detail,
		CorrelationID: req.ID,
	}
	if success {
		m.ErrorDetail = ""
	}
	return m
}

// WithEntityID returns a copy of a RESPONSE that reports id as the entity
// the request resolved to.
func (m *Message) WithEntityID(id uuid.UUID) *Message {
	c := *m
	c.EntityIDMSB, c.EntityIDLSB = IDToParts(id)
	return &c
}

// WithSeq returns a copy of m carrying the queue sequence.
func (m *Message) WithSeq(seq uint64) *Message {
	c := *m
	c.Seq = seq
	return &c
}

// String renders a short description for logs.
func (m *Message) String() string {
	if m.Kind == KindResponse {
		return fmt.Sprintf("%s(%s ok=%t)", m.Kind, m.CorrelationID, m.Success)
	}
	return fmt.Sprintf("%s(%s %s)", m.Kind, m.EntityType, m.EntityID())
}

func newMessage(kind Kind, id uuid.UUID, typ entity.Type) *Message {
	m := &Message{ID: newMessageID(), Kind: kind, EntityType: typ}
	m.EntityIDMSB, m.EntityIDLSB = IDToParts(id)
	return m
}

func newMessageID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Validate checks that a decoded message carries what its kind requires.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownKind, m.Kind)
	}
	if m.ID == uuid.Nil {
		return fmt.Errorf("%w: missing message id", ErrMalformed)
	}

	switch m.Kind {
	case KindCreate, KindUpdate:
		if m.EntityID() == uuid.Nil {
			return fmt.Errorf("%w: %s without entity id", ErrMalformed, m.Kind)
		}
		if !m.EntityType.Valid() {
			return fmt.Errorf("%w: %s with entity type %q", ErrMalformed, m.Kind, m.EntityType)
		}
		if m.Entity == nil {
			return fmt.Errorf("%w: %s without entity payload", ErrMalformed, m.Kind)
		}
		if m.Kind == KindCreate && m.Entity.Name == "" {
			return fmt.Errorf("%w: CREATE without name", ErrMalformed)
		}
	case KindDelete:
		if m.EntityID() == uuid.Nil {
			return fmt.Errorf("%w: DELETE without entity id", ErrMalformed)
		}
	case KindRequest:
		if m.Query == nil {
			return fmt.Errorf("%w: REQUEST without query", ErrMalformed)
		}
		if !m.Query.EntityType.Valid() || !m.Query.Target.Valid() {
			return fmt.Errorf("%w: REQUEST with invalid types", ErrMalformed)
		}
	case KindResponse:
		if m.CorrelationID == uuid.Nil {
			return fmt.Errorf("%w: RESPONSE without correlation id", ErrMalformed)
		}
	}
	return nil
}
