package entity

import (
	"fmt"
	"maps"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type is the entity type tag carried in every sync message.
type Type string

// Supported entity types.
const (
	TypeDevice     Type = "DEVICE"
	TypeAsset      Type = "ASSET"
	TypeEntityView Type = "ENTITY_VIEW"
	TypeCustomer   Type = "CUSTOMER"
	TypeEdge       Type = "EDGE"
)

// AllTypes lists every supported type.
var AllTypes = []Type{TypeDevice, TypeAsset, TypeEntityView, TypeCustomer, TypeEdge}

// Valid reports whether t is a known type tag.
func (t Type) Valid() bool {
	switch t {
	case TypeDevice, TypeAsset, TypeEntityView, TypeCustomer, TypeEdge:
		return true
	}
	return false
}

// ParseType converts a wire or config string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// Ref identifies another entity by id and type.
type Ref struct {
	ID   uuid.UUID `json:"id"`
	Type Type      `json:"type"`
}

// Entity is one node of the synchronized graph.
type Entity struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Type     Type      `json:"type"`
	Name     string    `json:"name"`
	Subtype  string    `json:"subtype,omitempty"`

	// Owner is the entity this one belongs to (the device a view is over,
	// for example). Nil when the entity has no owner.
	Owner *Ref `json:"owner,omitempty"`

	// CustomerID is uuid.Nil when the entity is not assigned to a customer.
	CustomerID uuid.UUID `json:"customer_id"`

	// EdgeID is the edge the entity is directly assigned to, uuid.Nil if none.
	// Populated by the store from edge_assignments; Upsert ignores it.
	EdgeID uuid.UUID `json:"edge_id"`

	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
	Version        int64          `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns an independent copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Owner != nil {
		owner := *e.Owner
		c.Owner = &owner
	}
	if e.AdditionalInfo != nil {
		c.AdditionalInfo = maps.Clone(e.AdditionalInfo)
	}
	return &c
}

// HasCustomer reports whether the entity is assigned to a customer.
func (e *Entity) HasCustomer() bool {
	return e.CustomerID != uuid.Nil
}

// Validate checks the fields every stored entity must carry.
func (e *Entity) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntity)
	}
	if utf8.RuneCountInString(e.Name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidEntity, MaxNameLength)
	}
	if e.Owner != nil {
		if e.Owner.ID == uuid.Nil || !e.Owner.Type.Valid() {
			return fmt.Errorf("%w: owner reference is incomplete", ErrInvalidEntity)
		}
		if e.Owner.ID == e.ID {
			return fmt.Errorf("%w: entity cannot own itself", ErrInvalidEntity)
		}
	}
	return nil
}

// MaxNameLength bounds entity display names, in characters.
const MaxNameLength = 255

// ChangeKind describes what happened to an entity.
type ChangeKind string

// Change kinds understood by the relationship graph and the dispatcher.
const (
	ChangeCreated                ChangeKind = "created"
	ChangeUpdated                ChangeKind = "updated"
	ChangeDeleted                ChangeKind = "deleted"
	ChangeAssignedToEdge         ChangeKind = "assigned_to_edge"
	ChangeUnassignedFromEdge     ChangeKind = "unassigned_from_edge"
	ChangeAssignedToCustomer     ChangeKind = "assigned_to_customer"
	ChangeUnassignedFromCustomer ChangeKind = "unassigned_from_customer"
)

// PageLink requests one page of a listing. Page is zero-based.
type PageLink struct {
	PageSize int
	Page     int
}

// DefaultPageSize is used when PageLink.PageSize is not positive.
const DefaultPageSize = 100

// Page is one page of a listing.
type Page struct {
	Data    []*Entity
	Total   int
	HasNext bool
}

func (p PageLink) normalised() PageLink {
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.Page < 0 {
		p.Page = 0
	}
	return p
}

// Next returns the link for the following page.
func (p PageLink) Next() PageLink {
	p = p.normalised()
	p.Page++
	return p
}
