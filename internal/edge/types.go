package edge

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// routingKeyPattern restricts routing keys to characters that are safe in
// an MQTT topic level.
var routingKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Edge is a remote node.
type Edge struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Name       string    `json:"name"`
	RoutingKey string    `json:"routing_key"`

	// SecretHash is the PHC-encoded Argon2id hash of the edge secret.
	SecretHash string `json:"-"`

	// CustomerID is uuid.Nil when the edge is not assigned to a customer.
	CustomerID uuid.UUID `json:"customer_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Validate checks the fields every stored edge must carry.
func (e *Edge) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !routingKeyPattern.MatchString(e.RoutingKey) {
		return fmt.Errorf("%w: routing key %q must match %s", ErrInvalid, e.RoutingKey, routingKeyPattern)
	}
	if e.SecretHash == "" {
		return fmt.Errorf("%w: secret hash is required", ErrInvalid)
	}
	return nil
}

// ValidRoutingKey reports whether key can be used as a routing key.
func ValidRoutingKey(key string) bool {
	return routingKeyPattern.MatchString(key)
}
