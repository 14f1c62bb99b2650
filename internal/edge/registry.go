package edge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/auth"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides edge management with caching and thread safety.
//
// The cache is populated on startup via RefreshCache() and kept in sync by
// the registry's own write operations. All public methods are thread-safe.
type Registry struct {
	repo     Repository
	tenantID uuid.UUID

	mu    sync.RWMutex
	byID  map[uuid.UUID]*Edge
	byKey map[string]*Edge

	logger Logger
}

// NewRegistry creates a registry. New edges are created in tenantID.
func NewRegistry(repo Repository, tenantID uuid.UUID) *Registry {
	return &Registry{
		repo:     repo,
		tenantID: tenantID,
		byID:     make(map[uuid.UUID]*Edge),
		byKey:    make(map[string]*Edge),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all edges from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	edges, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading edges: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[uuid.UUID]*Edge, len(edges))
	r.byKey = make(map[string]*Edge, len(edges))
	for _, e := range edges {
		r.cache(e)
	}

	r.logger.Info("edge cache refreshed", "count", len(edges))
	return nil
}

// Get returns a copy of the edge. Returns ErrNotFound if unknown.
func (r *Registry) Get(id uuid.UUID) (*Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// GetByRoutingKey returns a copy of the edge using key.
func (r *Registry) GetByRoutingKey(key string) (*Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// List returns copies of all edges sorted by name.
func (r *Registry) List() []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Edge, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of cached edges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Create registers a new edge.
//
// Parameters:
//   - ctx: Context for the repository write
//   - name: Display name
//   - routingKey: Topic-safe key the edge connects with
//   - secret: Edge secret; generated when empty
//
// Returns:
//   - *Edge: The stored edge
//   - string: The plaintext secret, to hand to the edge once
//   - error: ErrInvalid, ErrExists or a repository failure
func (r *Registry) Create(ctx context.Context, name, routingKey, secret string) (*Edge, string, error) {
	if secret == "" {
		generated, err := auth.GenerateSecret()
		if err != nil {
			return nil, "", err
		}
		secret = generated
	}

	hash, err := auth.HashPassword(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hashing edge secret: %w", err)
	}

	e := &Edge{
		ID:         uuid.Must(uuid.NewV7()),
		TenantID:   r.tenantID,
		Name:       name,
		RoutingKey: routingKey,
		SecretHash: hash,
	}
	if err := r.repo.Create(ctx, e); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	r.cache(e.Clone())
	r.mu.Unlock()

	r.logger.Info("edge created", "edge_id", e.ID, "routing_key", routingKey)
	return e.Clone(), secret, nil
}

// SetCustomer assigns the edge to customerID, or unassigns it when
// customerID is uuid.Nil.
//
// Returns the updated edge and the customer it was previously assigned to.
func (r *Registry) SetCustomer(ctx context.Context, id, customerID uuid.UUID) (*Edge, uuid.UUID, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, uuid.Nil, err
	}

	previous := current.CustomerID
	current.CustomerID = customerID
	if err := r.repo.Update(ctx, current); err != nil {
		return nil, uuid.Nil, fmt.Errorf("updating edge customer: %w", err)
	}

	r.mu.Lock()
	r.cache(current.Clone())
	r.mu.Unlock()

	return current, previous, nil
}

// Rename changes the edge display name.
func (r *Registry) Rename(ctx context.Context, id uuid.UUID, name string) (*Edge, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	current.Name = name
	if err := r.repo.Update(ctx, current); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache(current.Clone())
	r.mu.Unlock()
	return current, nil
}

// Delete removes an edge.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	if e, ok := r.byID[id]; ok {
		delete(r.byKey, e.RoutingKey)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	r.logger.Info("edge deleted", "edge_id", id)
	return nil
}

// Authenticate verifies a connect request's credentials.
// Returns ErrAuthFailed for an unknown routing key or wrong secret.
func (r *Registry) Authenticate(routingKey, secret string) (*Edge, error) {
	e, err := r.GetByRoutingKey(routingKey)
	if err != nil {
		return nil, ErrAuthFailed
	}

	ok, err := auth.VerifyPassword(secret, e.SecretHash)
	if err != nil {
		r.logger.Error("edge secret hash unreadable", "edge_id", e.ID, "error", err)
		return nil, ErrAuthFailed
	}
	if !ok {
		return nil, ErrAuthFailed
	}
	return e, nil
}

// cache stores e, replacing any previous record with the same id.
// Caller holds r.mu.
func (r *Registry) cache(e *Edge) {
	if old, ok := r.byID[e.ID]; ok && old.RoutingKey != e.RoutingKey {
		delete(r.byKey, old.RoutingKey)
	}
	r.byID[e.ID] = e
	r.byKey[e.RoutingKey] = e
}
