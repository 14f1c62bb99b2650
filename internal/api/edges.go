package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
)

// edgeEvent is broadcast on ChannelEdgeChanged.
type edgeEvent struct {
	Action    string     `json:"action"`
	ID        uuid.UUID  `json:"id"`
	Edge      *edge.Edge `json:"edge,omitempty"`
	Discarded int        `json:"discarded,omitempty"`
}

// createEdgeRequest is the body of POST /edges.
type createEdgeRequest struct {
	Name       string `json:"name"`
	RoutingKey string `json:"routing_key"`

	// Secret is optional; one is generated when empty.
	Secret string `json:"secret"`
}

// createEdgeResponse carries the plaintext secret, shown only once.
type createEdgeResponse struct {
	Edge   *edge.Edge `json:"edge"`
	Secret string     `json:"secret"`
}

// renameEdgeRequest is the body of PATCH /edges/{id}.
type renameEdgeRequest struct {
	Name string `json:"name"`
}

// handleListEdges returns every registered edge.
func (s *Server) handleListEdges(w http.ResponseWriter, _ *http.Request) {
	edges := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges, "count": len(edges)})
}

// handleGetEdge returns a single edge by ID.
func (s *Server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.registry.Get(id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleListEdgeEntities returns one page of the entities directly
// assigned to an edge.
func (s *Server) handleListEdgeEntities(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	link, ok := parsePageLink(w, r)
	if !ok {
		return
	}

	if _, err := s.registry.Get(id); err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	page, err := s.store.ListAssignedToEdge(r.Context(), id, link)
	if err != nil {
		s.logger.Error("failed to list edge entities", "edge_id", id, "error", err)
		writeInternalError(w, "failed to list edge entities")
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page, link))
}

// handleCreateEdge registers an edge and opens its session.
//
// The response carries the plaintext secret the edge must present on
// connect; only its hash is stored.
func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	e, secret, err := s.mutations.RegisterEdge(r.Context(), req.Name, req.RoutingKey, req.Secret)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}

	s.hub.Broadcast(ChannelEdgeChanged, edgeEvent{Action: "created", ID: e.ID, Edge: e})
	writeJSON(w, http.StatusCreated, createEdgeResponse{Edge: e, Secret: secret})
}

// handleRenameEdge changes an edge's display name.
func (s *Server) handleRenameEdge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req renameEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	e, err := s.mutations.RenameEdge(r.Context(), id, req.Name)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.hub.Broadcast(ChannelEdgeChanged, edgeEvent{Action: "updated", ID: e.ID, Edge: e})
	writeJSON(w, http.StatusOK, e)
}

// handleDeleteEdge removes an edge. Its session is closed and undelivered
// messages are discarded; the count is returned.
func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	discarded, err := s.mutations.RemoveEdge(r.Context(), id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}

	s.hub.Broadcast(ChannelEdgeChanged, edgeEvent{Action: "deleted", ID: id, Discarded: discarded})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "discarded": discarded})
}

// handleAssignEdgeToCustomer assigns an edge to a customer. The edge
// receives the customer and its updated record.
func (s *Server) handleAssignEdgeToCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var body customerRef
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CustomerID == uuid.Nil {
		writeBadRequest(w, "customer_id is required")
		return
	}

	e, err := s.mutations.AssignEdgeToCustomer(r.Context(), id, body.CustomerID)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.hub.Broadcast(ChannelEdgeChanged, edgeEvent{Action: "updated", ID: e.ID, Edge: e})
	writeJSON(w, http.StatusOK, e)
}

// handleUnassignEdgeFromCustomer clears an edge's customer.
func (s *Server) handleUnassignEdgeFromCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.mutations.UnassignEdgeFromCustomer(r.Context(), id)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.hub.Broadcast(ChannelEdgeChanged, edgeEvent{Action: "updated", ID: e.ID, Edge: e})
	writeJSON(w, http.StatusOK, e)
}
