package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
)

// maxPageSize caps page_size on listings.
const maxPageSize = 1000

// entityEvent is broadcast on ChannelEntityChanged.
type entityEvent struct {
	Action string         `json:"action"`
	ID     uuid.UUID      `json:"id"`
	Entity *entity.Entity `json:"entity,omitempty"`
}

// pageResponse is the body of paged listings.
type pageResponse struct {
	Data     []*entity.Entity `json:"data"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	HasNext  bool             `json:"has_next"`
}

// edgeRef is the body of PUT /entities/{id}/edge.
type edgeRef struct {
	EdgeID uuid.UUID `json:"edge_id"`
}

// customerRef is the body of the customer assignment routes.
type customerRef struct {
	CustomerID uuid.UUID `json:"customer_id"`
}

// handleListEntities returns one page of entities.
//
// Query parameters:
//   - page: zero-based page number (default 0)
//   - page_size: entries per page (default 100, max 1000)
//   - edge_id: only entities directly assigned to this edge
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	link, ok := parsePageLink(w, r)
	if !ok {
		return
	}

	var (
		page *entity.Page
		err  error
	)
	if v := r.URL.Query().Get("edge_id"); v != "" {
		edgeID, perr := uuid.Parse(v)
		if perr != nil {
			writeBadRequest(w, "invalid edge_id")
			return
		}
		page, err = s.store.ListAssignedToEdge(r.Context(), edgeID, link)
	} else {
		page, err = s.store.List(r.Context(), link)
	}
	if err != nil {
		s.logger.Error("failed to list entities", "error", err)
		writeInternalError(w, "failed to list entities")
		return
	}

	writeJSON(w, http.StatusOK, newPageResponse(page, link))
}

// handleGetEntity returns a single entity by ID.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleListChildren returns the entities owned by an entity.
//
// Query parameters:
//   - type: only children of this entity type
func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var typ entity.Type
	if v := r.URL.Query().Get("type"); v != "" {
		t, err := entity.ParseType(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		typ = t
	}

	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	children, err := s.store.ListByOwner(r.Context(), id, typ)
	if err != nil {
		s.logger.Error("failed to list children", "entity_id", id, "error", err)
		writeInternalError(w, "failed to list children")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": children, "count": len(children)})
}

// handleCreateEntity creates an entity and queues CREATE for edges that
// hold it through its owner.
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var in mutation.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	e, err := s.mutations.CreateEntity(r.Context(), in)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("created", e)
	writeJSON(w, http.StatusCreated, e)
}

// handleUpdateEntity partially updates an entity.
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var patch mutation.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	e, err := s.mutations.UpdateEntity(r.Context(), id, patch)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("updated", e)
	writeJSON(w, http.StatusOK, e)
}

// handleDeleteEntity deletes an entity. Edges holding it receive DELETE.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := s.mutations.DeleteEntity(r.Context(), id); err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.hub.Broadcast(ChannelEntityChanged, entityEvent{Action: "deleted", ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignEntityToEdge assigns an entity to an edge, moving it away
// from any previous edge.
func (s *Server) handleAssignEntityToEdge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var body edgeRef
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EdgeID == uuid.Nil {
		writeBadRequest(w, "edge_id is required")
		return
	}

	e, err := s.mutations.AssignToEdge(r.Context(), id, body.EdgeID)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("assigned", e)
	writeJSON(w, http.StatusOK, e)
}

// handleUnassignEntityFromEdge removes an entity's edge assignment.
func (s *Server) handleUnassignEntityFromEdge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.mutations.UnassignFromEdge(r.Context(), id)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("unassigned", e)
	writeJSON(w, http.StatusOK, e)
}

// handleAssignEntityToCustomer sets an entity's customer.
func (s *Server) handleAssignEntityToCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var body customerRef
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CustomerID == uuid.Nil {
		writeBadRequest(w, "customer_id is required")
		return
	}

	e, err := s.mutations.AssignToCustomer(r.Context(), id, body.CustomerID)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("updated", e)
	writeJSON(w, http.StatusOK, e)
}

// handleUnassignEntityFromCustomer clears an entity's customer.
func (s *Server) handleUnassignEntityFromCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.mutations.UnassignFromCustomer(r.Context(), id)
	if err != nil && !s.writeChangeError(w, r, err) {
		return
	}
	s.broadcastEntity("updated", e)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) broadcastEntity(action string, e *entity.Entity) {
	if e == nil {
		return
	}
	s.hub.Broadcast(ChannelEntityChanged, entityEvent{Action: action, ID: e.ID, Entity: e})
}

// parseID reads the {id} URL parameter.
func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// parsePageLink reads the page and page_size query parameters.
func parsePageLink(w http.ResponseWriter, r *http.Request) (entity.PageLink, bool) {
	q := r.URL.Query()
	link := entity.PageLink{PageSize: entity.DefaultPageSize}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid page")
			return link, false
		}
		link.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "invalid page_size")
			return link, false
		}
		link.PageSize = min(n, maxPageSize)
	}
	return link, true
}

func newPageResponse(p *entity.Page, link entity.PageLink) pageResponse {
	data := p.Data
	if data == nil {
		data = []*entity.Entity{}
	}
	return pageResponse{
		Data:     data,
		Total:    p.Total,
		Page:     link.Page,
		PageSize: link.PageSize,
		HasNext:  p.HasNext,
	}
}
