package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-edgesync/internal/session"
)

// handleListSessions returns a snapshot of every edge session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

// handleGetSession returns the session of one edge.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	info, err := s.sessions.Session(id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCloseSession tears an edge's session down and opens a fresh one.
//
// Undelivered messages are discarded and their count returned. The edge
// must reconnect, normally with full sync, to catch up.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	e, err := s.registry.Get(id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}

	discarded, err := s.sessions.Close(r.Context(), id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	if err := s.sessions.Open(r.Context(), e); err != nil {
		s.logger.Error("reopening session failed", "edge_id", id, "error", err)
		writeInternalError(w, "session closed but could not be reopened")
		return
	}

	s.logger.Info("edge session closed by operator", "edge_id", id, "discarded", len(discarded))
	writeJSON(w, http.StatusOK, map[string]any{
		"edge_id":   id,
		"discarded": len(discarded),
		"state":     session.StateDisconnected,
	})
}

// handleSyncSession queues CREATE for everything the edge holds.
func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if s.dispatcher == nil {
		writeInternalError(w, "full sync not configured")
		return
	}

	e, err := s.registry.Get(id)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}

	queued, err := s.dispatcher.FullSync(r.Context(), e)
	if err != nil {
		s.writeChangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edge_id": id, "queued": queued})
}
