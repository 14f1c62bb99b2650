package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
	"github.com/nerrad567/gray-logic-edgesync/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// headerSyncWarning is set when a change was stored but not queued for
// every affected edge.
const headerSyncWarning = "X-Sync-Warning"

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeChangeError maps a service error onto a response.
//
// Returns true when err was ErrDispatchIncomplete: the change is stored and
// the caller should still write its normal body. A warning header has been
// set in that case.
func (s *Server) writeChangeError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, mutation.ErrDispatchIncomplete):
		s.logger.Warn("change stored but not queued for every edge",
			"path", r.URL.Path,
			"error", err,
		)
		w.Header().Set(headerSyncWarning, err.Error())
		return true
	case errors.Is(err, entity.ErrNotFound),
		errors.Is(err, edge.ErrNotFound),
		errors.Is(err, session.ErrUnknownEdge):
		writeNotFound(w, err.Error())
	case errors.Is(err, entity.ErrNameTaken), errors.Is(err, edge.ErrExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, entity.ErrInvalidEntity),
		errors.Is(err, entity.ErrInvalidType),
		errors.Is(err, mutation.ErrInvalidReference),
		errors.Is(err, mutation.ErrUnsupportedType),
		errors.Is(err, edge.ErrInvalid):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeInternalError(w, "internal server error")
	}
	return false
}
