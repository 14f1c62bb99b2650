package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check on /health.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/audit", s.handleListAuditLogs)

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.handleListEntities)
				r.With(s.requireAdmin).Post("/", s.handleCreateEntity)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEntity)
					r.Get("/children", s.handleListChildren)

					r.Group(func(r chi.Router) {
						r.Use(s.requireAdmin)
						r.Patch("/", s.handleUpdateEntity)
						r.Delete("/", s.handleDeleteEntity)
						r.Put("/edge", s.handleAssignEntityToEdge)
						r.Delete("/edge", s.handleUnassignEntityFromEdge)
						r.Put("/customer", s.handleAssignEntityToCustomer)
						r.Delete("/customer", s.handleUnassignEntityFromCustomer)
					})
				})
			})

			r.Route("/edges", func(r chi.Router) {
				r.Get("/", s.handleListEdges)
				r.With(s.requireAdmin).Post("/", s.handleCreateEdge)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEdge)
					r.Get("/entities", s.handleListEdgeEntities)

					r.Group(func(r chi.Router) {
						r.Use(s.requireAdmin)
						r.Patch("/", s.handleRenameEdge)
						r.Delete("/", s.handleDeleteEdge)
						r.Put("/customer", s.handleAssignEdgeToCustomer)
						r.Delete("/customer", s.handleUnassignEdgeFromCustomer)
					})
				})
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Get("/{id}", s.handleGetSession)
				r.With(s.requireAdmin).Post("/{id}/close", s.handleCloseSession)
				r.With(s.requireAdmin).Post("/{id}/sync", s.handleSyncSession)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
//
// Each configured component is checked; any failure reports "degraded"
// with status 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string, len(s.health))

	for name, checker := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := checker.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
