// Package api implements the administrative HTTP REST API and WebSocket
// server of the edge sync service.
//
// This package provides:
//   - REST endpoints for entity, edge and assignment changes
//   - Session listing, forced close and resync of individual edges
//   - Audit trail listing and service health
//   - WebSocket hub broadcasting session state and entity change events
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// Handlers translate requests into mutation.Service calls; the service
// stores the change and queues it for every affected edge. A change that
// was stored but could not be queued everywhere is reported with an
// X-Sync-Warning header next to the normal response body.
//
// # Security
//
// Every route except /api/v1/health requires a bearer token minted by
// "edgesync token". Viewer tokens may read; mutating routes require the
// admin role. WebSocket connections use single-use tickets so tokens never
// appear in URLs.
package api
