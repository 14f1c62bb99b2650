package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-edgesync/internal/auth"
	"github.com/nerrad567/gray-logic-edgesync/internal/edgetest"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/logging"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// testEnv is a server over a complete in-memory sync engine.
type testEnv struct {
	srv    *Server
	h      *edgetest.Harness
	router http.Handler
	admin  string
	viewer string
}

type failingChecker struct{}

func (failingChecker) HealthCheck(context.Context) error { return errors.New("unreachable") }

func testDeps(h *edgetest.Harness, port int) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: port,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:     logging.Discard(),
		Mutations:  h.Mutations,
		Store:      h.Store,
		Registry:   h.Registry,
		Graph:      h.Graph,
		Sessions:   h.Sessions,
		Dispatcher: h.Dispatcher,
		AuditRepo:  h.Audit,
		DB:         h.DB.DB,
		Health:     map[string]HealthChecker{"database": h.DB},
		Version:    "test",
	}
}

// testServer creates a Server whose hub runs until the test ends.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	h := edgetest.NewHarness(t, edgetest.Options{})
	srv, err := New(testDeps(h, 0))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return &testEnv{
		srv:    srv,
		h:      h,
		router: srv.buildRouter(),
		admin:  mintToken(t, "ops-admin", auth.RoleAdmin),
		viewer: mintToken(t, "ops-viewer", auth.RoleViewer),
	}
}

func mintToken(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateAccessToken(subject, role, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

// do sends a request through the router. body is JSON-encoded when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

// createEntity creates an entity through the API.
func (e *testEnv) createEntity(t *testing.T, typ entity.Type, name string, extra map[string]any) *entity.Entity {
	t.Helper()
	body := map[string]any{"type": typ, "name": name}
	for k, v := range extra {
		body[k] = v
	}
	w := e.do(t, http.MethodPost, "/api/v1/entities", e.admin, body)
	expectStatus(t, w, http.StatusCreated)
	return decode[*entity.Entity](t, w)
}

// createEdge registers an edge through the API.
func (e *testEnv) createEdge(t *testing.T, name, routingKey string) createEdgeResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/edges", e.admin, map[string]string{
		"name":        name,
		"routing_key": routingKey,
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[createEdgeResponse](t, w)
}

// ─── Health and Middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, w, http.StatusOK)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	components, _ := resp["components"].(map[string]any)
	if components["database"] != "ok" {
		t.Errorf("components.database = %v, want ok", components["database"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t)
	env.srv.health["mqtt"] = failingChecker{}

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)

	resp := decode[map[string]any](t, w)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/entities", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAuth(t *testing.T) {
	env := testServer(t)
	foreign, err := auth.GenerateAccessToken("intruder", auth.RoleAdmin, "some-other-secret-of-sufficient-length", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/entities", "", nil, http.StatusUnauthorized},
		{"foreign signature", http.MethodGet, "/api/v1/entities", foreign, nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/sessions", "not-a-jwt", nil, http.StatusUnauthorized},
		{"metrics need a token", http.MethodGet, "/api/v1/metrics", "", nil, http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/entities", env.viewer, nil, http.StatusOK},
		{"viewer reads sessions", http.MethodGet, "/api/v1/sessions", env.viewer, nil, http.StatusOK},
		{"viewer cannot create", http.MethodPost, "/api/v1/entities", env.viewer,
			map[string]any{"type": entity.TypeDevice, "name": "x"}, http.StatusForbidden},
		{"viewer cannot register edge", http.MethodPost, "/api/v1/edges", env.viewer,
			map[string]any{"name": "x", "routing_key": "x"}, http.StatusForbidden},
		{"viewer cannot close session", http.MethodPost, "/api/v1/sessions/" + uuid.NewString() + "/close", env.viewer,
			nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", env.admin, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Entity Endpoints ──────────────────────────────────────────────

func TestCreateAndGetEntity(t *testing.T) {
	env := testServer(t)

	created := env.createEntity(t, entity.TypeDevice, "Boiler", map[string]any{
		"subtype":         "thermostat",
		"additional_info": map[string]any{"floor": "2"},
	})
	if created.ID == uuid.Nil {
		t.Fatal("created entity has no id")
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}

	w := env.do(t, http.MethodGet, "/api/v1/entities/"+created.ID.String(), env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	got := decode[*entity.Entity](t, w)
	if got.Name != "Boiler" || got.Subtype != "thermostat" {
		t.Errorf("got %q/%q, want Boiler/thermostat", got.Name, got.Subtype)
	}
	if got.TenantID == uuid.Nil {
		t.Error("tenant not defaulted")
	}
}

func TestCreateEntity_Errors(t *testing.T) {
	env := testServer(t)
	env.createEntity(t, entity.TypeDevice, "Pump", nil)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing name", map[string]any{"type": entity.TypeDevice}, http.StatusBadRequest, ErrCodeValidation},
		{"unknown type", map[string]any{"type": "TOASTER", "name": "x"}, http.StatusBadRequest, ErrCodeValidation},
		{"edge type", map[string]any{"type": entity.TypeEdge, "name": "x"}, http.StatusBadRequest, ErrCodeValidation},
		{"name taken", map[string]any{"type": entity.TypeDevice, "name": "Pump"}, http.StatusConflict, ErrCodeConflict},
		{"unknown owner", map[string]any{
			"type":  entity.TypeEntityView,
			"name":  "View",
			"owner": map[string]any{"id": uuid.NewString(), "type": entity.TypeDevice},
		}, http.StatusBadRequest, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/entities", env.admin, tt.body)
			expectStatus(t, w, tt.wantCode)
			if resp := decode[Error](t, w); resp.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantErr)
			}
		})
	}
}

func TestCreateEntity_InvalidJSON(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entities", strings.NewReader("{bad"))
	req.Header.Set("Authorization", "Bearer "+env.admin)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	expectStatus(t, w, http.StatusBadRequest)
}

func TestGetEntity_Errors(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/entities/"+uuid.NewString(), env.admin, nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodGet, "/api/v1/entities/not-a-uuid", env.admin, nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestListEntities_Paging(t *testing.T) {
	env := testServer(t)
	for i := range 3 {
		env.createEntity(t, entity.TypeAsset, fmt.Sprintf("Asset %d", i), nil)
	}

	w := env.do(t, http.MethodGet, "/api/v1/entities?page_size=2", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	first := decode[pageResponse](t, w)
	if len(first.Data) != 2 || first.Total != 3 || !first.HasNext {
		t.Errorf("first page = %d entries, total %d, has_next %v", len(first.Data), first.Total, first.HasNext)
	}

	w = env.do(t, http.MethodGet, "/api/v1/entities?page_size=2&page=1", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	second := decode[pageResponse](t, w)
	if len(second.Data) != 1 || second.HasNext {
		t.Errorf("second page = %d entries, has_next %v", len(second.Data), second.HasNext)
	}

	w = env.do(t, http.MethodGet, "/api/v1/entities?page=-1", env.viewer, nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestUpdateEntity(t *testing.T) {
	env := testServer(t)
	created := env.createEntity(t, entity.TypeDevice, "Fan", nil)

	w := env.do(t, http.MethodPatch, "/api/v1/entities/"+created.ID.String(), env.admin, map[string]any{
		"name": "Ceiling Fan",
	})
	expectStatus(t, w, http.StatusOK)
	got := decode[*entity.Entity](t, w)
	if got.Name != "Ceiling Fan" {
		t.Errorf("Name = %q, want Ceiling Fan", got.Name)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestDeleteEntity(t *testing.T) {
	env := testServer(t)
	created := env.createEntity(t, entity.TypeDevice, "Heater", nil)

	w := env.do(t, http.MethodDelete, "/api/v1/entities/"+created.ID.String(), env.admin, nil)
	expectStatus(t, w, http.StatusNoContent)

	w = env.do(t, http.MethodGet, "/api/v1/entities/"+created.ID.String(), env.admin, nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodDelete, "/api/v1/entities/"+created.ID.String(), env.admin, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestListChildren(t *testing.T) {
	env := testServer(t)
	device := env.createEntity(t, entity.TypeDevice, "Meter", nil)
	owner := map[string]any{"owner": map[string]any{"id": device.ID, "type": entity.TypeDevice}}
	env.createEntity(t, entity.TypeEntityView, "Meter View", owner)
	env.createEntity(t, entity.TypeAsset, "Meter Cabinet", owner)

	w := env.do(t, http.MethodGet, "/api/v1/entities/"+device.ID.String()+"/children?type=ENTITY_VIEW", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[map[string]any](t, w)
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/entities/"+device.ID.String()+"/children", env.viewer, nil)
	resp = decode[map[string]any](t, w)
	if resp["count"] != float64(2) {
		t.Errorf("unfiltered count = %v, want 2", resp["count"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/entities/"+device.ID.String()+"/children?type=BOGUS", env.viewer, nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAssignEntityToEdge(t *testing.T) {
	env := testServer(t)
	device := env.createEntity(t, entity.TypeDevice, "Valve", nil)
	edgeResp := env.createEdge(t, "Plant Room", "plant-room")
	edgeID := edgeResp.Edge.ID

	w := env.do(t, http.MethodPut, "/api/v1/entities/"+device.ID.String()+"/edge", env.admin, edgeRef{EdgeID: edgeID})
	expectStatus(t, w, http.StatusOK)
	if got := decode[*entity.Entity](t, w); got.EdgeID != edgeID {
		t.Errorf("EdgeID = %s, want %s", got.EdgeID, edgeID)
	}

	// The edge is offline, so its CREATE waits in the queue.
	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+edgeID.String(), env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	if info := decode[map[string]any](t, w); info["queue_len"] != float64(1) {
		t.Errorf("queue_len = %v, want 1", info["queue_len"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/edges/"+edgeID.String()+"/entities", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	if page := decode[pageResponse](t, w); page.Total != 1 || page.Data[0].ID != device.ID {
		t.Errorf("edge entities = %+v", page)
	}

	w = env.do(t, http.MethodGet, "/api/v1/entities?edge_id="+edgeID.String(), env.viewer, nil)
	if page := decode[pageResponse](t, w); page.Total != 1 {
		t.Errorf("filtered total = %d, want 1", page.Total)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/entities/"+device.ID.String()+"/edge", env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[*entity.Entity](t, w); got.EdgeID != uuid.Nil {
		t.Errorf("EdgeID after unassign = %s, want nil", got.EdgeID)
	}
}

func TestAssignEntityToEdge_Errors(t *testing.T) {
	env := testServer(t)
	device := env.createEntity(t, entity.TypeDevice, "Damper", nil)

	w := env.do(t, http.MethodPut, "/api/v1/entities/"+device.ID.String()+"/edge", env.admin, map[string]any{})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPut, "/api/v1/entities/"+device.ID.String()+"/edge", env.admin, edgeRef{EdgeID: uuid.New()})
	expectStatus(t, w, http.StatusNotFound)
}

func TestEntityCustomerAssignment(t *testing.T) {
	env := testServer(t)
	customer := env.createEntity(t, entity.TypeCustomer, "Acme", nil)
	device := env.createEntity(t, entity.TypeDevice, "Chiller", nil)
	path := "/api/v1/entities/" + device.ID.String() + "/customer"

	w := env.do(t, http.MethodPut, path, env.admin, customerRef{CustomerID: customer.ID})
	expectStatus(t, w, http.StatusOK)
	if got := decode[*entity.Entity](t, w); got.CustomerID != customer.ID {
		t.Errorf("CustomerID = %s, want %s", got.CustomerID, customer.ID)
	}

	w = env.do(t, http.MethodDelete, path, env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[*entity.Entity](t, w); got.CustomerID != uuid.Nil {
		t.Errorf("CustomerID = %s, want nil", got.CustomerID)
	}

	w = env.do(t, http.MethodPut, path, env.admin, customerRef{CustomerID: device.ID})
	expectStatus(t, w, http.StatusBadRequest)
}

// ─── Edge Endpoints ────────────────────────────────────────────────

func TestEdgeLifecycle(t *testing.T) {
	env := testServer(t)

	created := env.createEdge(t, "Roof", "roof-01")
	if created.Secret == "" {
		t.Fatal("secret not returned")
	}
	if _, err := env.h.Registry.Authenticate("roof-01", created.Secret); err != nil {
		t.Errorf("returned secret does not authenticate: %v", err)
	}
	id := created.Edge.ID.String()

	w := env.do(t, http.MethodGet, "/api/v1/edges", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[map[string]any](t, w); resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}

	w = env.do(t, http.MethodPatch, "/api/v1/edges/"+id, env.admin, renameEdgeRequest{Name: "Roof North"})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodGet, "/api/v1/edges/"+id, env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	got := decode[map[string]any](t, w)
	if got["name"] != "Roof North" {
		t.Errorf("name = %v, want Roof North", got["name"])
	}
	if _, leaked := got["secret_hash"]; leaked {
		t.Error("secret hash exposed")
	}

	w = env.do(t, http.MethodDelete, "/api/v1/edges/"+id, env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[map[string]any](t, w); resp["discarded"] != float64(1) {
		// The rename queued one UPDATE for the offline edge.
		t.Errorf("discarded = %v, want 1", resp["discarded"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/edges/"+id, env.viewer, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestCreateEdge_Errors(t *testing.T) {
	env := testServer(t)
	env.createEdge(t, "Basement", "basement")

	w := env.do(t, http.MethodPost, "/api/v1/edges", env.admin, map[string]string{"name": "Other", "routing_key": "basement"})
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodPost, "/api/v1/edges", env.admin, map[string]string{"name": "Bad", "routing_key": "has/slash"})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestEdgeCustomerAssignment(t *testing.T) {
	env := testServer(t)
	customer := env.createEntity(t, entity.TypeCustomer, "Globex", nil)
	created := env.createEdge(t, "Lobby", "lobby")
	path := "/api/v1/edges/" + created.Edge.ID.String() + "/customer"

	w := env.do(t, http.MethodPut, path, env.admin, customerRef{CustomerID: customer.ID})
	expectStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["customer_id"] != customer.ID.String() {
		t.Errorf("customer_id = %v, want %s", got["customer_id"], customer.ID)
	}

	// CUSTOMER create and EDGE update wait for the offline edge.
	info, err := env.h.Sessions.Session(created.Edge.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if info.QueueLen != 2 {
		t.Errorf("QueueLen = %d, want 2", info.QueueLen)
	}

	w = env.do(t, http.MethodDelete, path, env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["customer_id"] != uuid.Nil.String() {
		t.Errorf("customer_id = %v, want nil uuid", got["customer_id"])
	}
}

// ─── Session Endpoints ─────────────────────────────────────────────

func TestSessions(t *testing.T) {
	env := testServer(t)
	created := env.createEdge(t, "Garage", "garage")
	id := created.Edge.ID.String()
	device := env.createEntity(t, entity.TypeDevice, "Door", nil)
	env.do(t, http.MethodPut, "/api/v1/entities/"+device.ID.String()+"/edge", env.admin, edgeRef{EdgeID: created.Edge.ID})

	w := env.do(t, http.MethodGet, "/api/v1/sessions", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[map[string]any](t, w); resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/sync", env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[map[string]any](t, w); resp["queued"] != float64(1) {
		t.Errorf("queued = %v, want 1", resp["queued"])
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/close", env.admin, nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[map[string]any](t, w); resp["discarded"] != float64(2) {
		t.Errorf("discarded = %v, want 2", resp["discarded"])
	}

	// A fresh, empty session replaces the closed one.
	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	info := decode[map[string]any](t, w)
	if info["queue_len"] != float64(0) || info["state"] != "DISCONNECTED" {
		t.Errorf("session after close = %v", info)
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+uuid.NewString()+"/close", env.admin, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestMetrics(t *testing.T) {
	env := testServer(t)
	env.createEdge(t, "Attic", "attic")

	w := env.do(t, http.MethodGet, "/api/v1/metrics", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	m := decode[SystemMetrics](t, w)
	if m.Sync.Edges != 1 || m.Sync.ByState["DISCONNECTED"] != 1 {
		t.Errorf("sync metrics = %+v", m.Sync)
	}
	if m.Database == nil {
		t.Error("database metrics missing")
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
}

func TestAuditLogs(t *testing.T) {
	env := testServer(t)
	env.createEntity(t, entity.TypeDevice, "Sensor", nil)

	w := env.do(t, http.MethodGet, "/api/v1/audit?action=create", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	var resp struct {
		Logs []struct {
			UserID string `json:"user_id"`
			Source string `json:"source"`
		} `json:"logs"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
	if resp.Logs[0].UserID != "ops-admin" || resp.Logs[0].Source != "api" {
		t.Errorf("entry = %+v, want ops-admin via api", resp.Logs[0])
	}
}

// ─── WebSocket Tickets and Hub ─────────────────────────────────────

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", env.viewer, nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[map[string]any](t, w)
	ticket, _ := resp["ticket"].(string)
	if ticket == "" {
		t.Fatal("ticket missing")
	}

	entry, ok := env.srv.tickets.consume(ticket)
	if !ok {
		t.Fatal("first use rejected")
	}
	if entry.subject != "ops-viewer" || entry.role != auth.RoleViewer {
		t.Errorf("entry = %+v", entry)
	}
	if _, ok := env.srv.tickets.consume(ticket); ok {
		t.Error("ticket accepted twice")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	store := newTicketStore()
	store.tickets["stale"] = ticketEntry{subject: "x", expiresAt: time.Now().Add(-time.Second)}

	if _, ok := store.consume("stale"); ok {
		t.Error("expired ticket accepted")
	}

	store.tickets["stale-2"] = ticketEntry{expiresAt: time.Now().Add(-time.Second)}
	store.issue("fresh", auth.RoleAdmin)
	store.clean()
	if store.len() != 1 {
		t.Errorf("tickets after clean = %d, want 1", store.len())
	}
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func subscribeClient(hub *Hub, channels ...string) *WSClient {
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		client.subscriptions[ch] = struct{}{}
	}
	hub.Register(client)
	return client
}

func receiveEvent(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return wsMsg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
	return WSMessage{}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := subscribeClient(hub, ChannelSessionState)

	hub.Broadcast(ChannelSessionState, map[string]any{"edge_id": "e-1", "state": "CONNECTED"})

	if msg := receiveEvent(t, client); msg.EventType != ChannelSessionState {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelSessionState)
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := subscribeClient(hub, ChannelEdgeChanged)

	hub.Broadcast(ChannelSessionState, map[string]any{"edge_id": "e-1"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}
	client := subscribeClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestEntityChangeBroadcast(t *testing.T) {
	env := testServer(t)
	client := subscribeClient(env.srv.hub, ChannelEntityChanged)

	created := env.createEntity(t, entity.TypeDevice, "Lamp", nil)

	msg := receiveEvent(t, client)
	payload, _ := msg.Payload.(map[string]any)
	if payload["action"] != "created" || payload["id"] != created.ID.String() {
		t.Errorf("payload = %v", payload)
	}
}

// ─── Server Lifecycle and Live WebSocket ───────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	h := edgetest.NewHarness(t, edgetest.Options{})
	port := 19080

	srv, err := New(testDeps(h, port))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start = nil, want error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestSessionStateBroadcast(t *testing.T) {
	h := edgetest.NewHarness(t, edgetest.Options{})
	srv, err := New(testDeps(h, 0))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Close()

	client := subscribeClient(srv.hub, ChannelSessionState)
	h.ConnectEdge(t, "Cellar", "cellar")

	msg := receiveEvent(t, client)
	payload, _ := msg.Payload.(map[string]any)
	if payload["state"] != "CONNECTED" || payload["name"] != "Cellar" {
		t.Errorf("payload = %v", payload)
	}
}

// liveServer serves the router over a real listener for WebSocket tests.
func liveServer(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := testServer(t)
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)
	return env, strings.TrimPrefix(ts.URL, "http://")
}

// connectWebSocket obtains a ticket and dials the hub.
func connectWebSocket(t *testing.T, env *testEnv, addr string) *websocket.Conn {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/v1/auth/ws-ticket", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.viewer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get ticket failed: %v", err)
	}
	defer resp.Body.Close()

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket="+ticket.Ticket, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocket_SubscribeAndBroadcast(t *testing.T) {
	env, addr := liveServer(t)
	ws := connectWebSocket(t, env, addr)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelEntityChanged}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	env.createEntity(t, entity.TypeAsset, "Boiler House", nil)

	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if resp.Type != WSTypeEvent || resp.EventType != ChannelEntityChanged {
		t.Errorf("broadcast = %s/%s", resp.Type, resp.EventType)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	env, addr := liveServer(t)
	ws := connectWebSocket(t, env, addr)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("pong = %+v", resp)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Errorf("response type = %s, want error", resp.Type)
	}

	if err := ws.WriteJSON(WSMessage{Type: "unknown_type", ID: "x"}); err != nil {
		t.Fatalf("write unknown type: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Errorf("response type = %s, want error", resp.Type)
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	_, addr := liveServer(t)

	for _, path := range []string{"/api/v1/ws", "/api/v1/ws?ticket=invalid-ticket"} {
		_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+path, nil)
		if err == nil {
			t.Fatalf("%s: expected dial error", path)
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, resp.StatusCode)
		}
	}
}
