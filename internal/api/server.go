package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
	"github.com/nerrad567/gray-logic-edgesync/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by infrastructure clients reported on
// /health (database, MQTT, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Mutations  *mutation.Service
	Store      entity.Store
	Registry   *edge.Registry
	Graph      *graph.Graph
	Sessions   *session.Manager
	Dispatcher *downlink.Dispatcher

	AuditRepo audit.Repository // optional
	DB        *sql.DB          // optional, pool stats on /metrics

	// Health lists named components checked by /health. Optional.
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	mutations  *mutation.Service
	store      entity.Store
	registry   *edge.Registry
	graph      *graph.Graph
	sessions   *session.Manager
	dispatcher *downlink.Dispatcher
	auditRepo  audit.Repository
	db         *sql.DB
	health     map[string]HealthChecker
	version    string
	started    time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, mutation service, stores, sessions)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Mutations == nil:
		return nil, errors.New("mutation service is required")
	case deps.Store == nil:
		return nil, errors.New("entity store is required")
	case deps.Registry == nil:
		return nil, errors.New("edge registry is required")
	case deps.Sessions == nil:
		return nil, errors.New("session manager is required")
	case deps.Security.JWT.Secret == "":
		return nil, errors.New("jwt secret is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		mutations:  deps.Mutations,
		store:      deps.Store,
		registry:   deps.Registry,
		graph:      deps.Graph,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		auditRepo:  deps.AuditRepo,
		db:         deps.DB,
		health:     deps.Health,
		version:    deps.Version,
		started:    time.Now(),
		tickets:    newTicketStore(),
	}
	s.hub = NewHub(deps.WS, deps.Logger)
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays session state changes to it and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.sessions.SetStateListener(func(ev session.Event) {
		s.hub.Broadcast(ChannelSessionState, ev)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.sessions.SetStateListener(nil)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
