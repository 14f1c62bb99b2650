// Edge Sync - cloud authority for edge entity synchronisation
//
// This is the main entry point for the edge sync service. It keeps a fleet
// of edge gateways in step with the canonical entity graph:
//   - Downlink: admin changes are queued per edge and delivered in order
//   - Uplink: edge-originated changes are applied and fanned out
//   - Persistence: outbound queues survive restarts
//
// Subcommands:
//
//	edgesync                                  run the service
//	edgesync token -subject ops -role admin   print an admin API token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	_ "github.com/nerrad567/gray-logic-edgesync/migrations"

	"github.com/nerrad567/gray-logic-edgesync/internal/api"
	"github.com/nerrad567/gray-logic-edgesync/internal/audit"
	"github.com/nerrad567/gray-logic-edgesync/internal/auth"
	"github.com/nerrad567/gray-logic-edgesync/internal/downlink"
	"github.com/nerrad567/gray-logic-edgesync/internal/edge"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/graph"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-edgesync/internal/keymutex"
	"github.com/nerrad567/gray-logic-edgesync/internal/mutation"
	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
	"github.com/nerrad567/gray-logic-edgesync/internal/session"
	"github.com/nerrad567/gray-logic-edgesync/internal/uplink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear bootstrap sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting edge sync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	tenantID, err := uuid.Parse(cfg.Site.TenantID)
	if err != nil {
		return fmt.Errorf("parsing site.tenant_id: %w", err)
	}
	inherit, err := parseInheritTypes(cfg.Sync.InheritOwnerTypes)
	if err != nil {
		return fmt.Errorf("parsing sync.inherit_owner_types: %w", err)
	}

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Stores and repositories
	store := entity.NewSQLiteStore(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo)
	recorder.SetLogger(log.Component("audit"))

	registry := edge.NewRegistry(edge.NewSQLiteRepository(db.DB), tenantID)
	registry.SetLogger(log.Component("edge"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading edge registry: %w", refreshErr)
	}
	log.Info("edge registry initialised", "edges", registry.Count())

	g := graph.New(inherit)
	indexed, err := g.Rebuild(ctx, store)
	if err != nil {
		return fmt.Errorf("building relation graph: %w", err)
	}
	log.Info("relation graph built", "entities", indexed, "inherit_owner_types", inherit)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var (
		influxClient *influxdb.Client
		syncMetrics  *influxdb.SyncMetrics
	)
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		syncMetrics = influxdb.NewSyncMetrics(influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Session manager over the MQTT transport
	var queueStore outbound.Store
	if cfg.Sync.PersistQueue {
		queueStore = outbound.NewSQLiteStore(db.DB)
	}
	transport := session.NewMQTTTransport(mqttClient, mqttClient.Topics(), byte(cfg.MQTT.QoS)) //nolint:gosec // qos validated to 0..2
	sessionDeps := session.Deps{
		Config:     session.ConfigFromSync(cfg.Sync),
		Registry:   registry,
		Graph:      g,
		Transport:  transport,
		QueueStore: queueStore,
		Recorder:   recorder,
	}
	if syncMetrics != nil {
		sessionDeps.Metrics = syncMetrics
	}
	sessions, err := session.New(sessionDeps)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	sessions.SetLogger(log.Component("session"))
	defer func() {
		log.Info("stopping edge sessions")
		if stopErr := sessions.Shutdown(context.Background()); stopErr != nil {
			log.Error("error stopping sessions", "error", stopErr)
		}
	}()

	locks := keymutex.New[uuid.UUID]()
	dispatcher := downlink.New(g, sessions, store, locks)
	dispatcher.SetLogger(log.Component("downlink"))

	uplinkDeps := uplink.Deps{
		Store:      store,
		Graph:      g,
		Dispatcher: dispatcher,
		Outbox:     sessions,
		Locks:      locks,
		Resolver:   uplink.NewResolver(uplink.PolicyFromConfig(cfg.Sync.ConflictPolicy)),
		Recorder:   recorder,
		TenantID:   tenantID,
	}
	if syncMetrics != nil {
		uplinkDeps.Metrics = syncMetrics
	}
	processor, err := uplink.New(uplinkDeps)
	if err != nil {
		return fmt.Errorf("creating uplink processor: %w", err)
	}
	processor.SetLogger(log.Component("uplink"))
	sessions.Bind(processor, dispatcher)

	if openErr := sessions.OpenAll(ctx); openErr != nil {
		return fmt.Errorf("opening edge sessions: %w", openErr)
	}
	log.Info("edge sessions opened", "sessions", len(sessions.Sessions()))

	if bindErr := transport.Bind(ctx, sessions); bindErr != nil {
		return fmt.Errorf("binding MQTT transport: %w", bindErr)
	}
	log.Info("MQTT transport bound", "prefix", cfg.MQTT.Topics.Prefix)

	mutations, err := mutation.New(mutation.Deps{
		Store:      store,
		Graph:      g,
		Dispatcher: dispatcher,
		Locks:      locks,
		Registry:   registry,
		Sessions:   sessions,
		Recorder:   recorder,
		TenantID:   tenantID,
	})
	if err != nil {
		return fmt.Errorf("creating mutation service: %w", err)
	}
	mutations.SetLogger(log.Component("mutation"))

	health := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		health["influxdb"] = influxClient
	}

	if err := healthCheck(ctx, health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.Component("api"),
		Mutations:  mutations,
		Store:      store,
		Registry:   registry,
		Graph:      g,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		AuditRepo:  auditRepo,
		DB:         db.DB,
		Health:     health,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Edge sessions
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("edge sync stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses EDGESYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("EDGESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// parseInheritTypes converts sync.inherit_owner_types into entity types.
func parseInheritTypes(names []string) ([]entity.Type, error) {
	types := make([]entity.Type, 0, len(names))
	for _, name := range names {
		t, err := entity.ParseType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: Every failing component, joined, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	var errs []error
	for name, checker := range checks {
		if err := checker.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// runToken implements "edgesync token". It signs an API token with the
// configured JWT secret and writes it to out.
//
// Parameters:
//   - args: Command-line arguments after "token"
//   - out: Destination for the token
//
// Returns:
//   - error: Flag, config or signing failure
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator identity recorded in audit entries")
	role := fs.String("role", string(auth.RoleAdmin), "token role (viewer or admin)")
	ttl := fs.Int("ttl", 0, "lifetime in minutes (default security.jwt.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	minutes := *ttl
	if minutes <= 0 {
		minutes = cfg.Security.JWT.AccessTokenTTL
	}
	token, err := auth.GenerateAccessToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, minutes)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}
