package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/gray-logic-edgesync/internal/auth"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
)

const testJWTSecret = "test-secret-for-development-only-32chars"

// writeConfig writes a config file for dbPath and points EDGESYNC_CONFIG at it.
func writeConfig(t *testing.T, dbPath string, mqttPort int) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")

	configContent := `
site:
  id: test-site
  tenant_id: "00000000-0000-0000-0000-000000000001"

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: ` + strconv.Itoa(mqttPort) + `
    client_id: "edgesync-test"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 5
  topics:
    prefix: edgesync

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 18080
  timeouts:
    read: 30
    write: 60
    idle: 120

security:
  jwt:
    secret: "` + testJWTSecret + `"
    access_token_ttl: 30

sync:
  inherit_owner_types: [ENTITY_VIEW]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("EDGESYNC_CONFIG", configPath)
	t.Setenv("EDGESYNC_JWT_SECRET", "")
	return configPath
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("EDGESYNC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	writeConfig(t, "", 1883)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_BrokerUnreachable verifies the schema is migrated before the
// broker is contacted, and that an unreachable broker aborts startup.
func TestRun_BrokerUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the MQTT connect timeout")
	}
	dbPath := filepath.Join(t.TempDir(), "edgesync.db")
	writeConfig(t, dbPath, 19999)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail without a broker")
	}
	if !strings.Contains(err.Error(), "connecting to MQTT") {
		t.Errorf("error = %v, want MQTT failure", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	for _, table := range []string{"entities", "edges", "edge_events", "audit_logs"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing after startup: %v", table, err)
		}
	}
}

// TestGetConfigPath verifies the default path and the environment override.
func TestGetConfigPath(t *testing.T) {
	t.Setenv("EDGESYNC_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("EDGESYNC_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", path)
	}
}

func TestParseInheritTypes(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []entity.Type
		wantErr bool
	}{
		{"empty", nil, []entity.Type{}, false},
		{"views", []string{"ENTITY_VIEW"}, []entity.Type{entity.TypeEntityView}, false},
		{"several", []string{"ENTITY_VIEW", "ASSET"}, []entity.Type{entity.TypeEntityView, entity.TypeAsset}, false},
		{"unknown", []string{"ROOM"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInheritTypes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRunToken(t *testing.T) {
	writeConfig(t, filepath.Join(t.TempDir(), "edgesync.db"), 1883)

	var out bytes.Buffer
	if err := runToken([]string{"-subject", "ops", "-role", "admin"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testJWTSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops" || claims.Role != auth.RoleAdmin {
		t.Errorf("claims = %s/%s, want ops/admin", claims.Subject, claims.Role)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl < 25*time.Minute || ttl > 31*time.Minute {
		t.Errorf("token lifetime = %v, want about 30m", ttl)
	}
}

func TestRunToken_Errors(t *testing.T) {
	writeConfig(t, filepath.Join(t.TempDir(), "edgesync.db"), 1883)

	tests := []struct {
		name string
		args []string
	}{
		{"missing subject", []string{"-role", "admin"}},
		{"unknown role", []string{"-subject", "ops", "-role", "root"}},
		{"unknown flag", []string{"-subject", "ops", "-bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runToken(tt.args, &out); err == nil {
				t.Errorf("runToken(%v) error = nil, want error", tt.args)
			}
			if out.Len() != 0 {
				t.Errorf("token written on failure: %q", out.String())
			}
		})
	}
}
