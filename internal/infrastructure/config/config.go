package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Conflict policy names accepted by sync.conflict_policy.
const (
	ConflictPolicyRandomSuffix  = "random_suffix"
	ConflictPolicyCounterSuffix = "counter_suffix"
)

// Config is the root configuration structure for the edge sync service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Sync      SyncConfig      `yaml:"sync"`
}

// SiteConfig identifies this cloud instance.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// TenantID is the default tenant applied to admin-created entities
	// that do not carry one. Must be a UUID.
	TenantID string `yaml:"tenant_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Topics    MQTTTopicsConfig    `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// MQTTTopicsConfig controls the topic namespace used for edge traffic.
type MQTTTopicsConfig struct {
	Prefix string `yaml:"prefix"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for sync metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for the admin API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// SyncConfig tunes the edge synchronization engine.
type SyncConfig struct {
	// AckTimeout is how long a session waits for an edge to acknowledge
	// a batch of downlink messages (seconds).
	AckTimeout int `yaml:"ack_timeout"`

	// BatchSize is the maximum number of queued messages sent per round trip.
	BatchSize int `yaml:"batch_size"`

	// Retry controls the backoff between failed delivery rounds.
	Retry SyncRetryConfig `yaml:"retry"`

	// InboxSize bounds the per-edge inbound buffer.
	InboxSize int `yaml:"inbox_size"`

	// ConflictPolicy selects how a colliding name is disambiguated when an
	// edge creates an entity: "random_suffix" or "counter_suffix".
	ConflictPolicy string `yaml:"conflict_policy"`

	// InheritOwnerTypes lists entity types that follow their owner's edge
	// assignment (e.g. ENTITY_VIEW).
	InheritOwnerTypes []string `yaml:"inherit_owner_types"`

	// FullSyncOnConnect pushes every held entity when an edge connects.
	FullSyncOnConnect bool `yaml:"full_sync_on_connect"`

	// PersistQueue stores outbound queues in SQLite so unacknowledged
	// messages survive a restart.
	PersistQueue bool `yaml:"persist_queue"`

	// RequestTimeout bounds admin-initiated waits on an edge (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// SyncRetryConfig contains delivery backoff settings (milliseconds).
type SyncRetryConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EDGESYNC_SECTION_KEY
// For example: EDGESYNC_DATABASE_PATH, EDGESYNC_SYNC_ACK_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. It is not validated, since
// the JWT secret has no default.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "cloud-001",
			Name:     "Edge Sync",
			TenantID: "00000000-0000-0000-0000-000000000001",
		},
		Database: DatabaseConfig{
			Path:        "./data/edgesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "edgesync-cloud",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			Topics: MQTTTopicsConfig{
				Prefix: "edgesync",
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
		Sync: SyncConfig{
			AckTimeout: 10,
			BatchSize:  50,
			Retry: SyncRetryConfig{
				InitialDelay: 500,
				MaxDelay:     30000,
			},
			InboxSize:         256,
			ConflictPolicy:    ConflictPolicyRandomSuffix,
			FullSyncOnConnect: true,
			PersistQueue:      true,
			RequestTimeout:    30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: EDGESYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("EDGESYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("EDGESYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("EDGESYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("EDGESYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("EDGESYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("EDGESYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("EDGESYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Sync
	if v := os.Getenv("EDGESYNC_SYNC_ACK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.AckTimeout = n
		}
	}
	if v := os.Getenv("EDGESYNC_SYNC_CONFLICT_POLICY"); v != "" {
		cfg.Sync.ConflictPolicy = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Site.TenantID == "" {
		errs = append(errs, "site.tenant_id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Topics.Prefix == "" || strings.ContainsAny(c.MQTT.Topics.Prefix, "+#") {
		errs = append(errs, "mqtt.topics.prefix must be non-empty and contain no wildcards")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The admin API mutates what every edge sees, so a forgeable token
	// secret is not acceptable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set EDGESYNC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Sync.AckTimeout <= 0 {
		errs = append(errs, "sync.ack_timeout must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, "sync.batch_size must be positive")
	}
	if c.Sync.InboxSize <= 0 {
		errs = append(errs, "sync.inbox_size must be positive")
	}
	if c.Sync.Retry.InitialDelay <= 0 || c.Sync.Retry.MaxDelay < c.Sync.Retry.InitialDelay {
		errs = append(errs, "sync.retry delays must be positive with max_delay >= initial_delay")
	}
	switch c.Sync.ConflictPolicy {
	case ConflictPolicyRandomSuffix, ConflictPolicyCounterSuffix:
	default:
		errs = append(errs, fmt.Sprintf("sync.conflict_policy %q is not supported", c.Sync.ConflictPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetAckTimeout returns the downlink acknowledgement timeout as a Duration.
func (c *SyncConfig) GetAckTimeout() time.Duration {
	return time.Duration(c.AckTimeout) * time.Second
}

// GetRetryInitialDelay returns the first delivery backoff step.
func (c *SyncConfig) GetRetryInitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelay) * time.Millisecond
}

// GetRetryMaxDelay returns the delivery backoff ceiling.
func (c *SyncConfig) GetRetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelay) * time.Millisecond
}

// GetRequestTimeout returns the admin request timeout as a Duration.
func (c *SyncConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
