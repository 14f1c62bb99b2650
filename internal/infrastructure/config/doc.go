// Package config handles loading and validating edge sync service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with EDGESYNC_* environment variables
//   - Validation of required fields and sync engine limits
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ackTimeout := cfg.Sync.GetAckTimeout()
package config
