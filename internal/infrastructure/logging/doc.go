// Package logging provides structured logging for the edge sync service.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and can add its own (component, edge_id).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	sessionLog := logger.Component("session").ForEdge(edgeID)
//	sessionLog.Info("edge connected", "full_sync", true)
//
// Never log edge secrets or admin tokens.
package logging
