// Package logging provides structured logging for OKM Core.
//
// This package wraps Go's standard log/slog package so every component
// (links, crawler, recovery, API) logs with the same fields.
//
// # Features
//
//   - JSON output for production, text output on the bench
//   - Default fields (service, version) on all log entries
//   - Level-based filtering, adjustable at runtime (the --log flag)
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
//	logger.Info("unlock confirmed", "device_id", 10, "key_id", key)
//
// Badge identifiers are logged as-is; they are the audit subject. Never log
// MQTT passwords, InfluxDB tokens or JWT secrets.
package logging
