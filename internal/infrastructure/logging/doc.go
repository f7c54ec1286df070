// Package logging provides structured logging for the device client.
//
// This package wraps Go's standard log/slog package. There is no
// package-level logger: each component receives one from its constructor.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	sessionLog := logger.Component("session")
//	sessionLog.Info("connected", "host", host)
//
// # Security
//
// Never log device keys, connection strings or SAS tokens.
package logging
