// Package logging provides structured logging for the FeeServer.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
// It is distinct from the message channel (package message), which carries
// operator-facing events to the control system; every message sent there is
// mirrored here as well.
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
//	logger.Info("server running", "server", cfg.Server.Name)
//	logger.Error("transport lost", "error", err)
package logging
