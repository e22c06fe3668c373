// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//   - Keeps the most recent entries in a ring buffer served by the API
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"capture": "debug",  // Per-module overrides
//			"libav":   "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("mymodule")
//	logger.Info("Starting up", "port", 8080)
//	logger.Debug("Details", "config", cfg)
//	logger.Warn("Something unusual", "error", err)
//	logger.Error("Failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("monitor").With("monitor_id", id)
//	logger.Info("Monitor started")  // Includes monitor_id in all logs
//
// # Log Levels
//
//	debug - Verbose debugging information
//	info  - General operational messages
//	warn  - Warning conditions
//	error - Error conditions
//
// # Output Destinations
//
// The system automatically detects available outputs:
//
//	Journal available + stdout available → MultiHandler (both)
//	Journal available only              → JournalHandler
//	Stdout available only               → TextHandler or JSONHandler
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t capturenode              # All capturenode logs
//	journalctl -t capturenode -f           # Follow live
//	journalctl -t capturenode --since "5m" # Last 5 minutes
//	journalctl -t capturenode -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t capturenode MODULE=capture
//	journalctl -t capturenode MONITOR_ID=front-door
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only, and can be changed at
// runtime with SetLevel. Messages from the decoding library arrive on the
// "libav" module.
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	capture = "debug"
//	libav = "warn"
//	api = "error"
package logging
