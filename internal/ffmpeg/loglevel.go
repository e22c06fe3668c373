package ffmpeg

import (
	"log/slog"
	"strings"
)

// LogLevel maps a libav log level name onto a slog level.
// Unknown names log at info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "quiet", "panic", "fatal", "error":
		return slog.LevelError
	case "warning":
		return slog.LevelWarn
	case "verbose", "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogModule is the logging module libav messages are written to.
const LogModule = "libav"

// IsLogLevel reports whether s is a libav log level name.
func IsLogLevel(s string) bool {
	switch strings.ToLower(s) {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	}
	return false
}

// CleanLogMessage strips the trailing newline libav appends to every line.
func CleanLogMessage(msg string) string {
	return strings.TrimRight(msg, "\r\n")
}
