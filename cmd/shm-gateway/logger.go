package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shm-gw/sensor-gateway/internal/logging"
)

// setupLogger builds the global logger. When logDir is non-empty, logs go
// to <logDir>/shm-gateway.log instead of stderr.
func setupLogger(format, level, logDir string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(logDir, "shm-gateway.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				w = f
			}
		}
	}

	l := logging.New(format, lvl, w).With("app", "shm-gateway")
	logging.Set(l)
	return l
}
