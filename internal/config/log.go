package config

import (
	"io"
	"log/slog"
	"os"
)

// NewLogHandler builds the handler selected by LOG_FORMAT. Its level tracks
// LOG_LEVEL for as long as the config is watched.
func NewLogHandler(w io.Writer, cfg *Config) slog.Handler {
	level := new(slog.LevelVar)
	cfg.OnLogLevelChange(level.Set)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.GetLogFormat() == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetupLog installs a stderr logger tagged with the service name.
func SetupLog(cfg *Config) {
	slog.SetDefault(slog.New(NewLogHandler(os.Stderr, cfg)).With("service", cfg.GetServiceName()))
}
