package logging

import (
	"io"
	"log/slog"
	"strings"

	"hermannm.dev/devlog"
)

// New returns a JSON logger, or a human-readable devlog logger when format
// is "dev".
func New(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.LevelVar
	lvl.Set(ParseLevel(level))
	if strings.EqualFold(format, "dev") {
		return slog.New(devlog.NewHandler(w, &devlog.Options{Level: &lvl}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &lvl}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
