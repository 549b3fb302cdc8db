package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a logger whose level can be changed later through the returned
// LevelVar.
func New(w io.Writer, level, format string) (*slog.Logger, *slog.LevelVar) {
	if w == nil {
		w = os.Stdout
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "console":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), lvl
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
