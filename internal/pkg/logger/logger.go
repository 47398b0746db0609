package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault builds the process logger: JSON lines on stdout at the given level.
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New builds a JSON logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug/info/warn/error to slog levels, defaulting to info.
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
