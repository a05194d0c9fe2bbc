package logger

import (
	"log/slog"
	"os"
	"strings"
)

// L is the process-wide logger configured by Init. Components receive it via
// constructor injection; nothing should reach for slog.Default directly.
var L = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures the process logger. Level is one of debug/info/warn/error,
// format is text or json.
func Init(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	L = slog.New(handler)
	slog.SetDefault(L)
}
