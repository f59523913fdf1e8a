// Package logging sets up the process-wide slog logger with the two extra
// levels (trace, fatal) the CLI exposes.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// LevelTrace is below slog.LevelDebug and carries per-event wire dumps.
	LevelTrace = slog.LevelDebug - 4
	// LevelFatal is above slog.LevelError; the caller exits after logging it.
	LevelFatal = slog.LevelError + 4
)

// ParseLevel maps a CLI level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a text-handler logger on stdout at the given level. The handler
// renames the custom levels so they do not render as DEBUG-4 / ERROR+4.
func New(level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok {
					switch lv {
					case LevelTrace:
						a.Value = slog.StringValue("TRACE")
					case LevelFatal:
						a.Value = slog.StringValue("FATAL")
					}
				}
			}
			return a
		},
	})
	return slog.New(h)
}
