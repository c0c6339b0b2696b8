// Package logging builds the engine's structured logger and keeps secrets out
// of log records and user-facing messages.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Config selects the logger level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// New creates a logger writing to w. Attributes with sensitive keys are
// redacted and error values are scrubbed of embedded credentials.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitiveField(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	if a.Key == "error" || a.Key == "message" {
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, MaskSensitivePatterns(v.Error()))
		case string:
			return slog.String(a.Key, MaskSensitivePatterns(v))
		}
	}
	return a
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
