package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level
// payloads: provider requests, synthesized source, sandbox output.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name to an [slog.Level].
// Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = []string{"api_key", "password", "shutdown_key", "authorization", "token"}

// ReplaceLogAttrs is the [slog.HandlerOptions.ReplaceAttr] used by every
// Wright logger. It names [LevelTrace] "TRACE" rather than "DEBUG-4" and
// masks attributes that carry credentials.
func ReplaceLogAttrs(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case slices.Contains(secretKeys, strings.ToLower(a.Key)):
		if a.Value.String() != "" {
			a.Value = slog.StringValue("[redacted]")
		}
	}
	return a
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogAttrs}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger c asks for. c must have passed Validate.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	return NewLogger(w, level, c.LogFormat)
}
