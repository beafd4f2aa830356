package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is below debug and carries wire-level payloads such as
// raw provider chunks and full relay frames.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name (trace, debug, info,
// warn, error) to an [slog.Level]. The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]bool{
	"api_key":       true,
	"password":      true,
	"authorization": true,
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] hook. It
// prints [LevelTrace] as TRACE rather than DEBUG-4 and masks
// credential-bearing attributes.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case secretKeys[strings.ToLower(a.Key)]:
		if a.Value.String() != "" {
			a.Value = slog.StringValue("[redacted]")
		}
	}
	return a
}

// NewLogger builds the process logger. Format "json" selects the JSON
// handler; anything else is logfmt-style text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by the config's log_level and
// log_format. Validate has already rejected unknown levels.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	return NewLogger(w, level, c.LogFormat)
}
