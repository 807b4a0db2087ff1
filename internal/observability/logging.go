// Package observability provides the process logger and the execution
// context span stack. Executions push a span carrying a logger resource;
// nodes and actions push child spans whose effective resource is the merge
// of the active stack.
package observability

import (
	"io"
	"log/slog"
	"strings"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level" json:"level"`

	// Format is text or json. Empty means text.
	Format string `yaml:"format" json:"format"`
}

// DefaultLoggingConfig returns the defaults used when no config is given.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "text"}
}

// ParseLevel maps a config level string onto slog's levels, defaulting to
// info for unknown values.
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

// NewLogger builds a slog.Logger from config writing to w.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// sensitive field names are redacted from log attributes.
var sensitiveFields = map[string]bool{
	"apikey":     true,
	"secret":     true,
	"secretkey":  true,
	"password":   true,
	"token":      true,
	"credential": true,
	"dsn":        true,
}

// RedactArgs replaces values of sensitive keys in a key-value argument list
// with a redaction marker.
func RedactArgs(args []any) []any {
	if len(args)%2 != 0 {
		return args
	}
	redacted := make([]any, len(args))
	copy(redacted, args)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		normalized := strings.ToLower(strings.ReplaceAll(key, "_", ""))
		if sensitiveFields[normalized] {
			redacted[i+1] = "[REDACTED]"
		}
	}
	return redacted
}
