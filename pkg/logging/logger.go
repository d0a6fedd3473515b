// Package logging configures zerolog for the cache service and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component names used as the "component" field.
const (
	ComponentStore      = "store"
	ComponentTiered     = "tiered"
	ComponentLocalCache = "localcache"
	ComponentHTTPCache  = "httpcache"
	ComponentAPI        = "api"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every entry when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "voxcache",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to
// info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger for the given component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-operation detail
//   - Hit/miss per key, pattern invalidations and removed counts
//   - Shared store unavailable (expected while reconnecting)
//   - Revalidation skipped because the pool is saturated
//
// Info: lifecycle
//   - Store connected, reconnected
//   - Cache warm summaries
//   - Server startup/shutdown
//
// Warn: degraded but serving
//   - Shared store operation failures
//   - Cached payloads that no longer decode (format/version mismatch)
//   - Background revalidation failures, response store failures
//   - Reconnect attempts
//
// Error: needs attention
//   - Missing tenant/user identity for a cached route (misuse)
//   - Reconnect attempts exhausted
//   - Configuration errors
//
// Context Fields:
//   - component: store, tiered, localcache, httpcache, api
//   - cache: local cache instance name
//   - key: full cache key
//   - pattern: invalidation pattern
//   - resource: cached HTTP resource
//   - op: store operation
//   - attempt: reconnect attempt
