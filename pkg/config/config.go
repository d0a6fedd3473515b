// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

// Config holds the service configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// RedisURL is the shared store connection string (redis://...).
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	KeyPrefix     string        `env:"CACHE_KEY_PREFIX" envDefault:"voxcache"`
	MemoryTTL     time.Duration `env:"CACHE_MEMORY_TTL" envDefault:"100ms"`
	DefaultTTL    time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
	NamespaceTTLs TTLMap        `env:"CACHE_NAMESPACE_TTLS"`

	LocalMaxEntries int      `env:"CACHE_LOCAL_MAX_ENTRIES" envDefault:"5000"`
	LocalMaxBytes   ByteSize `env:"CACHE_LOCAL_MAX_BYTES" envDefault:"100MiB"`

	// StaleThreshold is the route TTL above which stale responses are served
	// while revalidating.
	StaleThreshold time.Duration `env:"CACHE_STALE_THRESHOLD" envDefault:"60s"`

	StoreOpTimeout  time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"500ms"`
	StoreMaxRetries int           `env:"STORE_MAX_RETRIES" envDefault:"10"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and key segment syntax.
func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("CACHE_KEY_PREFIX must not be empty")
	}
	if err := keys.ValidateNamespace(c.KeyPrefix); err != nil {
		return fmt.Errorf("CACHE_KEY_PREFIX: %w", err)
	}
	for ns := range c.NamespaceTTLs {
		if err := keys.ValidateNamespace(ns); err != nil {
			return fmt.Errorf("CACHE_NAMESPACE_TTLS: %w", err)
		}
	}
	if c.MemoryTTL <= 0 || c.DefaultTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.LocalMaxEntries <= 0 {
		return fmt.Errorf("CACHE_LOCAL_MAX_ENTRIES must be positive, got %d", c.LocalMaxEntries)
	}
	if c.LocalMaxBytes <= 0 {
		return fmt.Errorf("CACHE_LOCAL_MAX_BYTES must be positive")
	}
	if c.StoreMaxRetries < 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must not be negative")
	}
	return nil
}

// ByteSize is a size parsed from strings such as "100MiB" or "20 MB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// TTLMap maps namespaces to lifetimes, parsed from "agents=10m,calls=2m".
type TTLMap map[string]time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *TTLMap) UnmarshalText(text []byte) error {
	out := TTLMap{}
	for _, pair := range strings.Split(string(text), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ns, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid namespace TTL %q: want namespace=duration", pair)
		}
		ttl, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid namespace TTL %q: %w", pair, err)
		}
		if ttl <= 0 {
			return fmt.Errorf("invalid namespace TTL %q: must be positive", pair)
		}
		out[strings.TrimSpace(ns)] = ttl
	}
	*m = out
	return nil
}

// String renders the map sorted by namespace.
func (m TTLMap) String() string {
	names := make([]string, 0, len(m))
	for ns := range m {
		names = append(names, ns)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, ns := range names {
		parts[i] = ns + "=" + m[ns].String()
	}
	return strings.Join(parts, ",")
}
