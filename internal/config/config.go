// Package config holds the typed root configuration: defaults, YAML file
// loading, and validation. Components receive their section explicitly; no
// implicit globals.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanyastaff/nebula-sub013/internal/credential"
	"github.com/vanyastaff/nebula-sub013/internal/database"
	"github.com/vanyastaff/nebula-sub013/internal/observability"
	"github.com/vanyastaff/nebula-sub013/internal/resource"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

// Config is the root configuration.
type Config struct {
	Logging  observability.LoggingConfig `yaml:"logging" json:"logging"`
	Database database.Config             `yaml:"database" json:"database"`
	Security SecurityConfig              `yaml:"security" json:"security"`
	Cache    credential.CacheConfig      `yaml:"cache" json:"cache"`
	Pool     resource.PoolConfig         `yaml:"pool" json:"pool"`
	Engine   EngineConfig                `yaml:"engine" json:"engine"`
	Events   EventsConfig                `yaml:"events" json:"events"`
}

// SecurityConfig locates the credential master key.
type SecurityConfig struct {
	// MasterKeyPath is the file holding the encryption master key. The key
	// is created on first use when missing.
	MasterKeyPath string `yaml:"master_key_path" json:"master_key_path"`
}

// EngineConfig carries execution defaults applied when a workflow or a run
// does not set its own.
type EngineConfig struct {
	// MaxConcurrency caps nodes running at once within a level.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// DefaultTimeout bounds executions with no configured timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// InlineOutputLimit is the byte threshold above which node outputs move
	// to external storage.
	InlineOutputLimit int64 `yaml:"inline_output_limit" json:"inline_output_limit"`
}

// Budget converts the engine defaults into an execution budget.
func (c EngineConfig) Budget() workflow.Budget {
	return workflow.Budget{
		Timeout:           c.DefaultTimeout,
		MaxConcurrency:    c.MaxConcurrency,
		InlineOutputLimit: c.InlineOutputLimit,
	}
}

// EventsConfig sizes the event bus.
type EventsConfig struct {
	// BufferSize is the default per-subscriber channel buffer.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		Logging:  observability.DefaultLoggingConfig(),
		Database: database.DefaultConfig("nebula.db"),
		Security: SecurityConfig{MasterKeyPath: "nebula.key"},
		Cache:    credential.DefaultCacheConfig(),
		Pool:     resource.DefaultPoolConfig(),
		Engine: EngineConfig{
			MaxConcurrency:    8,
			DefaultTimeout:    10 * time.Minute,
			InlineOutputLimit: workflow.DefaultInlineOutputLimit,
		},
		Events: EventsConfig{BufferSize: 1024},
	}
}

// Validate checks the configuration, collecting every problem rather than
// stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path must not be empty"))
	}
	if c.Database.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("database.max_open_conns must be at least 1"))
	}
	if c.Security.MasterKeyPath == "" {
		errs = append(errs, fmt.Errorf("security.master_key_path must not be empty"))
	}
	if c.Cache.MaxCapacity < 1 {
		errs = append(errs, fmt.Errorf("cache.max_capacity must be at least 1"))
	}
	if c.Pool.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("pool.max_size must be at least 1"))
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("pool.min_size must not exceed pool.max_size"))
	}
	if c.Engine.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must not be negative"))
	}
	if c.Engine.InlineOutputLimit < 0 {
		errs = append(errs, fmt.Errorf("engine.inline_output_limit must not be negative"))
	}
	if c.Events.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("events.buffer_size must be at least 1"))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// LoadFile reads a YAML configuration file over the defaults: sections the
// file omits keep their default values. Durations may be written either as
// integer nanoseconds or in Go syntax ("30s", "5m").
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	normalized, err := yaml.Marshal(normalizeDurations(doc))
	if err != nil {
		return Config{}, fmt.Errorf("failed to normalize config file: %w", err)
	}
	if err := yaml.Unmarshal(normalized, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// normalizeDurations rewrites strings in Go duration syntax ("30s") to
// integer nanoseconds so yaml can decode them into time.Duration fields.
// Only strings ending in a unit letter are considered, so ordinary string
// values pass through untouched.
func normalizeDurations(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeDurations(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeDurations(item)
		}
		return out
	case string:
		if len(val) > 1 {
			last := val[len(val)-1]
			if last >= 'a' && last <= 'z' {
				if d, err := time.ParseDuration(val); err == nil {
					return int64(d)
				}
			}
		}
		return val
	default:
		return v
	}
}
