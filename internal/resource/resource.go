// Package resource manages shared infrastructure resources: registration
// with dependency ordering, per-type instance pools, and health tracking
// with transitive propagation to dependents.
package resource

import (
	"context"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// HealthState classifies a resource's availability.
type HealthState string

const (
	// Healthy resources serve acquisitions normally.
	Healthy HealthState = "healthy"

	// Degraded resources work but depend on something unhealthy.
	Degraded HealthState = "degraded"

	// Unhealthy resources are ineligible for acquisition.
	Unhealthy HealthState = "unhealthy"
)

// Status is a resource's current health with the reason it got there.
type Status struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Config carries resource-type-specific settings into Create.
type Config map[string]any

// Instance is one live resource instance, e.g. an open connection.
type Instance interface {
	// Close releases the instance's underlying handle.
	Close(ctx context.Context) error
}

// Definition describes a resource type: how to create instances, what it
// depends on, and how its pool is sized.
type Definition struct {
	// ID uniquely identifies the resource type.
	ID types.ResourceID

	// Name is the human-readable resource name used in logs and reasons.
	Name string

	// Config is passed to Create for every new instance.
	Config Config

	// Dependencies lists resource types that must be healthy for this one
	// to be fully operational.
	Dependencies []types.ResourceID

	// Create builds a new instance.
	Create func(ctx context.Context, cfg Config) (Instance, error)

	// HealthCheck probes an instance; nil means always healthy.
	HealthCheck func(ctx context.Context, inst Instance) error

	// Recycle resets an instance before it returns to the idle set; nil
	// means no reset is needed.
	Recycle func(ctx context.Context, inst Instance) error

	// Pool sizes this type's instance pool.
	Pool PoolConfig
}

// PoolConfig sizes and times a resource pool.
type PoolConfig struct {
	// MinSize is the warm floor kept ready.
	MinSize int `yaml:"min_size" json:"min_size"`

	// MaxSize caps live instances (active + idle + creating).
	MaxSize int `yaml:"max_size" json:"max_size"`

	// AcquireTimeout bounds how long a caller waits in the queue.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// MaxLifetime evicts instances older than this during maintenance.
	MaxLifetime time.Duration `yaml:"max_lifetime" json:"max_lifetime"`

	// IdleTimeout evicts instances idle longer than this during maintenance.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaintenanceInterval is the sweep period; zero disables the sweeper.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
}

// DefaultPoolConfig returns conservative pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:             0,
		MaxSize:             10,
		AcquireTimeout:      30 * time.Second,
		MaxLifetime:         time.Hour,
		IdleTimeout:         10 * time.Minute,
		MaintenanceInterval: time.Minute,
	}
}

// normalized fills zero values with defaults.
func (c PoolConfig) normalized() PoolConfig {
	def := DefaultPoolConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	return c
}
