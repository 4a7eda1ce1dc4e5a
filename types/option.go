package types

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context
	/**
	 * default: 64
	 * the engine runs at most this many request tasks at once.
	 */
	MaxTaskConcurrency int `default:"64"`
	/**
	 * default: true, can set it to false and *important*
	 * caller should call Engine.RunOnce() looply.
	 */
	AutoStart bool `default:"true"`
	/**
	 * default: true, only set it to false when doing debugging or testing.
	 * If TaskRunAsync is true, every dispatched task runs on the worker pool
	 * and may not have finished when RunOnce returns. Otherwise queued tasks
	 * run one by one inside RunOnce.
	 */
	TaskRunAsync bool `default:"true"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`

	/**
	 * TaskRetryCount is the number of retries after the first attempt of
	 * an access, erasure or consent call.
	 */
	TaskRetryCount int `default:"1"`
	// TaskRetryDelay is the wait before the first retry.
	TaskRetryDelay time.Duration `default:"1s"`
	// TaskRetryBackoff multiplies the delay after every retry.
	TaskRetryBackoff float64 `default:"1"`

	// Connectors builds a connector for each connection config in use.
	Connectors ConnectorRegistry

	// PostgreSQL store configuration
	// If both MemStore and PostgresConfig are set, PostgresConfig takes precedence
	PostgresConfig *PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxTaskConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxTaskConcurrency = concurrency
	}
}

func DisableAutoStart() EngineOption {
	return func(opts *EngineOptions) {
		opts.AutoStart = false
	}
}

func DisableTaskRunAsync() EngineOption {
	return func(opts *EngineOptions) {
		opts.TaskRunAsync = false
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// SetTaskRetry configures the retry decorator around connector calls.
func SetTaskRetry(count int, delay time.Duration, backoff float64) EngineOption {
	return func(opts *EngineOptions) {
		opts.TaskRetryCount = count
		opts.TaskRetryDelay = delay
		opts.TaskRetryBackoff = backoff
	}
}

func WithConnectorRegistry(registry ConnectorRegistry) EngineOption {
	return func(opts *EngineOptions) {
		opts.Connectors = registry
	}
}

// WithPostgresConfig configures the engine to use PostgreSQL store
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}
