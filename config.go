package dataflow

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/dataflowhq/dataflow/internal/logging"
	"github.com/dataflowhq/dataflow/pkg/cache"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

const maxWalkDepth = 25

// Config is the resolved engine configuration. Precedence, lowest to
// highest: defaults, an optional dataflow.yaml discovered by walking up
// from the working directory, DATAFLOW_-prefixed environment variables,
// and functional options passed to New.
type Config struct {
	// DatabaseURL is the connection URL fallback when New receives an
	// empty one. Also reachable as DATAFLOW_DATABASE_URL.
	DatabaseURL string `mapstructure:"database_url"`

	// ApplicationID tags migration history rows so several applications
	// can share one database. Empty means "dataflow".
	ApplicationID string `mapstructure:"application_id"`

	// AutoMigrate applies pending schema changes for the registered
	// models during Initialize. Plans in the critical risk band are
	// never auto-applied; they surface an error directing to Migrate
	// with Confirmed set.
	AutoMigrate bool `mapstructure:"auto_migrate"`

	// ExistingSchemaMode declares the live schema externally managed:
	// Initialize verifies that every registered model's table exists,
	// and the engine refuses to issue DDL.
	ExistingSchemaMode bool `mapstructure:"existing_schema_mode"`

	// MultiTenant enables the tenant registry and tenant scoping for
	// models declared multi-tenant.
	MultiTenant bool `mapstructure:"multi_tenant"`

	// TestMode makes connection-scope cleanup aggressive after each
	// operation.
	TestMode bool `mapstructure:"test_mode"`

	// BulkBatchSize bounds multi-row INSERT batches.
	BulkBatchSize int `mapstructure:"bulk_batch_size"`

	Log   LogConfig   `mapstructure:"log"`
	Cache CacheConfig `mapstructure:"cache"`
	Pool  PoolConfig  `mapstructure:"pool"`
}

// LogConfig selects the logging preset and per-category levels.
//
// Under the from-env preset the level fields are additionally overridden
// by DATAFLOW_LOG_LEVEL, DATAFLOW_NODE_EXECUTION_LOG_LEVEL,
// DATAFLOW_SQL_GENERATION_LOG_LEVEL, and DATAFLOW_MIGRATION_LOG_LEVEL.
type LogConfig struct {
	// Preset is production, development, quiet, or from-env. Empty
	// means production.
	Preset string `mapstructure:"preset"`

	// Level overrides the preset's root level. Accepts zap level names
	// and numeric levels in the 10/20/30/40/50 scheme.
	Level string `mapstructure:"level"`

	// Per-category overrides. Empty inherits the root level.
	Core           string `mapstructure:"core"`
	NodeExecution  string `mapstructure:"node_execution"`
	SQLGeneration  string `mapstructure:"sql_generation"`
	ListOperations string `mapstructure:"list_operations"`
	Migration      string `mapstructure:"migration"`
}

// CacheConfig controls the fingerprint query cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`

	// MaxEntries bounds the in-memory store. Ignored when RedisURL is
	// set.
	MaxEntries int `mapstructure:"max_entries"`

	// RedisURL switches the cache to a Redis backend, e.g.
	// redis://localhost:6379/0.
	RedisURL string `mapstructure:"redis_url"`
}

// PoolConfig bounds the adapter's connection pool.
type PoolConfig struct {
	// MinConns is the idle floor kept warm; MaxConns caps the pool.
	// Zero keeps the driver defaults.
	MinConns int `mapstructure:"min_conns"`
	MaxConns int `mapstructure:"max_conns"`

	// Timeout bounds the initial liveness ping during Initialize.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogCategory names one of the engine's log streams.
type LogCategory = logging.Category

// The configurable log categories.
const (
	LogCore           = logging.Core
	LogNodeExecution  = logging.NodeExecution
	LogSQLGeneration  = logging.SQLGeneration
	LogListOperations = logging.ListOperations
	LogMigration      = logging.Migration
)

// Option overrides one resolved configuration value.
type Option func(*Config)

// WithApplicationID tags this engine's migration history rows.
func WithApplicationID(id string) Option {
	return func(c *Config) { c.ApplicationID = id }
}

// WithAutoMigrate toggles schema migration during Initialize.
func WithAutoMigrate(enabled bool) Option {
	return func(c *Config) { c.AutoMigrate = enabled }
}

// WithExistingSchemaMode toggles externally-managed-schema mode.
func WithExistingSchemaMode(enabled bool) Option {
	return func(c *Config) { c.ExistingSchemaMode = enabled }
}

// WithMultiTenant toggles the tenant registry and tenant scoping.
func WithMultiTenant(enabled bool) Option {
	return func(c *Config) { c.MultiTenant = enabled }
}

// WithTestMode toggles aggressive connection-scope cleanup.
func WithTestMode(enabled bool) Option {
	return func(c *Config) { c.TestMode = enabled }
}

// WithBulkBatchSize caps the rows per generated multi-row INSERT.
func WithBulkBatchSize(n int) Option {
	return func(c *Config) { c.BulkBatchSize = n }
}

// WithPoolSize bounds the connection pool. Zero keeps the driver default
// for that bound.
func WithPoolSize(minConns, maxConns int) Option {
	return func(c *Config) {
		c.Pool.MinConns = minConns
		c.Pool.MaxConns = maxConns
	}
}

// WithPoolTimeout bounds the initial liveness ping during Initialize.
func WithPoolTimeout(d time.Duration) Option {
	return func(c *Config) { c.Pool.Timeout = d }
}

// WithCacheEnabled toggles the query cache.
func WithCacheEnabled(enabled bool) Option {
	return func(c *Config) { c.Cache.Enabled = enabled }
}

// WithCacheTTL sets the cache entry lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Config) { c.Cache.TTL = ttl }
}

// WithCacheMaxEntries bounds the in-memory cache store.
func WithCacheMaxEntries(n int) Option {
	return func(c *Config) { c.Cache.MaxEntries = n }
}

// WithRedisCache backs the query cache with a Redis instance.
func WithRedisCache(url string) Option {
	return func(c *Config) {
		c.Cache.Enabled = true
		c.Cache.RedisURL = url
	}
}

// WithLogPreset selects production, development, quiet, or from-env.
func WithLogPreset(preset string) Option {
	return func(c *Config) { c.Log.Preset = preset }
}

// WithLogLevel overrides the root log level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.Log.Level = level }
}

// WithLogLevels overrides individual category levels.
func WithLogLevels(levels map[LogCategory]string) Option {
	return func(c *Config) {
		for cat, level := range levels {
			switch cat {
			case LogCore:
				c.Log.Core = level
			case LogNodeExecution:
				c.Log.NodeExecution = level
			case LogSQLGeneration:
				c.Log.SQLGeneration = level
			case LogListOperations:
				c.Log.ListOperations = level
			case LogMigration:
				c.Log.Migration = level
			}
		}
	}
}

// loadConfig resolves defaults, the optional config file, and the
// environment. Functional options apply on top of the result.
func loadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := findConfigFile()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fault.Wrap(fault.KindValidation, err, "reading %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fault.Wrap(fault.KindValidation, err, "unmarshaling configuration")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("application_id", "")
	v.SetDefault("auto_migrate", false)
	v.SetDefault("existing_schema_mode", false)
	v.SetDefault("multi_tenant", false)
	v.SetDefault("test_mode", false)
	v.SetDefault("bulk_batch_size", 1000)

	v.SetDefault("log.preset", string(logging.PresetProduction))
	v.SetDefault("log.level", "")
	v.SetDefault("log.core", "")
	v.SetDefault("log.node_execution", "")
	v.SetDefault("log.sql_generation", "")
	v.SetDefault("log.list_operations", "")
	v.SetDefault("log.migration", "")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", cache.DefaultTTL)
	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("pool.min_conns", 0)
	v.SetDefault("pool.max_conns", 0)
	v.SetDefault("pool.timeout", 10*time.Second)
}

// findConfigFile walks up from the working directory looking for
// dataflow.yaml or dataflow.yml, stopping at a .git boundary. Empty when
// none exists; defaults and the environment then stand alone.
func findConfigFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "resolving working directory")
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range []string{"dataflow.yaml", "dataflow.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// build resolves the per-category logger set from the log configuration.
func (c LogConfig) build() (*logging.Set, error) {
	preset := logging.Preset(c.Preset)
	switch preset {
	case logging.PresetProduction, logging.PresetDevelopment, logging.PresetQuiet, logging.PresetFromEnv:
	case "":
		preset = logging.PresetProduction
	default:
		return nil, fault.New(fault.KindValidation,
			"unknown log preset %q (production, development, quiet, from-env)", c.Preset)
	}
	return logging.New(logging.Config{
		Preset: preset,
		Level:  c.Level,
		CategoryLevels: map[logging.Category]string{
			logging.Core:           c.Core,
			logging.NodeExecution:  c.NodeExecution,
			logging.SQLGeneration:  c.SQLGeneration,
			logging.ListOperations: c.ListOperations,
			logging.Migration:      c.Migration,
		},
	})
}

// store builds the cache backend the configuration names: Redis when a
// URL is set, the bounded in-memory store otherwise.
func (c CacheConfig) store() (cache.Store, error) {
	if c.RedisURL == "" {
		return cache.NewMemoryStore(c.MaxEntries), nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parsing cache.redis_url")
	}
	return cache.NewRedisStore(redis.NewClient(opts)), nil
}
