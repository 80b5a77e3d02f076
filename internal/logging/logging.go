// Package logging builds the zap loggers used across the engine. Each log
// category carries its own level so SQL generation can run at debug while
// node execution stays at info. Field values pass the sensitive mask before
// emission.
package logging

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dataflowhq/dataflow/internal/ident"
)

// Category names a log stream with an independently configurable level.
type Category string

const (
	Core           Category = "core"
	NodeExecution  Category = "node_execution"
	SQLGeneration  Category = "sql_generation"
	ListOperations Category = "list_operations"
	Migration      Category = "migration"
)

// Categories lists every category in declaration order.
var Categories = []Category{Core, NodeExecution, SQLGeneration, ListOperations, Migration}

// Preset selects a base zap configuration.
type Preset string

const (
	// PresetProduction emits JSON at info level.
	PresetProduction Preset = "production"
	// PresetDevelopment emits console output at debug level.
	PresetDevelopment Preset = "development"
	// PresetQuiet emits JSON at error level only.
	PresetQuiet Preset = "quiet"
	// PresetFromEnv is production overridden by DATAFLOW_LOG_LEVEL and the
	// per-category environment variables.
	PresetFromEnv Preset = "from-env"
)

// Environment variables recognized by PresetFromEnv. list_operations has a
// config key but no dedicated variable; it follows the root level.
const (
	EnvLogLevel              = "DATAFLOW_LOG_LEVEL"
	EnvNodeExecutionLogLevel = "DATAFLOW_NODE_EXECUTION_LOG_LEVEL"
	EnvSQLGenerationLogLevel = "DATAFLOW_SQL_GENERATION_LOG_LEVEL"
	EnvMigrationLogLevel     = "DATAFLOW_MIGRATION_LOG_LEVEL"
)

var categoryEnv = map[Category]string{
	NodeExecution: EnvNodeExecutionLogLevel,
	SQLGeneration: EnvSQLGenerationLogLevel,
	Migration:     EnvMigrationLogLevel,
}

// Config resolves to one logger per category.
type Config struct {
	Preset Preset
	// Level overrides the preset's root level ("debug".."fatal", or a
	// numeric level).
	Level string
	// CategoryLevels overrides individual categories.
	CategoryLevels map[Category]string
}

// Set holds the per-category loggers handed to engine components.
type Set struct {
	loggers map[Category]*zap.Logger
	levels  map[Category]zapcore.Level
}

// New builds a Set from cfg. Unknown level strings fail with an error
// naming the offending value.
func New(cfg Config) (*Set, error) {
	base, rootLevel := presetConfig(cfg.Preset)

	if cfg.Level != "" {
		lvl, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		rootLevel = lvl
	}
	if cfg.Preset == PresetFromEnv {
		if s := os.Getenv(EnvLogLevel); s != "" {
			lvl, err := ParseLevel(s)
			if err != nil {
				return nil, err
			}
			rootLevel = lvl
		}
	}

	set := &Set{
		loggers: make(map[Category]*zap.Logger, len(Categories)),
		levels:  make(map[Category]zapcore.Level, len(Categories)),
	}
	for _, cat := range Categories {
		lvl := rootLevel
		if s, ok := cfg.CategoryLevels[cat]; ok && s != "" {
			parsed, err := ParseLevel(s)
			if err != nil {
				return nil, err
			}
			lvl = parsed
		} else if cfg.Preset == PresetFromEnv {
			if env := categoryEnv[cat]; env != "" {
				if s := os.Getenv(env); s != "" {
					parsed, err := ParseLevel(s)
					if err != nil {
						return nil, err
					}
					lvl = parsed
				}
			}
		}

		cc := base
		cc.Level = zap.NewAtomicLevelAt(lvl)
		logger, err := cc.Build()
		if err != nil {
			return nil, err
		}
		set.loggers[cat] = logger.Named(string(cat))
		set.levels[cat] = lvl
	}
	return set, nil
}

// Nop returns a Set that discards everything. Used by tests and as the
// default before configuration is loaded.
func Nop() *Set {
	set := &Set{
		loggers: make(map[Category]*zap.Logger, len(Categories)),
		levels:  make(map[Category]zapcore.Level, len(Categories)),
	}
	for _, cat := range Categories {
		set.loggers[cat] = zap.NewNop()
		set.levels[cat] = zapcore.InvalidLevel
	}
	return set
}

// For returns the logger for cat, falling back to the core logger.
func (s *Set) For(cat Category) *zap.Logger {
	if l, ok := s.loggers[cat]; ok {
		return l
	}
	return s.loggers[Core]
}

// Level reports the configured level for cat.
func (s *Set) Level(cat Category) zapcore.Level {
	return s.levels[cat]
}

// Sync flushes all loggers.
func (s *Set) Sync() {
	for _, l := range s.loggers {
		_ = l.Sync()
	}
}

func presetConfig(p Preset) (zap.Config, zapcore.Level) {
	switch p {
	case PresetDevelopment:
		return zap.NewDevelopmentConfig(), zapcore.DebugLevel
	case PresetQuiet:
		return zap.NewProductionConfig(), zapcore.ErrorLevel
	default:
		return zap.NewProductionConfig(), zapcore.InfoLevel
	}
}

// ParseLevel accepts zap level names ("debug", "info", "warn", "error",
// "fatal") and numeric levels in the conventional 10/20/30/40/50 scheme.
func ParseLevel(s string) (zapcore.Level, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		switch {
		case n <= 10:
			return zapcore.DebugLevel, nil
		case n <= 20:
			return zapcore.InfoLevel, nil
		case n <= 30:
			return zapcore.WarnLevel, nil
		case n <= 40:
			return zapcore.ErrorLevel, nil
		default:
			return zapcore.FatalLevel, nil
		}
	}
	return zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
}

// Field builds a zap field with the sensitive mask applied.
func Field(key string, v any) zap.Field {
	return zap.Any(key, ident.MaskSensitive(key, v))
}

// Params builds a zap field holding a masked copy of a parameter map.
func Params(key string, params map[string]any) zap.Field {
	return zap.Any(key, ident.MaskMap(params))
}
