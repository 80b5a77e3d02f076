// Package adapter is the only part of dataflow that talks to a database.
// It exposes a small execution surface (DML, queries, transactions with
// savepoints, introspection, health) over PostgreSQL, MySQL, and SQLite,
// plus a registration hook for document-family adapters.
//
// Connections come from one process pool per adapter. Scoped borrows pin a
// session to one context (workflow runs, advisory locks); a background
// reaper discards borrows whose scope has ended.
package adapter

import (
	"context"
	"time"

	// Database drivers registered for the three SQL dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Result reports the outcome of a DML statement. LastInsertID is zero on
// dialects that do not report it (postgres callers use RETURNING instead).
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Row is one scanned result row. Text columns are decoded to string, byte
// columns stay []byte, and numeric driver variants normalize to int64 /
// float64 where the driver allows it.
type Row = map[string]any

// Runner is the execution surface common to Adapter, Tx, and Session.
// Operation handlers take a Runner so the same code runs inside and outside
// a transaction.
type Runner interface {
	ExecDML(ctx context.Context, query string, args ...any) (Result, error)
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Tx is one database transaction. A failed statement poisons the
// transaction: subsequent calls fail fast until Rollback or RollbackTo.
type Tx interface {
	Runner
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	Commit() error
	Rollback() error
}

// Session is a connection pinned to one scope, released explicitly.
type Session interface {
	Runner
	Release() error
}

// CleanupReport summarizes a scope purge.
type CleanupReport struct {
	Created int
	Purged  int
	Errors  []error
}

// Adapter is the database-facing abstraction the engine runs on.
type Adapter interface {
	Runner

	Begin(ctx context.Context) (Tx, error)
	BorrowScoped(ctx context.Context, scope string) (Session, error)
	ReleaseScope(scope string) error
	PurgeScopes(ctx context.Context) CleanupReport
	Introspect(ctx context.Context) (*schema.LiveSchema, error)
	Health(ctx context.Context) error
	Dialect() Dialect
	Rebind(query string) string
	SetTestMode(enabled bool)
	Close() error
}

// Options configures Open.
type Options struct {
	// MaxOpen and MaxIdle bound the process pool. Zero keeps the driver
	// defaults.
	MaxOpen int
	MaxIdle int
	// ConnMaxLifetime recycles pooled connections. Zero disables.
	ConnMaxLifetime time.Duration
	// AcquireTimeout bounds the initial liveness ping.
	AcquireTimeout time.Duration
	// PingRetries is the number of backoff attempts for the initial ping.
	PingRetries uint64
	// TestMode makes scope cleanup aggressive.
	TestMode bool
	// Logger receives connection lifecycle events. Nil means silent.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 10 * time.Second
	}
	if out.PingRetries == 0 {
		out.PingRetries = 5
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Open parses rawURL, connects the matching adapter, and verifies liveness
// with a backoff-retried ping. Document-family schemes route to a
// registered opener; with none registered, Open fails with a validation
// fault naming the scheme.
func Open(ctx context.Context, rawURL string, opts Options) (Adapter, error) {
	info, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if info.Document {
		opener := documentOpener(info.Scheme)
		if opener == nil {
			return nil, fault.New(fault.KindValidation,
				"no document adapter registered for scheme %q", info.Scheme).
				WithHint("call adapter.RegisterDocumentOpener before Open")
		}
		return opener(ctx, info, opts)
	}
	return openSQL(ctx, info, opts.withDefaults())
}

func openSQL(ctx context.Context, info *ConnInfo, opts Options) (*SQL, error) {
	db, err := sqlx.Open(info.Dialect.DriverName(), info.DSN)
	if err != nil {
		return nil, fault.Wrap(fault.KindAdapter, err, "opening %s adapter", info.Dialect)
	}
	if opts.MaxOpen > 0 {
		db.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.AcquireTimeout)
	defer cancel()
	backoff := retry.WithMaxRetries(opts.PingRetries, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(pingCtx, backoff, func(ctx context.Context) error {
		if pingErr := db.PingContext(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.KindAdapter, err, "pinging %s at %s", info.Dialect, info.Host)
	}

	a := &SQL{
		db:      db,
		info:    info,
		logger:  opts.Logger,
		scopes:  newScopeRegistry(),
		testing: opts.TestMode,
		done:    make(chan struct{}),
	}
	go a.reapLoop()
	a.logger.Debug("adapter connected",
		zap.String("dialect", info.Dialect.String()),
		zap.String("database", info.Database))
	return a, nil
}
