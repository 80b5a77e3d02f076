package adapter

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// SQL is the relational adapter over one sqlx pool.
type SQL struct {
	db      *sqlx.DB
	info    *ConnInfo
	logger  *zap.Logger
	scopes  *scopeRegistry
	testing bool

	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

var _ Adapter = (*SQL)(nil)

// Dialect returns the adapter's SQL dialect.
func (a *SQL) Dialect() Dialect { return a.info.Dialect }

// Rebind converts ?-placeholders to the dialect's binding style.
func (a *SQL) Rebind(query string) string { return a.info.Dialect.Rebind(query) }

// SetTestMode toggles aggressive scope cleanup.
func (a *SQL) SetTestMode(enabled bool) { a.testing = enabled }

// ExecDML executes a statement and reports the driver's rows-affected
// count. LastInsertID is populated where the driver supports it.
func (a *SQL) ExecDML(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, mapError(a.Dialect(), err)
	}
	return collectResult(res), nil
}

// Query executes a statement and scans every row into a map keyed by
// column name.
func (a *SQL) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(a.Dialect(), err)
	}
	defer rows.Close()
	return scanRows(a.Dialect(), rows)
}

// Begin opens a transaction on a pooled connection.
func (a *SQL) Begin(ctx context.Context) (Tx, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapError(a.Dialect(), err)
	}
	return &sqlTx{tx: tx, dialect: a.Dialect()}, nil
}

// Health verifies liveness: a pool ping plus a round-trip SELECT.
func (a *SQL) Health(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return mapError(a.Dialect(), err)
	}
	var one int
	if err := a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return mapError(a.Dialect(), err)
	}
	return nil
}

// Close purges scopes, stops the reaper, and closes the pool.
func (a *SQL) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.closeMu.Unlock()

	report := a.scopes.purgeAll()
	if len(report.Errors) > 0 {
		a.logger.Warn("scope purge during close reported errors",
			zap.Int("purged", report.Purged),
			zap.Errors("errors", report.Errors))
	}
	return a.db.Close()
}

// reapLoop discards scoped borrows whose context has ended. Defensive
// cleanup only; well-behaved callers release their scopes.
func (a *SQL) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			purged, errs := a.scopes.purgeClosed()
			if purged > 0 {
				a.logger.Debug("reaped stale connection scopes",
					zap.Int("purged", purged),
					zap.Int("errors", len(errs)))
			}
		}
	}
}

func collectResult(res sql.Result) Result {
	var out Result
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	// pgx's stdlib driver has no insert-id concept; ignore its error.
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out
}

func scanRows(d Dialect, rows *sqlx.Rows) ([]Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, mapError(d, err)
	}
	binary := make(map[string]bool, len(types))
	for _, ct := range types {
		binary[ct.Name()] = isBinaryType(ct.DatabaseTypeName())
	}

	out := []Row{}
	for rows.Next() {
		row := make(Row)
		if err := rows.MapScan(row); err != nil {
			return nil, mapError(d, err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok && !binary[k] {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(d, err)
	}
	return out, nil
}

// isBinaryType reports whether a driver-reported column type holds raw
// bytes. Everything else scanned as []byte is decoded to string.
func isBinaryType(dbType string) bool {
	t := strings.ToUpper(dbType)
	return strings.Contains(t, "BLOB") ||
		strings.Contains(t, "BYTEA") ||
		strings.Contains(t, "BINARY")
}

// QueryValue runs a single-value query (counts, checksums, lock states).
func (a *SQL) QueryValue(ctx context.Context, query string, args ...any) (any, error) {
	rows, err := a.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindAdapter, "query returned no rows")
	}
	for _, v := range rows[0] {
		return v, nil
	}
	return nil, fault.New(fault.KindAdapter, "query returned no columns")
}
