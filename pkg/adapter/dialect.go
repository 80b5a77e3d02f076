package adapter

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Dialect identifies the SQL flavor behind an adapter. The SQL builder asks
// it for quoting, placeholder rebinding, and feature support; nothing else
// may embed per-database syntax.
type Dialect int

const (
	DialectPostgres Dialect = iota + 1
	DialectMySQL
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// DriverName returns the database/sql driver name registered for the
// dialect.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite3"
	default:
		return ""
	}
}

// QuoteIdent quotes an already-validated identifier for the dialect.
func (d Dialect) QuoteIdent(s string) string {
	switch d {
	case DialectMySQL:
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	case DialectPostgres:
		return pq.QuoteIdentifier(s)
	default:
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
}

// Rebind converts ?-style placeholders to the dialect's binding style
// ($N for postgres; ? passes through for mysql and sqlite).
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(d.DriverName()), query)
}

// ParamLimit is the maximum number of bound parameters in one statement.
// Bulk builders chunk their work under this bound.
func (d Dialect) ParamLimit() int {
	switch d {
	case DialectSQLite:
		// SQLITE_MAX_VARIABLE_NUMBER floor across linked versions
		return 999
	default:
		return 65535
	}
}

// SupportsReturning reports whether INSERT ... RETURNING works.
func (d Dialect) SupportsReturning() bool {
	return d == DialectPostgres || d == DialectSQLite
}

// SupportsAdvisoryLocks reports whether the dialect has a server-side
// advisory lock primitive. SQLite falls back to the lock table alone.
func (d Dialect) SupportsAdvisoryLocks() bool {
	return d == DialectPostgres || d == DialectMySQL
}

// RegexOperator returns the operator used for $regex filters.
func (d Dialect) RegexOperator() string {
	if d == DialectPostgres {
		return "~"
	}
	return "REGEXP"
}

// UpsertStyle reports how the dialect spells native upsert.
type UpsertStyle int

const (
	// UpsertOnConflict is INSERT ... ON CONFLICT (cols) DO UPDATE SET.
	UpsertOnConflict UpsertStyle = iota + 1
	// UpsertOnDuplicate is INSERT ... ON DUPLICATE KEY UPDATE.
	UpsertOnDuplicate
)

// Upsert returns the dialect's native upsert style.
func (d Dialect) Upsert() UpsertStyle {
	if d == DialectMySQL {
		return UpsertOnDuplicate
	}
	return UpsertOnConflict
}
