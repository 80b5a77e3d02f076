package adapter

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// mapError lifts a driver error into the framework taxonomy so callers
// match on kinds instead of driver types. The original error stays
// reachable through Unwrap.
func mapError(d Dialect, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindAdapter, err, "operation interrupted")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Wrap(fault.KindAdapter, err, "no rows returned")
	}

	switch d {
	case DialectPostgres:
		if mapped := mapPostgresError(err); mapped != nil {
			return mapped
		}
	case DialectMySQL:
		if mapped := mapMySQLError(err); mapped != nil {
			return mapped
		}
	case DialectSQLite:
		if mapped := mapSQLiteError(err); mapped != nil {
			return mapped
		}
	}
	return fault.Wrap(fault.KindAdapter, err, "database error")
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case "23505":
		return fault.Wrap(fault.KindConstraint, err,
			"unique constraint %q violated", pgErr.ConstraintName).
			WithColumn(pgErr.ColumnName)
	case "23503":
		return fault.Wrap(fault.KindConstraint, err,
			"foreign key constraint %q violated", pgErr.ConstraintName)
	case "23502":
		return fault.Wrap(fault.KindConstraint, err, "NOT NULL violated").
			WithColumn(pgErr.ColumnName)
	case "23514":
		return fault.Wrap(fault.KindConstraint, err,
			"check constraint %q violated", pgErr.ConstraintName)
	case "40001", "40P01":
		return fault.Wrap(fault.KindAdapter, err, "transaction conflict").
			WithHint("retry the transaction")
	case "55P03":
		return fault.Wrap(fault.KindAdapter, err, "lock not available")
	}
	if strings.HasPrefix(pgErr.Code, "42") {
		return fault.Wrap(fault.KindValidation, err, "invalid query: %s", pgErr.Message)
	}
	if strings.HasPrefix(pgErr.Code, "23") {
		return fault.Wrap(fault.KindConstraint, err, "constraint violated")
	}
	return nil
}

func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return nil
	}
	switch myErr.Number {
	case 1062:
		return fault.Wrap(fault.KindConstraint, err, "unique constraint violated").
			WithColumn(mysqlDuplicateKey(myErr.Message))
	case 1452, 1451:
		return fault.Wrap(fault.KindConstraint, err, "foreign key constraint violated")
	case 1048:
		return fault.Wrap(fault.KindConstraint, err, "NOT NULL violated").
			WithColumn(mysqlNullColumn(myErr.Message))
	case 3819:
		return fault.Wrap(fault.KindConstraint, err, "check constraint violated")
	case 1213:
		return fault.Wrap(fault.KindAdapter, err, "deadlock detected").
			WithHint("retry the transaction")
	case 1205:
		return fault.Wrap(fault.KindAdapter, err, "lock wait timeout")
	case 1064, 1054, 1146:
		return fault.Wrap(fault.KindValidation, err, "invalid query: %s", myErr.Message)
	}
	return nil
}

func mapSQLiteError(err error) error {
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return nil
	}
	switch liteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fault.Wrap(fault.KindConstraint, err, "unique constraint violated").
			WithColumn(sqliteConstraintColumn(liteErr.Error()))
	case sqlite3.ErrConstraintForeignKey:
		return fault.Wrap(fault.KindConstraint, err, "foreign key constraint violated")
	case sqlite3.ErrConstraintNotNull:
		return fault.Wrap(fault.KindConstraint, err, "NOT NULL violated").
			WithColumn(sqliteConstraintColumn(liteErr.Error()))
	case sqlite3.ErrConstraintCheck:
		return fault.Wrap(fault.KindConstraint, err, "check constraint violated")
	}
	switch liteErr.Code {
	case sqlite3.ErrConstraint:
		return fault.Wrap(fault.KindConstraint, err, "constraint violated")
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fault.Wrap(fault.KindAdapter, err, "database is locked").
			WithHint("retry the transaction")
	case sqlite3.ErrError:
		return fault.Wrap(fault.KindValidation, err, "invalid query")
	}
	return nil
}

// mysqlDuplicateKey pulls the key name out of a 1062 message, e.g.
// "Duplicate entry 'x' for key 'users.email'".
func mysqlDuplicateKey(msg string) string {
	i := strings.LastIndex(msg, "for key '")
	if i < 0 {
		return ""
	}
	rest := msg[i+len("for key '"):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return ""
	}
	key := rest[:j]
	if k := strings.LastIndexByte(key, '.'); k >= 0 {
		key = key[k+1:]
	}
	return key
}

// mysqlNullColumn pulls the column out of a 1048 message, e.g.
// "Column 'email' cannot be null".
func mysqlNullColumn(msg string) string {
	i := strings.Index(msg, "Column '")
	if i < 0 {
		return ""
	}
	rest := msg[i+len("Column '"):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// sqliteConstraintColumn pulls the column out of messages like
// "UNIQUE constraint failed: users.email".
func sqliteConstraintColumn(msg string) string {
	i := strings.Index(msg, "constraint failed: ")
	if i < 0 {
		return ""
	}
	rest := msg[i+len("constraint failed: "):]
	if j := strings.IndexAny(rest, ", "); j >= 0 {
		rest = rest[:j]
	}
	if k := strings.LastIndexByte(rest, '.'); k >= 0 {
		rest = rest[k+1:]
	}
	return strings.TrimSpace(rest)
}
