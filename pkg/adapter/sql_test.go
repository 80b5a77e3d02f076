package adapter

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

func newMockAdapter(t *testing.T, d Dialect) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	a := &SQL{
		db:     sqlx.NewDb(db, "sqlmock"),
		info:   &ConnInfo{Scheme: d.String(), Dialect: d},
		logger: zap.NewNop(),
		scopes: newScopeRegistry(),
		done:   make(chan struct{}),
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, mock
}

func TestExecDMLCollectsResult(t *testing.T) {
	a, mock := newMockAdapter(t, DialectMySQL)
	mock.ExpectExec("INSERT INTO users").
		WithArgs("ada").
		WillReturnResult(sqlmock.NewResult(7, 1))

	res, err := a.ExecDML(context.Background(), "INSERT INTO users (name) VALUES (?)", "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, int64(7), res.LastInsertID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDecodesTextKeepsBinary(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("email").OfType("VARCHAR", ""),
		sqlmock.NewColumn("payload").OfType("BYTEA", []byte{}),
	).AddRow([]byte("ada@example.com"), []byte{0x01, 0x02})
	mock.ExpectQuery("SELECT email, payload FROM users").WillReturnRows(rows)

	out, err := a.Query(context.Background(), "SELECT email, payload FROM users")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ada@example.com", out[0]["email"])
	assert.Equal(t, []byte{0x01, 0x02}, out[0]["payload"])
}

func TestQueryMapsDriverErrors(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	mock.ExpectQuery("SELECT").WillReturnError(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "users_email_key",
	})

	_, err := a.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, fault.IsConstraintErr(err))
	assert.Contains(t, err.Error(), "users_email_key")
}

func TestTxPoisoningAndSavepointRecovery(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "sp_1"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE users").
		WillReturnError(&pgconn.PgError{Code: "23502", ColumnName: "email"})
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT "sp_1"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE users").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := a.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Savepoint(ctx, "sp_1"))

	_, err = tx.ExecDML(ctx, "UPDATE users SET email = NULL")
	require.Error(t, err)
	assert.True(t, fault.IsConstraintErr(err))

	// Poisoned: statements are refused before reaching the driver.
	_, err = tx.ExecDML(ctx, "UPDATE users SET active = true")
	require.Error(t, err)
	assert.True(t, fault.IsAdapterErr(err))

	// A savepoint rollback restores a usable transaction.
	require.NoError(t, tx.RollbackTo(ctx, "sp_1"))
	_, err = tx.ExecDML(ctx, "UPDATE users SET active = true")
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxCommitRefusedWhilePoisoned(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ExecDML(ctx, "DELETE FROM orders")
	require.Error(t, err)

	err = tx.Commit()
	require.Error(t, err)
	assert.True(t, fault.IsAdapterErr(err))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScopedSessionReuse(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	ctx := context.Background()

	mock.ExpectExec("SET application_name").WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := a.BorrowScoped(ctx, "run-42")
	require.NoError(t, err)
	again, err := a.BorrowScoped(ctx, "run-42")
	require.NoError(t, err)
	assert.Same(t, first, again, "borrows of a live scope share one session")

	_, err = first.ExecDML(ctx, "SET application_name = 'dataflow'")
	require.NoError(t, err)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")
}

func TestPurgeScopesHonorsContext(t *testing.T) {
	a, _ := newMockAdapter(t, DialectPostgres)

	live := context.Background()
	dead, cancel := context.WithCancel(context.Background())

	_, err := a.BorrowScoped(live, "kept")
	require.NoError(t, err)
	_, err = a.BorrowScoped(dead, "dropped")
	require.NoError(t, err)
	cancel()

	report := a.PurgeScopes(context.Background())
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Purged)
	assert.Empty(t, report.Errors)

	// Test mode sweeps everything, context state notwithstanding.
	a.SetTestMode(true)
	report = a.PurgeScopes(context.Background())
	assert.Equal(t, 1, report.Purged)
}

func TestHealthRoundTrip(t *testing.T) {
	a, mock := newMockAdapter(t, DialectPostgres)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, a.Health(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
