package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/test/testutil"
)

func integrationAdapter(t *testing.T) Adapter {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test; requires docker")
	}
	a, err := Open(context.Background(), testutil.URL(t), Options{
		AcquireTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestIntegrationOpenAndHealth(t *testing.T) {
	a := integrationAdapter(t)
	assert.Equal(t, DialectPostgres, a.Dialect())
	assert.NoError(t, a.Health(context.Background()))
}

func TestIntegrationDMLRoundTrip(t *testing.T) {
	a := integrationAdapter(t)
	ctx := context.Background()

	_, err := a.ExecDML(ctx, `CREATE TABLE gadgets (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		weight DOUBLE PRECISION
	)`)
	require.NoError(t, err)

	res, err := a.ExecDML(ctx, a.Rebind("INSERT INTO gadgets (name, weight) VALUES (?, ?)"), "widget", 1.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	rows, err := a.Query(ctx, a.Rebind("SELECT id, name, weight FROM gadgets WHERE name = ?"), "widget")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "widget", rows[0]["name"])
	assert.Equal(t, 1.5, rows[0]["weight"])
}

func TestIntegrationSavepointRollback(t *testing.T) {
	a := integrationAdapter(t)
	ctx := context.Background()

	_, err := a.ExecDML(ctx, `CREATE TABLE items (id BIGSERIAL PRIMARY KEY, label TEXT NOT NULL)`)
	require.NoError(t, err)

	tx, err := a.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.ExecDML(ctx, a.Rebind("INSERT INTO items (label) VALUES (?)"), "kept")
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint(ctx, "sp_1"))

	_, err = tx.ExecDML(ctx, a.Rebind("INSERT INTO items (label) VALUES (?)"), "discarded")
	require.NoError(t, err)
	require.NoError(t, tx.RollbackTo(ctx, "sp_1"))
	require.NoError(t, tx.Commit())

	rows, err := a.Query(ctx, "SELECT label FROM items ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "kept", rows[0]["label"])
}

func TestIntegrationScopedSessions(t *testing.T) {
	a := integrationAdapter(t)
	ctx := context.Background()

	sess, err := a.BorrowScoped(ctx, "run-1")
	require.NoError(t, err)

	// A session variable proves both calls pin the same connection.
	_, err = sess.ExecDML(ctx, "SET application_name = 'dataflow_scope_test'")
	require.NoError(t, err)
	rows, err := sess.Query(ctx, "SHOW application_name")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "dataflow_scope_test", rows[0]["application_name"])

	require.NoError(t, a.ReleaseScope("run-1"))
	report := a.PurgeScopes(ctx)
	assert.Empty(t, report.Errors)
}

func TestIntegrationIntrospect(t *testing.T) {
	a := integrationAdapter(t)
	ctx := context.Background()

	_, err := a.ExecDML(ctx, `CREATE TABLE owners (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = a.ExecDML(ctx, `CREATE TABLE pets (
		id BIGSERIAL PRIMARY KEY,
		owner_id BIGINT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
		name TEXT
	)`)
	require.NoError(t, err)
	_, err = a.ExecDML(ctx, `CREATE UNIQUE INDEX idx_owners_email ON owners (email)`)
	require.NoError(t, err)

	live, err := a.Introspect(ctx)
	require.NoError(t, err)

	owners := live.Table("owners")
	require.NotNil(t, owners)
	assert.Equal(t, []string{"id"}, owners.PrimaryKey)
	email := owners.Column("email")
	require.NotNil(t, email)
	assert.False(t, email.Nullable)

	var unique bool
	for _, idx := range owners.Indexes {
		if idx.Name == "idx_owners_email" {
			unique = idx.Unique
		}
	}
	assert.True(t, unique, "expected idx_owners_email to be introspected as unique")

	pets := live.Table("pets")
	require.NotNil(t, pets)
	require.Len(t, pets.ForeignKeys, 1)
	fk := pets.ForeignKeys[0]
	assert.Equal(t, []string{"owner_id"}, fk.Columns)
	assert.Equal(t, "owners", fk.RefTable)
	assert.Equal(t, "CASCADE", fk.OnDelete)
}
