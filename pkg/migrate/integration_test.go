package migrate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/test/testutil"
)

func integrationMigrator(t *testing.T) (*Migrator, adapter.Adapter) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test; requires docker")
	}
	db, err := adapter.Open(context.Background(), testutil.URL(t), adapter.Options{
		AcquireTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "integration", nil), db
}

func TestIntegrationMigrateLifecycle(t *testing.T) {
	m, db := integrationMigrator(t)
	ctx := context.Background()

	v1 := []schema.Model{*mkModel(t, "Account",
		schema.Field{Name: "email", Type: schema.String(255), Unique: true},
		schema.Field{Name: "name", Type: schema.String(100), Nullable: true},
	)}

	res, err := m.Migrate(ctx, v1, MigrateOptions{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.NotNil(t, res.Exec)
	assert.Positive(t, res.Exec.Applied)

	live, err := db.Introspect(ctx)
	require.NoError(t, err)
	account := live.Table("account")
	require.NotNil(t, account)
	require.NotNil(t, account.Column("email"))

	// Same models again: the checksum fast path skips everything.
	res, err = m.Migrate(ctx, v1, MigrateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// Evolving the model adds the column in place.
	v2 := []schema.Model{*mkModel(t, "Account",
		schema.Field{Name: "email", Type: schema.String(255), Unique: true},
		schema.Field{Name: "name", Type: schema.String(100), Nullable: true},
		schema.Field{Name: "age", Type: schema.Int64(), Nullable: true},
	)}
	res, err = m.Migrate(ctx, v2, MigrateOptions{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.NotNil(t, res.Exec)

	live, err = db.Introspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, live.Table("account"))
	assert.NotNil(t, live.Table("account").Column("age"))

	records, err := m.History(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, StatusApplied, records[0].Status)
	assert.True(t, records[0].AppliedAt.After(records[1].AppliedAt) ||
		records[0].AppliedAt.Equal(records[1].AppliedAt))

	holder, err := m.LockHolder(ctx, DefaultScope)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock must be released after a successful run")
}

func TestIntegrationMigrateDropsOrphanTable(t *testing.T) {
	m, db := integrationMigrator(t)
	ctx := context.Background()

	both := []schema.Model{
		*mkModel(t, "Account", schema.Field{Name: "email", Type: schema.String(255)}),
		*mkModel(t, "Gadget", schema.Field{Name: "label", Type: schema.String(100)}),
	}
	_, err := m.Migrate(ctx, both, MigrateOptions{})
	require.NoError(t, err)

	only := both[:1]
	res, err := m.Migrate(ctx, only, MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gadget"}, res.Orphans)
	require.NotNil(t, res.Exec)

	live, err := db.Introspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, live.Table("gadget"))
	assert.NotNil(t, live.Table("account"))
}

func TestIntegrationMigrateWidensPKAcrossFK(t *testing.T) {
	m, db := integrationMigrator(t)
	ctx := context.Background()

	// Category and Product share an id width; Product.category_id
	// references Category.id, so widening the key must coordinate the FK.
	catalog := func(id schema.FieldType) []schema.Model {
		category := schema.Model{Name: "Category", Fields: []schema.Field{
			{Name: "id", Type: id},
			{Name: "name", Type: schema.String(100)},
		}}
		product := schema.Model{Name: "Product", Fields: []schema.Field{
			{Name: "id", Type: id},
			{Name: "category_id", Type: id,
				References: &schema.Ref{Model: "Category", Field: "id"}},
		}}
		for _, mdl := range []*schema.Model{&category, &product} {
			mdl.Normalize()
			require.NoError(t, mdl.Validate())
		}
		return []schema.Model{category, product}
	}

	_, err := m.Migrate(ctx, catalog(schema.Int32()), MigrateOptions{})
	require.NoError(t, err)

	_, err = db.ExecDML(ctx, `INSERT INTO "category" ("id", "name") VALUES (1, 'tools')`)
	require.NoError(t, err)
	_, err = db.ExecDML(ctx, `INSERT INTO "product" ("id", "category_id") VALUES (1, 1)`)
	require.NoError(t, err)

	res, err := m.Migrate(ctx, catalog(schema.Int64()), MigrateOptions{Confirmed: true})
	require.NoError(t, err)
	require.NotNil(t, res.Exec)

	// Values beyond 32 bits fit now.
	_, err = db.ExecDML(ctx, `INSERT INTO "category" ("id", "name") VALUES (1099511627776, 'big')`)
	require.NoError(t, err)
	_, err = db.ExecDML(ctx, `INSERT INTO "product" ("id", "category_id") VALUES (1099511627776, 1099511627776)`)
	require.NoError(t, err)

	// The recreated FK still enforces referential integrity.
	_, err = db.ExecDML(ctx, `INSERT INTO "product" ("id", "category_id") VALUES (2, 424242)`)
	require.Error(t, err)
	assert.True(t, fault.IsConstraintErr(err))

	// Rows written under the narrow schema survived the rewrite.
	rows, err := db.Query(ctx, `SELECT "name" FROM "category" WHERE "id" = 1`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tools", rows[0]["name"])
}

func TestIntegrationMigrateRecoversFromReverseSQL(t *testing.T) {
	m, db := integrationMigrator(t)
	ctx := context.Background()

	models := []schema.Model{*mkModel(t, "Widget",
		schema.Field{Name: "label", Type: schema.String(100)},
	)}
	res, err := m.Migrate(ctx, models, MigrateOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Exec)

	// The recorded reverse SQL really undoes the forward plan.
	records, err := m.History(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.NotEmpty(t, records[0].ReverseSQL)

	for _, stmt := range strings.Split(strings.TrimSuffix(records[0].ReverseSQL, ";"), ";\n") {
		_, err = db.ExecDML(ctx, stmt)
		require.NoError(t, err)
	}

	live, err := db.Introspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, live.Table("widget"))
}
