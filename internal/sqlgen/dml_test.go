package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

func TestBuildSelect(t *testing.T) {
	st, err := BuildSelect(adapter.DialectPostgres, SelectOpts{
		Table:   "users",
		Columns: []string{"id", "email"},
		Filter:  mustFilter(t, map[string]any{"status": map[string]any{"$ne": "archived"}}),
		OrderBy: []Order{{Field: "created_at", Desc: true}},
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "email" FROM "users" WHERE "status" <> $1 ORDER BY "created_at" DESC LIMIT 10 OFFSET 20`,
		st.SQL)
	assert.Equal(t, []any{"archived"}, st.Args)
}

func TestBuildSelectStarNoFilter(t *testing.T) {
	st, err := BuildSelect(adapter.DialectMySQL, SelectOpts{Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `users`", st.SQL)
	assert.Empty(t, st.Args)
}

func TestBuildSelectOffsetWithoutLimit(t *testing.T) {
	pg, err := BuildSelect(adapter.DialectPostgres, SelectOpts{Table: "t", Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "t" OFFSET 5`, pg.SQL)

	my, err := BuildSelect(adapter.DialectMySQL, SelectOpts{Table: "t", Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `t` LIMIT 18446744073709551615 OFFSET 5", my.SQL)

	lite, err := BuildSelect(adapter.DialectSQLite, SelectOpts{Table: "t", Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "t" LIMIT -1 OFFSET 5`, lite.SQL)
}

func TestBuildCount(t *testing.T) {
	st, err := BuildCount(adapter.DialectPostgres, "orders",
		mustFilter(t, map[string]any{"total": map[string]any{"$gt": 100}}))
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS "count" FROM "orders" WHERE "total" > $1`, st.SQL)
	assert.Equal(t, []any{100}, st.Args)
}

func TestBuildInsert(t *testing.T) {
	st, err := BuildInsert(adapter.DialectPostgres, InsertOpts{
		Table:     "users",
		Row:       map[string]any{"email": "a@b.c", "active": true},
		Returning: []string{"id"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "users" ("active", "email") VALUES ($1, $2) RETURNING "id"`,
		st.SQL)
	assert.Equal(t, []any{true, "a@b.c"}, st.Args)
}

func TestBuildInsertDropsReturningOnMySQL(t *testing.T) {
	st, err := BuildInsert(adapter.DialectMySQL, InsertOpts{
		Table:     "users",
		Row:       map[string]any{"email": "a@b.c"},
		Returning: []string{"id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `users` (`email`) VALUES (?)", st.SQL)
}

func TestBuildUpdate(t *testing.T) {
	st, err := BuildUpdate(adapter.DialectPostgres, "users",
		map[string]any{"status": "done", "attempts": 3},
		mustFilter(t, map[string]any{"id": 42}))
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "users" SET "attempts" = $1, "status" = $2 WHERE "id" = $3`,
		st.SQL)
	assert.Equal(t, []any{3, "done", 42}, st.Args)
}

func TestBuildUpdateNeedsColumns(t *testing.T) {
	_, err := BuildUpdate(adapter.DialectPostgres, "users", nil, nil)
	require.Error(t, err)
	assert.True(t, fault.IsValidationErr(err))
}

func TestBuildDelete(t *testing.T) {
	st, err := BuildDelete(adapter.DialectPostgres, "users",
		mustFilter(t, map[string]any{"id": map[string]any{"$in": []any{1, 2}}}))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" IN ($1, $2)`, st.SQL)

	// Match-all deletes render; refusing them is the caller's decision.
	st, err = BuildDelete(adapter.DialectPostgres, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users"`, st.SQL)
}

func TestBuildUpsertPostgres(t *testing.T) {
	st, err := BuildUpsert(adapter.DialectPostgres, UpsertOpts{
		Table:        "users",
		Row:          map[string]any{"email": "a@b.c", "name": "Ada", "visits": 1},
		ConflictCols: []string{"email"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "users" ("email", "name", "visits") VALUES ($1, $2, $3)`+
			` ON CONFLICT ("email") DO UPDATE SET "name" = EXCLUDED."name", "visits" = EXCLUDED."visits"`,
		st.SQL)
	assert.Equal(t, []any{"a@b.c", "Ada", 1}, st.Args)
}

func TestBuildUpsertDoNothing(t *testing.T) {
	st, err := BuildUpsert(adapter.DialectSQLite, UpsertOpts{
		Table:        "tags",
		Row:          map[string]any{"name": "alpha"},
		ConflictCols: []string{"name"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "tags" ("name") VALUES (?) ON CONFLICT ("name") DO NOTHING`,
		st.SQL)
}

func TestBuildUpsertMySQL(t *testing.T) {
	st, err := BuildUpsert(adapter.DialectMySQL, UpsertOpts{
		Table: "users",
		Row:   map[string]any{"email": "a@b.c", "name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO `users` (`email`, `name`) VALUES (?, ?)"+
			" ON DUPLICATE KEY UPDATE `email` = VALUES(`email`), `name` = VALUES(`name`)",
		st.SQL)
}

func TestBuildUpsertNeedsConflictTarget(t *testing.T) {
	_, err := BuildUpsert(adapter.DialectPostgres, UpsertOpts{
		Table: "users",
		Row:   map[string]any{"email": "a@b.c"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsValidationErr(err))
}

func TestBuildersRejectBadIdentifiers(t *testing.T) {
	_, err := BuildSelect(adapter.DialectPostgres, SelectOpts{Table: "users; --"})
	require.Error(t, err)
	assert.True(t, fault.IsValidationErr(err))

	_, err = BuildSelect(adapter.DialectPostgres, SelectOpts{Table: "users", Columns: []string{"id", "drop table"}})
	require.Error(t, err)

	_, err = BuildSelect(adapter.DialectPostgres, SelectOpts{
		Table:   "users",
		OrderBy: []Order{{Field: "1; DELETE"}},
	})
	require.Error(t, err)
}
