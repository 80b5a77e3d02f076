package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdent(t *testing.T) {
	cases := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectPostgres, "users", `"users"`},
		{DialectPostgres, `we"ird`, `"we""ird"`},
		{DialectMySQL, "users", "`users`"},
		{DialectMySQL, "we`ird", "`we``ird`"},
		{DialectSQLite, "users", `"users"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.dialect.QuoteIdent(tc.in), "%s %s", tc.dialect, tc.in)
	}
}

func TestRebindPlaceholders(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", DialectPostgres.Rebind(q))
	assert.Equal(t, q, DialectMySQL.Rebind(q))
	assert.Equal(t, q, DialectSQLite.Rebind(q))
}

func TestDialectCapabilities(t *testing.T) {
	assert.Equal(t, 65535, DialectPostgres.ParamLimit())
	assert.Equal(t, 999, DialectSQLite.ParamLimit())

	assert.True(t, DialectPostgres.SupportsReturning())
	assert.True(t, DialectSQLite.SupportsReturning())
	assert.False(t, DialectMySQL.SupportsReturning())

	assert.True(t, DialectPostgres.SupportsAdvisoryLocks())
	assert.True(t, DialectMySQL.SupportsAdvisoryLocks())
	assert.False(t, DialectSQLite.SupportsAdvisoryLocks())

	assert.Equal(t, UpsertOnConflict, DialectPostgres.Upsert())
	assert.Equal(t, UpsertOnConflict, DialectSQLite.Upsert())
	assert.Equal(t, UpsertOnDuplicate, DialectMySQL.Upsert())
}
