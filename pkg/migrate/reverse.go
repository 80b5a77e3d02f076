package migrate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Reverse statements for destructive steps are reconstructed from the
// introspected structure, using the dialect's own reported type and
// default spellings. They restore the schema, never the rows.

func createTableFromLive(d adapter.Dialect, t *schema.TableInfo) string {
	inlinePK := d == adapter.DialectSQLite && len(t.PrimaryKey) == 1 &&
		columnAutoIncrement(t, t.PrimaryKey[0])

	var defs []string
	for i := range t.Columns {
		defs = append(defs, liveColumnDef(d, &t.Columns[i], inlinePK && t.Columns[i].Name == t.PrimaryKey[0]))
	}
	if len(t.PrimaryKey) > 0 && !inlinePK {
		quoted := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			quoted[i] = d.QuoteIdent(c)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.QuoteIdent(fk.Name), quoteJoin(d, fk.Columns),
			d.QuoteIdent(fk.RefTable), quoteJoin(d, fk.RefColumns)))
	}

	b := sqlgen.NewBuilder()
	b.Line("CREATE TABLE %s (", d.QuoteIdent(t.Name))
	b.Block(func(b *sqlgen.SQLBuilder) {
		for i, def := range defs {
			comma := ","
			if i == len(defs)-1 {
				comma = ""
			}
			b.Line("%s%s", def, comma)
		}
	})
	b.Line(")")
	return b.String()
}

func columnAutoIncrement(t *schema.TableInfo, name string) bool {
	c := t.Column(name)
	return c != nil && c.AutoIncrement
}

// liveIndexSQL recreates the table's secondary indexes.
func liveIndexSQL(d adapter.Dialect, t *schema.TableInfo) []string {
	var out []string
	for _, idx := range t.Indexes {
		if idx.Primary || strings.HasPrefix(idx.Name, "sqlite_autoindex") {
			continue
		}
		if stmt, err := sqlgen.BuildCreateIndex(d, t.Name, idx.Name, idx.Columns, idx.Unique); err == nil {
			out = append(out, stmt)
		}
	}
	return out
}

func liveColumnDef(d adapter.Dialect, c *schema.ColumnInfo, inlinePK bool) string {
	if inlinePK {
		return d.QuoteIdent(c.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	parts := []string{d.QuoteIdent(c.Name), c.DataType}
	if c.AutoIncrement {
		switch d {
		case adapter.DialectPostgres:
			parts = append(parts, "GENERATED BY DEFAULT AS IDENTITY")
		case adapter.DialectMySQL:
			parts = append(parts, "AUTO_INCREMENT")
		}
	}
	if !c.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if def := liveDefaultSQL(d, c); def != "" && !c.AutoIncrement {
		parts = append(parts, "DEFAULT "+def)
	}
	return strings.Join(parts, " ")
}

// liveDefaultSQL renders a reported default back into DDL. Postgres and
// sqlite report valid expressions as-is; mysql strips the quotes from
// string literals, so those are re-quoted.
func liveDefaultSQL(d adapter.Dialect, c *schema.ColumnInfo) string {
	v := strings.TrimSpace(c.Default)
	if v == "" || strings.EqualFold(v, "null") {
		return ""
	}
	if d != adapter.DialectMySQL {
		return v
	}
	if strings.HasPrefix(strings.ToUpper(v), "CURRENT_TIMESTAMP") || strings.HasPrefix(v, "(") {
		return v
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// addColumnFromLive re-adds a dropped column with its reported shape.
// Returns ok=false when the column cannot come back automatically: a
// NOT NULL column with no default will not re-apply over existing rows.
func addColumnFromLive(d adapter.Dialect, table string, c *schema.ColumnInfo) (string, bool) {
	if !c.Nullable && liveDefaultSQL(d, c) == "" && !c.AutoIncrement {
		return "", false
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		d.QuoteIdent(table), liveColumnDef(d, c, false)), true
}

// alterTypeToLive restores a column's reported type. SQLite has no form
// for this, which makes rebuild-based changes one-way.
func alterTypeToLive(d adapter.Dialect, table string, c *schema.ColumnInfo) (string, bool) {
	switch d {
	case adapter.DialectSQLite:
		return "", false
	case adapter.DialectMySQL:
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s",
			d.QuoteIdent(table), liveColumnDef(d, c, false)), true
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.QuoteIdent(table), d.QuoteIdent(c.Name), c.DataType,
		d.QuoteIdent(c.Name), c.DataType), true
}

func setDefaultToLive(d adapter.Dialect, table string, c *schema.ColumnInfo) string {
	if def := liveDefaultSQL(d, c); def != "" {
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
			d.QuoteIdent(table), d.QuoteIdent(c.Name), def)
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT",
		d.QuoteIdent(table), d.QuoteIdent(c.Name))
}

func quoteJoin(d adapter.Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
