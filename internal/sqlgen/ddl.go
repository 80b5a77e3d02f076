package sqlgen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// ErrRebuildRequired marks an ALTER that sqlite cannot express in
// place. The migration planner turns statements failing with it into a
// copy-and-swap table rebuild.
var ErrRebuildRequired = errors.New("sqlgen: table rebuild required")

// TableResolver maps a model name to its table name. CreateTable uses
// it to resolve foreign key referents; nil falls back to snake_case.
type TableResolver func(model string) (string, bool)

func resolveTable(r TableResolver, model string) string {
	if r != nil {
		if t, ok := r(model); ok {
			return t
		}
	}
	return schema.ToSnake(model)
}

// TypeSQL maps a field type to the dialect's column type.
func TypeSQL(d adapter.Dialect, ft schema.FieldType) (string, error) {
	switch d {
	case adapter.DialectPostgres:
		return typeSQLPostgres(ft)
	case adapter.DialectMySQL:
		return typeSQLMySQL(ft)
	case adapter.DialectSQLite:
		return typeSQLSQLite(ft)
	}
	return "", fault.New(fault.KindValidation, "no type mapping for dialect %q", d)
}

func typeSQLPostgres(ft schema.FieldType) (string, error) {
	switch ft.Kind {
	case schema.KindInt32:
		return "integer", nil
	case schema.KindInt64:
		return "bigint", nil
	case schema.KindFloat64:
		return "double precision", nil
	case schema.KindDecimal:
		return fmt.Sprintf("numeric(%d, %d)", ft.Precision, ft.Scale), nil
	case schema.KindString:
		if ft.Length > 0 {
			return fmt.Sprintf("varchar(%d)", ft.Length), nil
		}
		return "text", nil
	case schema.KindText:
		return "text", nil
	case schema.KindBool:
		return "boolean", nil
	case schema.KindTimestamp:
		return "timestamptz", nil
	case schema.KindDate:
		return "date", nil
	case schema.KindUUID:
		return "uuid", nil
	case schema.KindJSON:
		return "jsonb", nil
	case schema.KindBytes:
		return "bytea", nil
	case schema.KindVector:
		return fmt.Sprintf("vector(%d)", ft.Dim), nil
	}
	return "", fault.New(fault.KindValidation, "unmapped field type %s", ft)
}

func typeSQLMySQL(ft schema.FieldType) (string, error) {
	switch ft.Kind {
	case schema.KindInt32:
		return "int", nil
	case schema.KindInt64:
		return "bigint", nil
	case schema.KindFloat64:
		return "double", nil
	case schema.KindDecimal:
		return fmt.Sprintf("decimal(%d, %d)", ft.Precision, ft.Scale), nil
	case schema.KindString:
		if ft.Length > 0 {
			return fmt.Sprintf("varchar(%d)", ft.Length), nil
		}
		return "text", nil
	case schema.KindText:
		return "text", nil
	case schema.KindBool:
		return "tinyint(1)", nil
	case schema.KindTimestamp:
		return "datetime(6)", nil
	case schema.KindDate:
		return "date", nil
	case schema.KindUUID:
		return "char(36)", nil
	case schema.KindJSON:
		return "json", nil
	case schema.KindBytes:
		return "blob", nil
	case schema.KindVector:
		return "", fault.New(fault.KindValidation, "vector columns need PostgreSQL")
	}
	return "", fault.New(fault.KindValidation, "unmapped field type %s", ft)
}

func typeSQLSQLite(ft schema.FieldType) (string, error) {
	switch ft.Kind {
	case schema.KindInt32, schema.KindInt64, schema.KindBool:
		return "integer", nil
	case schema.KindFloat64:
		return "real", nil
	case schema.KindDecimal:
		return "numeric", nil
	case schema.KindString, schema.KindText, schema.KindUUID, schema.KindJSON:
		return "text", nil
	case schema.KindTimestamp:
		return "datetime", nil
	case schema.KindDate:
		return "date", nil
	case schema.KindBytes:
		return "blob", nil
	case schema.KindVector:
		return "", fault.New(fault.KindValidation, "vector columns need PostgreSQL")
	}
	return "", fault.New(fault.KindValidation, "unmapped field type %s", ft)
}

// DefaultSQL renders a field's default as a DDL expression. An empty
// string with no error means the dialect cannot express it and the
// application supplies the value instead (uuid on sqlite).
func DefaultSQL(d adapter.Dialect, f schema.Field) (string, error) {
	if f.Default == nil {
		return "", nil
	}
	if f.Default.IsFunction {
		return functionDefaultSQL(d, f.Default.Value)
	}
	return literalDefaultSQL(f.Type.Kind, f.Default.Value)
}

func functionDefaultSQL(d adapter.Dialect, token string) (string, error) {
	switch token {
	case "now":
		switch d {
		case adapter.DialectPostgres:
			return "now()", nil
		case adapter.DialectMySQL:
			return "CURRENT_TIMESTAMP(6)", nil
		default:
			return "CURRENT_TIMESTAMP", nil
		}
	case "current_timestamp":
		if d == adapter.DialectMySQL {
			return "CURRENT_TIMESTAMP(6)", nil
		}
		return "CURRENT_TIMESTAMP", nil
	case "uuid":
		switch d {
		case adapter.DialectPostgres:
			return "gen_random_uuid()", nil
		case adapter.DialectMySQL:
			return "(UUID())", nil
		default:
			// No uuid function in stock sqlite; the create path fills it in.
			return "", nil
		}
	}
	return "", fault.New(fault.KindValidation, "unknown default function token %q", token)
}

func literalDefaultSQL(kind schema.Kind, v string) (string, error) {
	switch kind {
	case schema.KindInt32, schema.KindInt64:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return "", fault.New(fault.KindValidation, "default %q is not an integer", v)
		}
		return v, nil
	case schema.KindFloat64, schema.KindDecimal:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return "", fault.New(fault.KindValidation, "default %q is not numeric", v)
		}
		return v, nil
	case schema.KindBool:
		switch strings.ToLower(v) {
		case "true", "1":
			return "TRUE", nil
		case "false", "0":
			return "FALSE", nil
		}
		return "", fault.New(fault.KindValidation, "default %q is not a boolean", v)
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
}

// ColumnDef renders one column definition for CREATE TABLE or ADD
// COLUMN. inlinePK marks the dialect-specific single-column primary key
// form (sqlite's INTEGER PRIMARY KEY AUTOINCREMENT).
func ColumnDef(d adapter.Dialect, f schema.Field, inlinePK bool) (string, error) {
	if err := checkColumn(f.Name); err != nil {
		return "", err
	}
	if f.AutoIncrement && d == adapter.DialectSQLite {
		if !inlinePK {
			return "", fault.New(fault.KindValidation,
				"sqlite auto-increment column %q must be the single-column primary key", f.Name)
		}
		return d.QuoteIdent(f.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT", nil
	}

	typ, err := TypeSQL(d, f.Type)
	if err != nil {
		return "", err
	}
	parts := NewJoiner(" ")
	parts.Add(d.QuoteIdent(f.Name), typ)
	if f.AutoIncrement {
		if d == adapter.DialectPostgres {
			parts.Add("GENERATED BY DEFAULT AS IDENTITY")
		} else {
			parts.Add("AUTO_INCREMENT")
		}
	}
	parts.AddIf(!f.Nullable, "NOT NULL")
	def, err := DefaultSQL(d, f)
	if err != nil {
		return "", err
	}
	parts.AddIf(def != "", "DEFAULT "+def)
	parts.AddIf(f.Unique && !inlinePK, "UNIQUE")
	return parts.String(), nil
}

// BuildCreateTable renders the full CREATE TABLE for a normalized
// model, with primary key, unique constraints, and foreign keys inline.
func BuildCreateTable(d adapter.Dialect, m *schema.Model, tables TableResolver) (string, error) {
	if err := checkTable(m.Table()); err != nil {
		return "", err
	}
	pk := m.PK()
	inlinePK := d == adapter.DialectSQLite && pk != nil && pk.AutoIncrement

	b := NewBuilder()
	b.Line("CREATE TABLE %s (", d.QuoteIdent(m.Table()))
	var defs []string
	for _, f := range m.Fields {
		def, err := ColumnDef(d, f, inlinePK && f.Name == m.PrimaryKey)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}

	if pk != nil && !inlinePK {
		defs = append(defs, "PRIMARY KEY ("+d.QuoteIdent(m.PrimaryKey)+")")
	}
	for _, u := range m.Config.Uniques {
		quoted, err := quoteColumns(d, u.Columns)
		if err != nil {
			return "", err
		}
		name := u.Name
		if name == "" {
			name = UniqueName(m.Table(), u.Columns)
		}
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			d.QuoteIdent(name), strings.Join(quoted, ", ")))
	}
	for _, f := range m.Fields {
		if f.References == nil {
			continue
		}
		refTable := resolveTable(tables, f.References.Model)
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.QuoteIdent(FKName(m.Table(), f.Name)),
			d.QuoteIdent(f.Name),
			d.QuoteIdent(refTable),
			d.QuoteIdent(f.References.Field)))
	}

	b.Block(func(b *SQLBuilder) {
		for i, def := range defs {
			comma := ","
			if i == len(defs)-1 {
				comma = ""
			}
			b.Line("%s%s", def, comma)
		}
	})
	b.Line(")")
	return b.String(), nil
}

// BuildCreateIndexes renders the CREATE INDEX statements for a model's
// declared indexes and indexed fields.
func BuildCreateIndexes(d adapter.Dialect, m *schema.Model) ([]string, error) {
	var out []string
	for _, f := range m.Fields {
		if !f.Indexed || f.Unique {
			continue
		}
		stmt, err := BuildCreateIndex(d, m.Table(), IndexName(m.Table(), []string{f.Name}), []string{f.Name}, false)
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
	}
	for _, idx := range m.Config.Indexes {
		name := idx.Name
		if name == "" {
			name = IndexName(m.Table(), idx.Columns)
		}
		stmt, err := BuildCreateIndex(d, m.Table(), name, idx.Columns, idx.Unique)
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
	}
	return out, nil
}

// BuildCreateIndex renders one CREATE [UNIQUE] INDEX.
func BuildCreateIndex(d adapter.Dialect, table, name string, cols []string, unique bool) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	if err := ident.Check(name); err != nil {
		return "", fault.Wrap(fault.KindValidation, err, "invalid index name %q", name)
	}
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return "", err
	}
	kw := "INDEX"
	if unique {
		kw = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)",
		kw, d.QuoteIdent(name), d.QuoteIdent(table), strings.Join(quoted, ", ")), nil
}

// BuildDropIndex renders DROP INDEX in the dialect's form.
func BuildDropIndex(d adapter.Dialect, table, name string) string {
	if d == adapter.DialectMySQL {
		return fmt.Sprintf("DROP INDEX %s ON %s", d.QuoteIdent(name), d.QuoteIdent(table))
	}
	return "DROP INDEX " + d.QuoteIdent(name)
}

// BuildDropTable renders DROP TABLE.
func BuildDropTable(d adapter.Dialect, table string) string {
	return "DROP TABLE " + d.QuoteIdent(table)
}

// BuildRenameTable renders the table rename.
func BuildRenameTable(d adapter.Dialect, from, to string) string {
	if d == adapter.DialectMySQL {
		return fmt.Sprintf("RENAME TABLE %s TO %s", d.QuoteIdent(from), d.QuoteIdent(to))
	}
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.QuoteIdent(from), d.QuoteIdent(to))
}

// BuildAddColumn renders ALTER TABLE ... ADD COLUMN.
func BuildAddColumn(d adapter.Dialect, table string, f schema.Field) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	def, err := ColumnDef(d, f, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.QuoteIdent(table), def), nil
}

// BuildDropColumn renders ALTER TABLE ... DROP COLUMN.
func BuildDropColumn(d adapter.Dialect, table, col string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(col))
}

// BuildRenameColumn renders the column rename.
func BuildRenameColumn(d adapter.Dialect, table, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		d.QuoteIdent(table), d.QuoteIdent(from), d.QuoteIdent(to))
}

// BuildAlterColumnType renders a column type change. SQLite has no
// direct form; the planner rebuilds the table instead.
func BuildAlterColumnType(d adapter.Dialect, table string, f schema.Field) (string, error) {
	if d == adapter.DialectSQLite {
		return "", errSQLiteRebuild(table, "change the type of column "+f.Name)
	}
	typ, err := TypeSQL(d, f.Type)
	if err != nil {
		return "", err
	}
	if d == adapter.DialectMySQL {
		def, err := ColumnDef(d, f, false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", d.QuoteIdent(table), def), nil
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.QuoteIdent(table), d.QuoteIdent(f.Name), typ, d.QuoteIdent(f.Name), typ), nil
}

// BuildAlterNullable renders SET/DROP NOT NULL.
func BuildAlterNullable(d adapter.Dialect, table string, f schema.Field) (string, error) {
	switch d {
	case adapter.DialectSQLite:
		return "", errSQLiteRebuild(table, "change nullability of column "+f.Name)
	case adapter.DialectMySQL:
		def, err := ColumnDef(d, f, false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", d.QuoteIdent(table), def), nil
	}
	action := "SET NOT NULL"
	if f.Nullable {
		action = "DROP NOT NULL"
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s",
		d.QuoteIdent(table), d.QuoteIdent(f.Name), action), nil
}

// BuildSetDefault renders a default change; an empty rendered default
// drops the existing one.
func BuildSetDefault(d adapter.Dialect, table string, f schema.Field) (string, error) {
	def, err := DefaultSQL(d, f)
	if err != nil {
		return "", err
	}
	if def == "" {
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT",
			d.QuoteIdent(table), d.QuoteIdent(f.Name)), nil
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
		d.QuoteIdent(table), d.QuoteIdent(f.Name), def), nil
}

// BuildAddFK renders ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY.
func BuildAddFK(d adapter.Dialect, table, name string, cols []string, refTable string, refCols []string) (string, error) {
	if d == adapter.DialectSQLite {
		return "", errSQLiteRebuild(table, "add a foreign key")
	}
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return "", err
	}
	refQuoted, err := quoteColumns(d, refCols)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		d.QuoteIdent(table), d.QuoteIdent(name),
		strings.Join(quoted, ", "), d.QuoteIdent(refTable), strings.Join(refQuoted, ", ")), nil
}

// BuildDropFK renders the foreign key drop.
func BuildDropFK(d adapter.Dialect, table, name string) (string, error) {
	switch d {
	case adapter.DialectSQLite:
		return "", errSQLiteRebuild(table, "drop a foreign key")
	case adapter.DialectMySQL:
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s",
			d.QuoteIdent(table), d.QuoteIdent(name)), nil
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
		d.QuoteIdent(table), d.QuoteIdent(name)), nil
}

func errSQLiteRebuild(table, what string) error {
	return fault.Wrap(fault.KindMigrationAborted, ErrRebuildRequired,
		"sqlite cannot %s on table %q in place", what, table).
		WithHint("plan a table rebuild (create new, copy, swap)")
}

// IndexName builds the conventional index name.
func IndexName(table string, cols []string) string {
	return fitName("ix_" + table + "_" + strings.Join(cols, "_"))
}

// UniqueName builds the conventional unique constraint name.
func UniqueName(table string, cols []string) string {
	return fitName("uq_" + table + "_" + strings.Join(cols, "_"))
}

// FKName builds the conventional foreign key name.
func FKName(table, col string) string {
	return fitName("fk_" + table + "_" + col)
}

// fitName truncates generated names to the identifier length cap.
func fitName(name string) string {
	if len(name) <= ident.MaxLen {
		return name
	}
	return name[:ident.MaxLen]
}
