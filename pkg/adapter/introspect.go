package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Introspect reads the live database structure: tables, columns,
// indexes, foreign keys, primary keys, and row estimates.
func (a *SQL) Introspect(ctx context.Context) (*schema.LiveSchema, error) {
	switch a.Dialect() {
	case DialectPostgres:
		return a.introspectPostgres(ctx)
	case DialectMySQL:
		return a.introspectMySQL(ctx)
	case DialectSQLite:
		return a.introspectSQLite(ctx)
	}
	return nil, fault.New(fault.KindAdapter, "introspection not supported for dialect %q", a.Dialect())
}

func (a *SQL) introspectPostgres(ctx context.Context) (*schema.LiveSchema, error) {
	live := schema.NewLiveSchema()

	rows, err := a.Query(ctx, `
		SELECT c.relname AS table_name, c.reltuples::bigint AS row_estimate
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind = 'r'
		ORDER BY c.relname`)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t := &schema.TableInfo{Name: rowString(r, "table_name"), RowEstimate: rowInt(r, "row_estimate")}
		if t.RowEstimate < 0 {
			t.RowEstimate = -1
		}
		live.Tables[t.Name] = t
	}

	rows, err = a.Query(ctx, `
		SELECT table_name, column_name, data_type, udt_name, character_maximum_length,
		       numeric_precision, numeric_scale, is_nullable, column_default, is_identity
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t := live.Table(rowString(r, "table_name"))
		if t == nil {
			continue
		}
		def := rowString(r, "column_default")
		col := schema.ColumnInfo{
			Name:     rowString(r, "column_name"),
			DataType: pgColumnType(r),
			Nullable: rowBool(r, "is_nullable"),
			Default:  def,
			AutoIncrement: rowBool(r, "is_identity") ||
				strings.HasPrefix(def, "nextval("),
		}
		t.Columns = append(t.Columns, col)
	}

	rows, err = a.Query(ctx, `
		SELECT t.relname AS table_name, i.relname AS index_name, a.attname AS column_name,
		       ix.indisunique AS is_unique, ix.indisprimary AS is_primary
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = current_schema() AND t.relkind = 'r'
		ORDER BY t.relname, i.relname, array_position(ix.indkey, a.attnum)`)
	if err != nil {
		return nil, err
	}
	collectIndexRows(live, rows)

	rows, err = a.Query(ctx, `
		SELECT tc.table_name, tc.constraint_name, kcu.column_name,
		       ccu.table_name AS ref_table, ccu.column_name AS ref_column,
		       rc.delete_rule, rc.update_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema()
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`)
	if err != nil {
		return nil, err
	}
	collectForeignKeyRows(live, rows)
	return live, nil
}

func (a *SQL) introspectMySQL(ctx context.Context) (*schema.LiveSchema, error) {
	live := schema.NewLiveSchema()

	rows, err := a.Query(ctx, `
		SELECT table_name AS table_name, table_rows AS row_estimate
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t := &schema.TableInfo{Name: rowString(r, "table_name"), RowEstimate: rowInt(r, "row_estimate")}
		live.Tables[t.Name] = t
	}

	// column_type keeps the length and precision parameters that
	// data_type strips (varchar(255), decimal(10,2), tinyint(1)).
	rows, err = a.Query(ctx, `
		SELECT table_name AS table_name, column_name AS column_name, column_type AS data_type,
		       is_nullable AS is_nullable, column_default AS column_default, extra AS extra
		FROM information_schema.columns
		WHERE table_schema = DATABASE()
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t := live.Table(rowString(r, "table_name"))
		if t == nil {
			continue
		}
		col := schema.ColumnInfo{
			Name:          rowString(r, "column_name"),
			DataType:      strings.ToLower(rowString(r, "data_type")),
			Nullable:      rowBool(r, "is_nullable"),
			Default:       rowString(r, "column_default"),
			AutoIncrement: strings.Contains(strings.ToLower(rowString(r, "extra")), "auto_increment"),
		}
		t.Columns = append(t.Columns, col)
	}

	rows, err = a.Query(ctx, `
		SELECT table_name AS table_name, index_name AS index_name, column_name AS column_name,
		       (non_unique = 0) AS is_unique, (index_name = 'PRIMARY') AS is_primary
		FROM information_schema.statistics
		WHERE table_schema = DATABASE()
		ORDER BY table_name, index_name, seq_in_index`)
	if err != nil {
		return nil, err
	}
	collectIndexRows(live, rows)

	rows, err = a.Query(ctx, `
		SELECT kcu.table_name AS table_name, kcu.constraint_name AS constraint_name,
		       kcu.column_name AS column_name, kcu.referenced_table_name AS ref_table,
		       kcu.referenced_column_name AS ref_column,
		       rc.delete_rule AS delete_rule, rc.update_rule AS update_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.table_schema
		WHERE kcu.table_schema = DATABASE() AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`)
	if err != nil {
		return nil, err
	}
	collectForeignKeyRows(live, rows)
	return live, nil
}

func (a *SQL) introspectSQLite(ctx context.Context) (*schema.LiveSchema, error) {
	live := schema.NewLiveSchema()

	rows, err := a.Query(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		name := rowString(r, "name")
		t := &schema.TableInfo{Name: name, RowEstimate: -1}
		if err := a.sqliteTable(ctx, t); err != nil {
			return nil, err
		}
		live.Tables[name] = t
	}
	return live, nil
}

// sqliteTable fills one table from the PRAGMA family. PRAGMA takes no
// bind parameters, so table names are quoted inline.
func (a *SQL) sqliteTable(ctx context.Context, t *schema.TableInfo) error {
	quoted := DialectSQLite.QuoteIdent(t.Name)

	cols, err := a.Query(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return err
	}
	pkCount := 0
	for _, r := range cols {
		if rowInt(r, "pk") > 0 {
			pkCount++
		}
	}
	for _, r := range cols {
		pkOrd := rowInt(r, "pk")
		dataType := strings.ToLower(rowString(r, "type"))
		col := schema.ColumnInfo{
			Name:     rowString(r, "name"),
			DataType: dataType,
			Nullable: rowInt(r, "notnull") == 0 && pkOrd == 0,
			Default:  rowString(r, "dflt_value"),
			// A lone INTEGER primary key aliases the rowid.
			AutoIncrement: pkOrd == 1 && pkCount == 1 && dataType == "integer",
		}
		t.Columns = append(t.Columns, col)
		if pkOrd > 0 {
			t.PrimaryKey = append(t.PrimaryKey, col.Name)
		}
	}

	idxs, err := a.Query(ctx, "PRAGMA index_list("+quoted+")")
	if err != nil {
		return err
	}
	for _, r := range idxs {
		idx := schema.IndexInfo{
			Name:    rowString(r, "name"),
			Unique:  rowInt(r, "unique") == 1,
			Primary: rowString(r, "origin") == "pk",
		}
		members, err := a.Query(ctx, "PRAGMA index_info("+DialectSQLite.QuoteIdent(idx.Name)+")")
		if err != nil {
			return err
		}
		for _, m := range members {
			idx.Columns = append(idx.Columns, rowString(m, "name"))
		}
		t.Indexes = append(t.Indexes, idx)
	}

	fks, err := a.Query(ctx, "PRAGMA foreign_key_list("+quoted+")")
	if err != nil {
		return err
	}
	byID := map[int64]*schema.FKInfo{}
	var order []int64
	for _, r := range fks {
		id := rowInt(r, "id")
		fk, ok := byID[id]
		if !ok {
			fk = &schema.FKInfo{
				Name:     "fk_" + t.Name + "_" + strconv.FormatInt(id, 10),
				RefTable: rowString(r, "table"),
				OnDelete: rowString(r, "on_delete"),
				OnUpdate: rowString(r, "on_update"),
			}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, rowString(r, "from"))
		fk.RefColumns = append(fk.RefColumns, rowString(r, "to"))
	}
	for _, id := range order {
		t.ForeignKeys = append(t.ForeignKeys, *byID[id])
	}
	return nil
}

func collectIndexRows(live *schema.LiveSchema, rows []Row) {
	type key struct{ table, index string }
	seen := map[key]int{}
	for _, r := range rows {
		t := live.Table(rowString(r, "table_name"))
		if t == nil {
			continue
		}
		k := key{t.Name, rowString(r, "index_name")}
		col := rowString(r, "column_name")
		if i, ok := seen[k]; ok {
			t.Indexes[i].Columns = append(t.Indexes[i].Columns, col)
			if t.Indexes[i].Primary {
				t.PrimaryKey = append(t.PrimaryKey, col)
			}
			continue
		}
		idx := schema.IndexInfo{
			Name:    k.index,
			Columns: []string{col},
			Unique:  rowBool(r, "is_unique"),
			Primary: rowBool(r, "is_primary"),
		}
		seen[k] = len(t.Indexes)
		t.Indexes = append(t.Indexes, idx)
		if idx.Primary {
			t.PrimaryKey = append(t.PrimaryKey, col)
		}
	}
}

func collectForeignKeyRows(live *schema.LiveSchema, rows []Row) {
	type key struct{ table, name string }
	seen := map[key]int{}
	for _, r := range rows {
		t := live.Table(rowString(r, "table_name"))
		if t == nil {
			continue
		}
		k := key{t.Name, rowString(r, "constraint_name")}
		if i, ok := seen[k]; ok {
			t.ForeignKeys[i].Columns = append(t.ForeignKeys[i].Columns, rowString(r, "column_name"))
			t.ForeignKeys[i].RefColumns = append(t.ForeignKeys[i].RefColumns, rowString(r, "ref_column"))
			continue
		}
		fk := schema.FKInfo{
			Name:       k.name,
			Columns:    []string{rowString(r, "column_name")},
			RefTable:   rowString(r, "ref_table"),
			RefColumns: []string{rowString(r, "ref_column")},
			OnDelete:   rowString(r, "delete_rule"),
			OnUpdate:   rowString(r, "update_rule"),
		}
		seen[k] = len(t.ForeignKeys)
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
}

// pgColumnType reassembles the parameterized type that information_schema
// splits across columns: "character varying(255)", "numeric(10,2)".
// Extension types report data_type USER-DEFINED; the udt name is the
// useful part there (vector, citext).
func pgColumnType(r Row) string {
	dt := strings.ToLower(rowString(r, "data_type"))
	switch dt {
	case "character varying", "character":
		if n := rowInt(r, "character_maximum_length"); n > 0 {
			return fmt.Sprintf("%s(%d)", dt, n)
		}
	case "numeric":
		if p := rowInt(r, "numeric_precision"); p > 0 {
			return fmt.Sprintf("numeric(%d,%d)", p, rowInt(r, "numeric_scale"))
		}
	case "user-defined":
		return strings.ToLower(rowString(r, "udt_name"))
	}
	return dt
}

// Result sets cross drivers unevenly typed; these accessors absorb the
// differences (mysql's text protocol hands back strings for numbers).

func rowString(r Row, key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func rowInt(r Row, key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case uint64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func rowBool(r Row, key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		s := strings.ToLower(v)
		return s == "yes" || s == "true" || s == "t" || s == "1"
	case []byte:
		s := strings.ToLower(string(v))
		return s == "yes" || s == "true" || s == "t" || s == "1"
	default:
		return false
	}
}
