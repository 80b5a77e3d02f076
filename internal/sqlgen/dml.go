package sqlgen

import (
	"fmt"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// SelectOpts describes a single-table SELECT.
type SelectOpts struct {
	Table   string
	Columns []string // empty selects *
	Filter  *Filter
	OrderBy []Order
	Limit   int // <= 0 means no limit
	Offset  int // <= 0 means no offset
}

// BuildSelect renders a SELECT statement.
func BuildSelect(d adapter.Dialect, o SelectOpts) (Statement, error) {
	if err := checkTable(o.Table); err != nil {
		return Statement{}, err
	}
	cols := "*"
	if len(o.Columns) > 0 {
		quoted, err := quoteColumns(d, o.Columns)
		if err != nil {
			return Statement{}, err
		}
		cols = strings.Join(quoted, ", ")
	}
	where, args := o.Filter.Where(d)
	order, err := orderBySQL(d, o.OrderBy)
	if err != nil {
		return Statement{}, err
	}

	j := NewJoiner(" ")
	j.Add("SELECT "+cols, "FROM "+d.QuoteIdent(o.Table), where, order)
	j.Add(limitOffsetSQL(d, o.Limit, o.Offset))
	return finish(d, j.String(), args), nil
}

// BuildCount renders SELECT COUNT(*); the result column is named count.
func BuildCount(d adapter.Dialect, table string, f *Filter) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	where, args := f.Where(d)
	j := NewJoiner(" ")
	j.Add("SELECT COUNT(*) AS "+d.QuoteIdent("count"), "FROM "+d.QuoteIdent(table), where)
	return finish(d, j.String(), args), nil
}

// InsertOpts describes a single-row INSERT.
type InsertOpts struct {
	Table string
	Row   map[string]any
	// Returning asks for these columns back. Silently dropped on
	// dialects without RETURNING; callers branch on SupportsReturning
	// when they need the values.
	Returning []string
}

// BuildInsert renders an INSERT statement. Columns bind in sorted order
// so equal logical rows produce equal SQL.
func BuildInsert(d adapter.Dialect, o InsertOpts) (Statement, error) {
	if err := checkTable(o.Table); err != nil {
		return Statement{}, err
	}
	if len(o.Row) == 0 {
		return Statement{}, fault.New(fault.KindValidation, "insert into %q has no columns", o.Table)
	}
	cols := sortedRowColumns(o.Row)
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return Statement{}, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = o.Row[c]
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(o.Table), strings.Join(quoted, ", "), placeholders(len(cols)))
	sql, err = appendReturning(d, sql, o.Returning)
	if err != nil {
		return Statement{}, err
	}
	return finish(d, sql, args), nil
}

// BuildUpdate renders an UPDATE statement. SET columns bind in sorted
// order, then the filter arguments.
func BuildUpdate(d adapter.Dialect, table string, set map[string]any, f *Filter) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	if len(set) == 0 {
		return Statement{}, fault.New(fault.KindValidation, "update of %q has no SET columns", table)
	}
	cols := sortedRowColumns(set)
	args := make([]any, 0, len(cols))
	assign := NewJoiner(", ")
	for _, c := range cols {
		if err := checkColumn(c); err != nil {
			return Statement{}, err
		}
		assign.Add(d.QuoteIdent(c) + " = ?")
		args = append(args, set[c])
	}
	where, whereArgs := f.Where(d)
	args = append(args, whereArgs...)

	j := NewJoiner(" ")
	j.Add("UPDATE "+d.QuoteIdent(table), "SET "+assign.String(), where)
	return finish(d, j.String(), args), nil
}

// BuildDelete renders a DELETE statement. An empty filter deletes every
// row; refusing that without confirmation is the node layer's job.
func BuildDelete(d adapter.Dialect, table string, f *Filter) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	where, args := f.Where(d)
	j := NewJoiner(" ")
	j.Add("DELETE FROM "+d.QuoteIdent(table), where)
	return finish(d, j.String(), args), nil
}

// UpsertOpts describes an insert-or-update of one row.
type UpsertOpts struct {
	Table string
	Row   map[string]any
	// ConflictCols names the conflict target for ON CONFLICT dialects.
	// MySQL infers the target from its unique keys and ignores this.
	ConflictCols []string
	// UpdateCols limits which columns the update arm touches; empty
	// means every row column outside the conflict target.
	UpdateCols []string
	Returning  []string
}

// BuildUpsert renders the dialect's native insert-or-update form.
func BuildUpsert(d adapter.Dialect, o UpsertOpts) (Statement, error) {
	if err := checkTable(o.Table); err != nil {
		return Statement{}, err
	}
	if len(o.Row) == 0 {
		return Statement{}, fault.New(fault.KindValidation, "upsert into %q has no columns", o.Table)
	}
	if d.Upsert() == adapter.UpsertOnConflict && len(o.ConflictCols) == 0 {
		return Statement{}, fault.New(fault.KindValidation,
			"upsert into %q needs a conflict target on %s", o.Table, d)
	}

	cols := sortedRowColumns(o.Row)
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return Statement{}, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = o.Row[c]
	}

	update, err := upsertUpdateCols(o, cols)
	if err != nil {
		return Statement{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(o.Table), strings.Join(quoted, ", "), placeholders(len(cols)))

	if d.Upsert() == adapter.UpsertOnConflict {
		conflict, err := quoteColumns(d, o.ConflictCols)
		if err != nil {
			return Statement{}, err
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s)", strings.Join(conflict, ", "))
		if len(update) == 0 {
			sb.WriteString(" DO NOTHING")
		} else {
			assign := NewJoiner(", ")
			for _, c := range update {
				assign.Add(d.QuoteIdent(c) + " = EXCLUDED." + d.QuoteIdent(c))
			}
			sb.WriteString(" DO UPDATE SET " + assign.String())
		}
	} else {
		if len(update) == 0 {
			// Degenerate but legal: refresh the conflict column itself so the
			// statement stays a no-op update instead of a syntax error.
			update = cols[:1]
		}
		assign := NewJoiner(", ")
		for _, c := range update {
			q := d.QuoteIdent(c)
			assign.Add(q + " = VALUES(" + q + ")")
		}
		sb.WriteString(" ON DUPLICATE KEY UPDATE " + assign.String())
	}

	sql, err := appendReturning(d, sb.String(), o.Returning)
	if err != nil {
		return Statement{}, err
	}
	return finish(d, sql, args), nil
}

func upsertUpdateCols(o UpsertOpts, rowCols []string) ([]string, error) {
	if len(o.UpdateCols) > 0 {
		for _, c := range o.UpdateCols {
			if err := checkColumn(c); err != nil {
				return nil, err
			}
		}
		return o.UpdateCols, nil
	}
	conflict := make(map[string]bool, len(o.ConflictCols))
	for _, c := range o.ConflictCols {
		conflict[c] = true
	}
	var out []string
	for _, c := range rowCols {
		if !conflict[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

func appendReturning(d adapter.Dialect, sql string, returning []string) (string, error) {
	if len(returning) == 0 || !d.SupportsReturning() {
		return sql, nil
	}
	quoted, err := quoteColumns(d, returning)
	if err != nil {
		return "", err
	}
	return sql + " RETURNING " + strings.Join(quoted, ", "), nil
}

func checkTable(name string) error {
	if err := ident.Check(name); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid table %q", name)
	}
	return nil
}

// limitOffsetSQL renders LIMIT/OFFSET, padding in the dialect's
// all-rows limit where OFFSET cannot stand alone.
func limitOffsetSQL(d adapter.Dialect, limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	var sb strings.Builder
	switch {
	case limit > 0:
		fmt.Fprintf(&sb, "LIMIT %d", limit)
	case d == adapter.DialectMySQL:
		sb.WriteString("LIMIT 18446744073709551615")
	case d == adapter.DialectSQLite:
		sb.WriteString("LIMIT -1")
	}
	if offset > 0 {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "OFFSET %d", offset)
	}
	return sb.String()
}

func finish(d adapter.Dialect, sql string, args []any) Statement {
	return Statement{SQL: d.Rebind(sql), Args: args}
}
