package sqlgen

import (
	"fmt"
	"strings"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// DefaultBatchSize caps rows per generated statement unless the caller
// picks another value.
const DefaultBatchSize = 1000

// BulkUpdateStrategy records which compilation the row-set
// classification picked.
type BulkUpdateStrategy string

const (
	// BulkUpdateCase compiles the whole set into CASE WHEN updates.
	BulkUpdateCase BulkUpdateStrategy = "case_when"
	// BulkUpdatePerRow compiles one UPDATE per row.
	BulkUpdatePerRow BulkUpdateStrategy = "per_row"
)

// BuildBulkInsert renders multi-row INSERTs, splitting into batches that
// respect both batchSize and the dialect's parameter-count limit. Every
// row must carry the same column set.
func BuildBulkInsert(d adapter.Dialect, table string, rows []map[string]any, batchSize int, returning []string) ([]Statement, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindValidation, "bulk insert into %q has no rows", table)
	}
	cols, err := uniformColumns(table, rows)
	if err != nil {
		return nil, err
	}
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return nil, err
	}

	perBatch := rowsPerBatch(d, len(cols), batchSize, 0)
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		d.QuoteIdent(table), strings.Join(quoted, ", "))
	tuple := "(" + placeholders(len(cols)) + ")"

	var stmts []Statement
	for start := 0; start < len(rows); start += perBatch {
		batch := rows[start:min(start+perBatch, len(rows))]

		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, len(batch)*len(cols))
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(tuple)
			for _, c := range cols {
				args = append(args, row[c])
			}
		}
		sql, err := appendReturning(d, sb.String(), returning)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, finish(d, sql, args))
	}
	return stmts, nil
}

// BulkUpdateRow is one keyed update: the key value plus the columns to
// set on the matching row.
type BulkUpdateRow struct {
	Key any
	Set map[string]any
}

// BuildBulkUpdate compiles keyed updates. When every row updates the
// same column set the whole batch folds into CASE WHEN statements; mixed
// shapes fall back to one UPDATE per row. A non-empty guard is AND-joined
// into every WHERE (tenant scoping, live-row predicates).
func BuildBulkUpdate(d adapter.Dialect, table, keyCol string, rows []BulkUpdateRow, guard *Filter) ([]Statement, BulkUpdateStrategy, error) {
	if err := checkTable(table); err != nil {
		return nil, "", err
	}
	if err := checkColumn(keyCol); err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", fault.New(fault.KindValidation, "bulk update of %q has no rows", table)
	}
	for i, r := range rows {
		if len(r.Set) == 0 {
			return nil, "", fault.New(fault.KindValidation, "bulk update of %q: row %d sets no columns", table, i)
		}
	}

	if shapes := countShapes(rows); shapes > 1 || len(rows) == 1 {
		stmts, err := bulkUpdatePerRow(d, table, keyCol, rows, guard)
		return stmts, BulkUpdatePerRow, err
	}
	stmts, err := bulkUpdateCase(d, table, keyCol, rows, guard)
	return stmts, BulkUpdateCase, err
}

func countShapes(rows []BulkUpdateRow) int {
	shapes := map[string]bool{}
	for _, r := range rows {
		shapes[strings.Join(sortedRowColumns(r.Set), ",")] = true
	}
	return len(shapes)
}

func bulkUpdatePerRow(d adapter.Dialect, table, keyCol string, rows []BulkUpdateRow, guard *Filter) ([]Statement, error) {
	stmts := make([]Statement, 0, len(rows))
	for _, r := range rows {
		st, err := BuildUpdate(d, table, r.Set, FieldEq(keyCol, r.Key).And(guard))
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
	}
	return stmts, nil
}

func bulkUpdateCase(d adapter.Dialect, table, keyCol string, rows []BulkUpdateRow, guard *Filter) ([]Statement, error) {
	cols := sortedRowColumns(rows[0].Set)
	for _, c := range cols {
		if err := checkColumn(c); err != nil {
			return nil, err
		}
	}
	guardSQL, guardArgs := guard.SQL(d)

	// Each row binds key+value per column plus one key in the IN list;
	// guard binds add a per-statement constant.
	perBatch := rowsPerBatch(d, 2*len(cols)+1, DefaultBatchSize, len(guardArgs))
	qKey := d.QuoteIdent(keyCol)
	qTable := d.QuoteIdent(table)

	var stmts []Statement
	for start := 0; start < len(rows); start += perBatch {
		batch := rows[start:min(start+perBatch, len(rows))]

		var sb strings.Builder
		args := make([]any, 0, len(batch)*(2*len(cols)+1)+len(guardArgs))
		sb.WriteString("UPDATE " + qTable + " SET ")
		for ci, c := range cols {
			if ci > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.QuoteIdent(c) + " = CASE " + qKey)
			for range batch {
				sb.WriteString(" WHEN ? THEN ?")
			}
			sb.WriteString(" END")
			for _, r := range batch {
				args = append(args, r.Key, r.Set[c])
			}
		}
		sb.WriteString(" WHERE " + qKey + " IN (" + placeholders(len(batch)) + ")")
		for _, r := range batch {
			args = append(args, r.Key)
		}
		if guardSQL != "" {
			sb.WriteString(" AND (" + guardSQL + ")")
			args = append(args, guardArgs...)
		}
		stmts = append(stmts, finish(d, sb.String(), args))
	}
	return stmts, nil
}

// BuildBulkDelete renders DELETE ... WHERE key IN (...), chunked under
// the dialect's parameter limit. A non-empty guard is AND-joined into
// every chunk's WHERE.
func BuildBulkDelete(d adapter.Dialect, table, keyCol string, keys []any, guard *Filter) ([]Statement, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := checkColumn(keyCol); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fault.New(fault.KindValidation, "bulk delete from %q has no keys", table)
	}
	guardSQL, guardArgs := guard.SQL(d)

	perBatch := rowsPerBatch(d, 1, DefaultBatchSize, len(guardArgs))
	head := fmt.Sprintf("DELETE FROM %s WHERE %s IN (", d.QuoteIdent(table), d.QuoteIdent(keyCol))

	var stmts []Statement
	for start := 0; start < len(keys); start += perBatch {
		batch := keys[start:min(start+perBatch, len(keys))]
		sql := head + placeholders(len(batch)) + ")"
		args := make([]any, len(batch), len(batch)+len(guardArgs))
		copy(args, batch)
		if guardSQL != "" {
			sql += " AND (" + guardSQL + ")"
			args = append(args, guardArgs...)
		}
		stmts = append(stmts, finish(d, sql, args))
	}
	return stmts, nil
}

// BuildBulkUpsert renders multi-row native upserts, batched like
// BuildBulkInsert.
func BuildBulkUpsert(d adapter.Dialect, table string, rows []map[string]any, conflictCols, updateCols []string, batchSize int) ([]Statement, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindValidation, "bulk upsert into %q has no rows", table)
	}
	if d.Upsert() == adapter.UpsertOnConflict && len(conflictCols) == 0 {
		return nil, fault.New(fault.KindValidation,
			"bulk upsert into %q needs a conflict target on %s", table, d)
	}
	cols, err := uniformColumns(table, rows)
	if err != nil {
		return nil, err
	}
	quoted, err := quoteColumns(d, cols)
	if err != nil {
		return nil, err
	}

	update, err := upsertUpdateCols(UpsertOpts{ConflictCols: conflictCols, UpdateCols: updateCols}, cols)
	if err != nil {
		return nil, err
	}

	var clause strings.Builder
	if d.Upsert() == adapter.UpsertOnConflict {
		conflict, err := quoteColumns(d, conflictCols)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&clause, " ON CONFLICT (%s)", strings.Join(conflict, ", "))
		if len(update) == 0 {
			clause.WriteString(" DO NOTHING")
		} else {
			assign := NewJoiner(", ")
			for _, c := range update {
				assign.Add(d.QuoteIdent(c) + " = EXCLUDED." + d.QuoteIdent(c))
			}
			clause.WriteString(" DO UPDATE SET " + assign.String())
		}
	} else {
		if len(update) == 0 {
			update = cols[:1]
		}
		assign := NewJoiner(", ")
		for _, c := range update {
			q := d.QuoteIdent(c)
			assign.Add(q + " = VALUES(" + q + ")")
		}
		clause.WriteString(" ON DUPLICATE KEY UPDATE " + assign.String())
	}

	perBatch := rowsPerBatch(d, len(cols), batchSize, 0)
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		d.QuoteIdent(table), strings.Join(quoted, ", "))
	tuple := "(" + placeholders(len(cols)) + ")"

	var stmts []Statement
	for start := 0; start < len(rows); start += perBatch {
		batch := rows[start:min(start+perBatch, len(rows))]

		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, len(batch)*len(cols))
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(tuple)
			for _, c := range cols {
				args = append(args, row[c])
			}
		}
		sb.WriteString(clause.String())
		stmts = append(stmts, finish(d, sb.String(), args))
	}
	return stmts, nil
}

// uniformColumns returns the shared sorted column set, rejecting ragged
// row shapes. The node layer fills defaults before rows get here, so a
// mismatch is a programming error worth failing loudly on.
func uniformColumns(table string, rows []map[string]any) ([]string, error) {
	cols := sortedRowColumns(rows[0])
	for i, row := range rows[1:] {
		if len(row) != len(cols) {
			return nil, raggedRow(table, i+1)
		}
		for _, c := range cols {
			if _, ok := row[c]; !ok {
				return nil, raggedRow(table, i+1)
			}
		}
	}
	return cols, nil
}

func raggedRow(table string, i int) error {
	return fault.New(fault.KindValidation,
		"bulk rows for %q are ragged: row %d differs from row 0", table, i).
		WithHint("fill missing columns with explicit nulls or defaults")
}

// rowsPerBatch caps rows per statement by both the requested batch size
// and the dialect's bind-parameter limit. overhead counts binds spent
// once per statement (guard predicates) rather than per row.
func rowsPerBatch(d adapter.Dialect, paramsPerRow, batchSize, overhead int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if paramsPerRow <= 0 {
		paramsPerRow = 1
	}
	limit := d.ParamLimit() - overhead
	byParams := limit / paramsPerRow
	if byParams < 1 {
		byParams = 1
	}
	if byParams < batchSize {
		return byParams
	}
	return batchSize
}
