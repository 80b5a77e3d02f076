package nodes

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/logging"
	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/cache"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// compileOperation builds one catalog entry: the declared inputs for the
// operation on this model, the advertised output keys, and the handler
// closure. The model must be normalized; every operation needs the
// synthesized primary key.
func compileOperation(m *schema.Model, op Op) (*OperationSpec, error) {
	if m.PK() == nil {
		return nil, fault.New(fault.KindValidation,
			"model %q has no primary key; normalize it before registering", m.Name)
	}
	spec := &OperationSpec{Model: m.Name, Op: op, model: m}

	switch op {
	case OpCreate:
		spec.Inputs = fieldParams(m)
		spec.Handler = createHandler(m)
	case OpRead:
		spec.Inputs = []ParamSpec{pkParam(m), filterParam(), columnsParam()}
		spec.Inputs = withSoftDeleteParams(m, spec.Inputs)
		spec.Handler = readHandler(m)
	case OpUpdate:
		spec.Inputs = []ParamSpec{
			pkParam(m),
			filterParam(),
			{Name: "fields", Type: TypeFieldMap, Required: true},
		}
		spec.Handler = updateHandler(m)
	case OpDelete:
		spec.Inputs = []ParamSpec{
			pkParam(m),
			filterParam(),
			{Name: "safe_mode", Type: TypeBool, Default: true},
			{Name: "confirmed", Type: TypeBool, Default: false},
		}
		if m.Config.SoftDelete {
			spec.Inputs = append(spec.Inputs, ParamSpec{Name: "hard_delete", Type: TypeBool, Default: false})
		}
		spec.Handler = deleteHandler(m)
	case OpList:
		spec.Inputs = []ParamSpec{
			filterParam(),
			columnsParam(),
			{Name: "order_by", Type: TypeOrderBy},
			{Name: "limit", Type: TypeInt},
			{Name: "offset", Type: TypeInt},
		}
		spec.Inputs = withSoftDeleteParams(m, spec.Inputs)
		spec.Handler = listHandler(m)
	case OpUpsert:
		spec.Inputs = append(fieldParams(m),
			ParamSpec{Name: "conflict_columns", Type: TypeColumns},
			ParamSpec{Name: "update_columns", Type: TypeColumns},
		)
		spec.Handler = upsertHandler(m)
	case OpCount:
		spec.Inputs = []ParamSpec{filterParam()}
		spec.Inputs = withSoftDeleteParams(m, spec.Inputs)
		spec.Handler = countHandler(m)
	case OpBulkCreate:
		spec.Inputs = []ParamSpec{
			{Name: "rows", Type: TypeRowList, Required: true},
			{Name: "batch_size", Type: TypeInt},
		}
		spec.Handler = bulkCreateHandler(m)
	case OpBulkUpdate:
		spec.Inputs = []ParamSpec{
			{Name: "rows", Type: TypeRowList},
			filterParam(),
			{Name: "fields", Type: TypeFieldMap},
		}
		spec.Handler = bulkUpdateHandler(m)
	case OpBulkDelete:
		spec.Inputs = []ParamSpec{
			{Name: "keys", Type: TypeKeyList},
			filterParam(),
			{Name: "safe_mode", Type: TypeBool, Default: true},
			{Name: "confirmed", Type: TypeBool, Default: false},
		}
		if m.Config.SoftDelete {
			spec.Inputs = append(spec.Inputs, ParamSpec{Name: "hard_delete", Type: TypeBool, Default: false})
		}
		spec.Handler = bulkDeleteHandler(m)
	case OpBulkUpsert:
		spec.Inputs = []ParamSpec{
			{Name: "rows", Type: TypeRowList, Required: true},
			{Name: "conflict_columns", Type: TypeColumns},
			{Name: "update_columns", Type: TypeColumns},
			{Name: "batch_size", Type: TypeInt},
		}
		spec.Handler = bulkUpsertHandler(m)
	default:
		return nil, fault.New(fault.KindInternal, "no compilation for operation %q", op)
	}

	spec.Outputs = outputsFor(op)
	spec.inputs = make(map[string]*ParamSpec, len(spec.Inputs))
	for i := range spec.Inputs {
		ps := &spec.Inputs[i]
		if _, dup := spec.inputs[ps.Name]; dup {
			return nil, fault.New(fault.KindValidation,
				"model %q: field %q collides with the %q parameter of %s", m.Name, ps.Name, ps.Name, op)
		}
		spec.inputs[ps.Name] = ps
	}
	return spec, nil
}

// fieldParams declares one input per writable model field. Columns the
// framework manages never surface as parameters. A field binds as
// required only when the database cannot fill it.
func fieldParams(m *schema.Model) []ParamSpec {
	out := make([]ParamSpec, 0, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if managedColumn(m, f.Name) {
			continue
		}
		out = append(out, ParamSpec{
			Name:      f.Name,
			Type:      TypeField,
			Required:  !f.Nullable && f.Default == nil && !f.AutoIncrement,
			Sensitive: ident.SensitiveName(f.Name),
			Field:     f,
		})
	}
	return out
}

func pkParam(m *schema.Model) ParamSpec {
	pk := m.PK()
	return ParamSpec{Name: pk.Name, Type: TypeField, Field: pk}
}

func filterParam() ParamSpec {
	return ParamSpec{Name: "filter", Type: TypeFilter}
}

func columnsParam() ParamSpec {
	return ParamSpec{Name: "columns", Type: TypeColumns}
}

func withSoftDeleteParams(m *schema.Model, in []ParamSpec) []ParamSpec {
	if !m.Config.SoftDelete {
		return in
	}
	return append(in, ParamSpec{Name: "include_deleted", Type: TypeBool, Default: false})
}

func outputsFor(op Op) []string {
	out := []string{"data", "rows_affected", "success"}
	if alias := countAlias[op]; alias != "" {
		out = append(out, alias)
	}
	switch op {
	case OpCreate, OpRead, OpUpsert:
		out = append(out, "result")
	}
	return out
}

// boundFilter combines the primary-key parameter, when bound, with the
// filter parameter. A bound pk always narrows the filter.
func boundFilter(m *schema.Model, in Params) *sqlgen.Filter {
	f := in.Filter()
	pk := m.PK()
	if v, ok := in[pk.Name]; ok {
		f = sqlgen.FieldEq(pk.Name, v).And(f)
	}
	return f
}

// collectFieldValues assembles the insert row from bound field
// parameters. Non-field inputs (conflict_columns and friends) and
// reserved names are skipped.
func collectFieldValues(m *schema.Model, in Params) map[string]any {
	row := make(map[string]any)
	for k, v := range in {
		if reservedParam(k) || m.Field(k) == nil {
			continue
		}
		row[k] = v
	}
	return row
}

func runDML(ctx context.Context, ex *ExecState, st sqlgen.Statement) (adapter.Result, error) {
	ex.logger(logging.SQLGeneration).Debug("exec",
		zap.String("sql", st.SQL), zap.Int("args", len(st.Args)))
	return ex.Runner.ExecDML(ctx, st.SQL, st.Args...)
}

func runQuery(ctx context.Context, ex *ExecState, st sqlgen.Statement) ([]adapter.Row, error) {
	ex.logger(logging.SQLGeneration).Debug("query",
		zap.String("sql", st.SQL), zap.Int("args", len(st.Args)))
	return ex.Runner.Query(ctx, st.SQL, st.Args...)
}

func runBatch(ctx context.Context, ex *ExecState, stmts []sqlgen.Statement) (int64, error) {
	var affected int64
	for _, st := range stmts {
		res, err := runDML(ctx, ex, st)
		if err != nil {
			return affected, err
		}
		affected += res.RowsAffected
	}
	return affected, nil
}

func invalidate(ex *ExecState, model string) {
	if ex.Cache != nil {
		ex.Cache.InvalidateModel(model)
	}
}

func batchSize(ex *ExecState, in Params) int {
	if n := in.Int("batch_size"); n > 0 {
		return n
	}
	return ex.BatchSize
}

// confirmUnsafe gates statements whose filter matches every row. Both
// levers must move: safe_mode off and confirmed on.
func confirmUnsafe(m *schema.Model, op Op, in Params) error {
	if in.Bool("safe_mode") || !in.Bool("confirmed") {
		return fault.New(fault.KindUnsafeBulk,
			"%s.%s with an empty filter touches every row", m.Name, op)
	}
	return nil
}

func createHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		row, err := ex.Intercept.Insert(ctx, m, collectFieldValues(m, in))
		if err != nil {
			return nil, err
		}
		env := &Envelope{Success: true, Alias: countAlias[OpCreate], Single: true}
		if ex.Dialect.SupportsReturning() {
			st, err := sqlgen.BuildInsert(ex.Dialect, sqlgen.InsertOpts{
				Table: m.Table(), Row: row, Returning: m.FieldNames(),
			})
			if err != nil {
				return nil, err
			}
			rows, err := runQuery(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				env.Data = rows[0]
			}
			env.RowsAffected = int64(len(rows))
		} else {
			st, err := sqlgen.BuildInsert(ex.Dialect, sqlgen.InsertOpts{Table: m.Table(), Row: row})
			if err != nil {
				return nil, err
			}
			res, err := runDML(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			env.RowsAffected = res.RowsAffected
			env.Data = readBack(ctx, ex, m, row, res)
		}
		invalidate(ex, m.Name)
		return env, nil
	}
}

// readBack fetches the row just written on dialects without RETURNING.
// The rewritten input row is the fallback when the fetch cannot identify
// the row.
func readBack(ctx context.Context, ex *ExecState, m *schema.Model, row map[string]any, res adapter.Result) any {
	pk := m.PK()
	pkv, ok := row[pk.Name]
	if !ok || pkv == nil {
		if res.LastInsertID == 0 {
			return row
		}
		pkv = res.LastInsertID
	}
	scoped, err := ex.Intercept.SingleSelect(ctx, m, sqlgen.FieldEq(pk.Name, pkv), false)
	if err != nil {
		return row
	}
	st, err := sqlgen.BuildSelect(ex.Dialect, sqlgen.SelectOpts{Table: m.Table(), Filter: scoped, Limit: 1})
	if err != nil {
		return row
	}
	rows, err := runQuery(ctx, ex, st)
	if err != nil || len(rows) == 0 {
		return row
	}
	return rows[0]
}

func readHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		f := boundFilter(m, in)
		if f.Empty() {
			return nil, fault.New(fault.KindValidation,
				"%s.read needs %q or a non-empty filter", m.Name, m.PK().Name)
		}
		scoped, err := ex.Intercept.SingleSelect(ctx, m, f, in.Bool("include_deleted"))
		if err != nil {
			return nil, err
		}
		cols := in.Strings("columns")
		st, err := sqlgen.BuildSelect(ex.Dialect, sqlgen.SelectOpts{
			Table: m.Table(), Columns: cols, Filter: scoped, Limit: 1,
		})
		if err != nil {
			return nil, err
		}

		load := func(ctx context.Context) (any, error) {
			rows, err := runQuery(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, nil
			}
			return rows[0], nil
		}
		var data any
		if ex.Cache != nil {
			_, args := scoped.SQL(ex.Dialect)
			fp := cache.NewFingerprint(m.Name, string(OpRead), scoped.Canonical(), args, cols, "")
			data, err = ex.Cache.Do(ctx, m.Name, fp, load)
		} else {
			data, err = load(ctx)
		}
		if err != nil {
			return nil, err
		}

		env := &Envelope{Data: data, Success: true, Single: true}
		if data != nil {
			env.RowsAffected = 1
		}
		return env, nil
	}
}

func listHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		scoped, err := ex.Intercept.ListSelect(ctx, m, in.Filter(), in.Bool("include_deleted"))
		if err != nil {
			return nil, err
		}
		cols := in.Strings("columns")
		orders := in.Orders()
		limit, offset := in.Int("limit"), in.Int("offset")
		st, err := sqlgen.BuildSelect(ex.Dialect, sqlgen.SelectOpts{
			Table: m.Table(), Columns: cols, Filter: scoped,
			OrderBy: orders, Limit: limit, Offset: offset,
		})
		if err != nil {
			return nil, err
		}

		load := func(ctx context.Context) (any, error) {
			rows, err := runQuery(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			if rows == nil {
				rows = []adapter.Row{}
			}
			return rows, nil
		}
		var data any
		if ex.Cache != nil {
			_, args := scoped.SQL(ex.Dialect)
			params := make([]any, 0, len(args)+2)
			params = append(params, args...)
			params = append(params, int64(limit), int64(offset))
			fp := cache.NewFingerprint(m.Name, string(OpList), scoped.Canonical(), params, cols, orderKey(orders))
			data, err = ex.Cache.Do(ctx, m.Name, fp, load)
		} else {
			data, err = load(ctx)
		}
		if err != nil {
			return nil, err
		}

		rows, _ := data.([]adapter.Row)
		ex.logger(logging.ListOperations).Debug("list",
			zap.String("model", m.Name), zap.Int("rows", len(rows)),
			zap.Int("limit", limit), zap.Int("offset", offset))
		return &Envelope{Data: rows, RowsAffected: int64(len(rows)), Success: true}, nil
	}
}

func orderKey(orders []sqlgen.Order) string {
	if len(orders) == 0 {
		return ""
	}
	terms := make([]string, len(orders))
	for i, o := range orders {
		if o.Desc {
			terms[i] = "-" + o.Field
		} else {
			terms[i] = o.Field
		}
	}
	return strings.Join(terms, ",")
}

func countHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		scoped, err := ex.Intercept.Count(ctx, m, in.Filter(), in.Bool("include_deleted"))
		if err != nil {
			return nil, err
		}
		st, err := sqlgen.BuildCount(ex.Dialect, m.Table(), scoped)
		if err != nil {
			return nil, err
		}

		load := func(ctx context.Context) (any, error) {
			rows, err := runQuery(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			return countValue(rows), nil
		}
		var data any
		if ex.Cache != nil {
			_, args := scoped.SQL(ex.Dialect)
			fp := cache.NewFingerprint(m.Name, string(OpCount), scoped.Canonical(), args, nil, "")
			data, err = ex.Cache.Do(ctx, m.Name, fp, load)
		} else {
			data, err = load(ctx)
		}
		if err != nil {
			return nil, err
		}

		n, _ := data.(int64)
		ex.logger(logging.ListOperations).Debug("count",
			zap.String("model", m.Name), zap.Int64("count", n))
		return &Envelope{Data: n, RowsAffected: n, Success: true}, nil
	}
}

// countValue pulls the aliased count column out of the single result row.
// Drivers disagree on the Go type of COUNT(*), so the usual suspects all
// convert.
func countValue(rows []adapter.Row) int64 {
	if len(rows) == 0 {
		return 0
	}
	v, ok := rows[0]["count"]
	if !ok {
		for _, only := range rows[0] {
			v = only
			break
		}
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		out, _ := strconv.ParseInt(string(n), 10, 64)
		return out
	case string:
		out, _ := strconv.ParseInt(n, 10, 64)
		return out
	case json.Number:
		out, _ := n.Int64()
		return out
	}
	return 0
}

func updateHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		fields := in.FieldMap("fields")
		if len(fields) == 0 {
			return nil, fault.New(fault.KindValidation, "%s.update sets no fields", m.Name)
		}
		f := boundFilter(m, in)
		if f.Empty() {
			return nil, fault.New(fault.KindValidation,
				"%s.update needs %q or a non-empty filter; bulk_update handles match-all updates", m.Name, m.PK().Name)
		}
		scoped, set, err := ex.Intercept.Update(ctx, m, f, fields)
		if err != nil {
			return nil, err
		}
		st, err := sqlgen.BuildUpdate(ex.Dialect, m.Table(), set, scoped)
		if err != nil {
			return nil, err
		}
		res, err := runDML(ctx, ex, st)
		if err != nil {
			return nil, err
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: res.RowsAffected, RowsAffected: res.RowsAffected,
			Success: true, Alias: countAlias[OpUpdate],
		}, nil
	}
}

func deleteHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		f := boundFilter(m, in)
		if f.Empty() {
			if err := confirmUnsafe(m, OpDelete, in); err != nil {
				return nil, err
			}
		}
		d, err := ex.Intercept.Delete(ctx, m, f, in.Bool("hard_delete"))
		if err != nil {
			return nil, err
		}
		var st sqlgen.Statement
		if d.Soft {
			st, err = sqlgen.BuildUpdate(ex.Dialect, m.Table(), d.Set, d.Filter)
		} else {
			st, err = sqlgen.BuildDelete(ex.Dialect, m.Table(), d.Filter)
		}
		if err != nil {
			return nil, err
		}
		res, err := runDML(ctx, ex, st)
		if err != nil {
			return nil, err
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: res.RowsAffected, RowsAffected: res.RowsAffected,
			Success: true, Alias: countAlias[OpDelete],
		}, nil
	}
}

func upsertHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		row, err := ex.Intercept.Upsert(ctx, m, collectFieldValues(m, in))
		if err != nil {
			return nil, err
		}
		conflict := in.Strings("conflict_columns")
		if len(conflict) == 0 {
			conflict = []string{m.PK().Name}
		}
		update := in.Strings("update_columns")
		if len(update) == 0 && m.Config.AuditLog {
			update = updateColsExcludingCreation(row, conflict)
		}
		o := sqlgen.UpsertOpts{Table: m.Table(), Row: row, ConflictCols: conflict, UpdateCols: update}

		env := &Envelope{Success: true, Alias: countAlias[OpUpsert], Single: true}
		if ex.Dialect.SupportsReturning() {
			o.Returning = m.FieldNames()
			st, err := sqlgen.BuildUpsert(ex.Dialect, o)
			if err != nil {
				return nil, err
			}
			rows, err := runQuery(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				env.Data = rows[0]
			}
			env.RowsAffected = int64(len(rows))
		} else {
			st, err := sqlgen.BuildUpsert(ex.Dialect, o)
			if err != nil {
				return nil, err
			}
			res, err := runDML(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			env.RowsAffected = res.RowsAffected
			env.Data = readBack(ctx, ex, m, row, res)
		}
		invalidate(ex, m.Name)
		return env, nil
	}
}

// updateColsExcludingCreation derives the conflict-update columns for
// audited models: every row column except the conflict target and the
// creation stamps, so an existing row keeps its created_at / created_by.
func updateColsExcludingCreation(row map[string]any, conflict []string) []string {
	skip := map[string]bool{
		intercept.ColCreatedAt: true,
		intercept.ColCreatedBy: true,
	}
	for _, c := range conflict {
		skip[c] = true
	}
	out := make([]string, 0, len(row))
	for c := range row {
		if !skip[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func bulkCreateHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		rows := in.Rows("rows")
		if len(rows) == 0 {
			return nil, fault.New(fault.KindValidation, "%s.bulk_create has no rows", m.Name)
		}
		b, err := ex.Intercept.BulkDML(ctx, m, intercept.Batch{Rows: rows})
		if err != nil {
			return nil, err
		}
		stmts, err := sqlgen.BuildBulkInsert(ex.Dialect, m.Table(), b.Rows, batchSize(ex, in), nil)
		if err != nil {
			return nil, err
		}
		affected, err := runBatch(ctx, ex, stmts)
		if err != nil {
			return nil, err
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: affected, RowsAffected: affected,
			Success: true, Alias: countAlias[OpBulkCreate],
		}, nil
	}
}

func bulkUpdateHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		rows := in.Rows("rows")
		fields := in.FieldMap("fields")
		switch {
		case len(rows) > 0 && len(fields) > 0:
			return nil, fault.New(fault.KindValidation,
				"%s.bulk_update takes rows or fields, not both", m.Name)
		case len(rows) == 0 && len(fields) == 0:
			return nil, fault.New(fault.KindValidation,
				"%s.bulk_update needs rows (per-row updates) or fields (one update over the filter)", m.Name)
		}

		var affected int64
		if len(rows) > 0 {
			if f := in.Filter(); !f.Empty() {
				return nil, fault.New(fault.KindValidation,
					"%s.bulk_update rows already identify their targets; drop the filter", m.Name)
			}
			pk := m.PK().Name
			keys := make([]any, len(rows))
			sets := make([]map[string]any, len(rows))
			for i, row := range rows {
				key, ok := row[pk]
				if !ok || key == nil {
					return nil, fault.New(fault.KindValidation,
						"%s.bulk_update row %d is missing %q", m.Name, i, pk)
				}
				set := make(map[string]any, len(row)-1)
				for c, v := range row {
					if c != pk {
						set[c] = v
					}
				}
				if len(set) == 0 {
					return nil, fault.New(fault.KindValidation,
						"%s.bulk_update row %d sets no columns beyond %q", m.Name, i, pk)
				}
				keys[i] = key
				sets[i] = set
			}
			b, err := ex.Intercept.BulkDML(ctx, m, intercept.Batch{Sets: sets})
			if err != nil {
				return nil, err
			}
			items := make([]sqlgen.BulkUpdateRow, len(keys))
			for i, key := range keys {
				items[i] = sqlgen.BulkUpdateRow{Key: key, Set: b.Sets[i]}
			}
			stmts, strategy, err := sqlgen.BuildBulkUpdate(ex.Dialect, m.Table(), pk, items, b.Guard)
			if err != nil {
				return nil, err
			}
			ex.logger(logging.SQLGeneration).Debug("bulk update compiled",
				zap.String("model", m.Name), zap.String("strategy", string(strategy)),
				zap.Int("statements", len(stmts)))
			affected, err = runBatch(ctx, ex, stmts)
			if err != nil {
				return nil, err
			}
		} else {
			scoped, set, err := ex.Intercept.Update(ctx, m, in.Filter(), fields)
			if err != nil {
				return nil, err
			}
			st, err := sqlgen.BuildUpdate(ex.Dialect, m.Table(), set, scoped)
			if err != nil {
				return nil, err
			}
			res, err := runDML(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			affected = res.RowsAffected
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: affected, RowsAffected: affected,
			Success: true, Alias: countAlias[OpBulkUpdate],
		}, nil
	}
}

func bulkDeleteHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		keys := in.Keys()
		f := in.Filter()
		hard := in.Bool("hard_delete")
		if len(keys) > 0 && !f.Empty() {
			return nil, fault.New(fault.KindValidation,
				"%s.bulk_delete takes keys or a filter, not both", m.Name)
		}

		var affected int64
		if len(keys) > 0 {
			d, err := ex.Intercept.Delete(ctx, m, nil, hard)
			if err != nil {
				return nil, err
			}
			var stmts []sqlgen.Statement
			if d.Soft {
				items := make([]sqlgen.BulkUpdateRow, len(keys))
				for i, key := range keys {
					items[i] = sqlgen.BulkUpdateRow{Key: key, Set: d.Set}
				}
				stmts, _, err = sqlgen.BuildBulkUpdate(ex.Dialect, m.Table(), m.PK().Name, items, d.Filter)
			} else {
				stmts, err = sqlgen.BuildBulkDelete(ex.Dialect, m.Table(), m.PK().Name, keys, d.Filter)
			}
			if err != nil {
				return nil, err
			}
			affected, err = runBatch(ctx, ex, stmts)
			if err != nil {
				return nil, err
			}
		} else {
			if f.Empty() {
				if err := confirmUnsafe(m, OpBulkDelete, in); err != nil {
					return nil, err
				}
			}
			d, err := ex.Intercept.Delete(ctx, m, f, hard)
			if err != nil {
				return nil, err
			}
			var st sqlgen.Statement
			if d.Soft {
				st, err = sqlgen.BuildUpdate(ex.Dialect, m.Table(), d.Set, d.Filter)
			} else {
				st, err = sqlgen.BuildDelete(ex.Dialect, m.Table(), d.Filter)
			}
			if err != nil {
				return nil, err
			}
			res, err := runDML(ctx, ex, st)
			if err != nil {
				return nil, err
			}
			affected = res.RowsAffected
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: affected, RowsAffected: affected,
			Success: true, Alias: countAlias[OpBulkDelete],
		}, nil
	}
}

func bulkUpsertHandler(m *schema.Model) Handler {
	return func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error) {
		rows := in.Rows("rows")
		if len(rows) == 0 {
			return nil, fault.New(fault.KindValidation, "%s.bulk_upsert has no rows", m.Name)
		}
		b, err := ex.Intercept.BulkDML(ctx, m, intercept.Batch{Rows: rows})
		if err != nil {
			return nil, err
		}
		conflict := in.Strings("conflict_columns")
		if len(conflict) == 0 {
			conflict = []string{m.PK().Name}
		}
		update := in.Strings("update_columns")
		if len(update) == 0 && m.Config.AuditLog && len(b.Rows) > 0 {
			update = updateColsExcludingCreation(b.Rows[0], conflict)
		}
		stmts, err := sqlgen.BuildBulkUpsert(ex.Dialect, m.Table(), b.Rows, conflict, update, batchSize(ex, in))
		if err != nil {
			return nil, err
		}
		affected, err := runBatch(ctx, ex, stmts)
		if err != nil {
			return nil, err
		}
		invalidate(ex, m.Name)
		return &Envelope{
			Data: affected, RowsAffected: affected,
			Success: true, Alias: countAlias[OpBulkUpsert],
		}, nil
	}
}
