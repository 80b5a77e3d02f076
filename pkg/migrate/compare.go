package migrate

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// managedPrefix guards the engine's own tables (migration history, lock
// rows, registry view) from ever appearing in a diff.
const managedPrefix = "dataflow_"

// CompareOptions configures the comparator.
type CompareOptions struct {
	Dialect adapter.Dialect

	// DetectRenames turns on the table-rename heuristic: a dropped live
	// table and an added declared table with identical column signatures
	// and similar names become one rename instead of a drop plus an add.
	DetectRenames bool

	// RenameThreshold is the minimum bigram name similarity (0..1) for a
	// rename match. Zero means the default of 0.6.
	RenameThreshold float64
}

func (o CompareOptions) threshold() float64 {
	if o.RenameThreshold > 0 {
		return o.RenameThreshold
	}
	return 0.6
}

// Compare walks the declared models against the live schema and returns
// the semantic differences, grouped per table in name order. Models must
// be normalized before comparison; the live schema comes from adapter
// introspection.
func Compare(declared []*schema.Model, live *schema.LiveSchema, opts CompareOptions) ([]Diff, error) {
	if live == nil {
		live = schema.NewLiveSchema()
	}

	byTable := make(map[string]*schema.Model, len(declared))
	byName := make(map[string]*schema.Model, len(declared))
	for _, m := range declared {
		byTable[m.Table()] = m
		byName[m.Name] = m
	}

	liveTables := make(map[string]*schema.TableInfo)
	for _, name := range live.TableNames() {
		if strings.HasPrefix(name, managedPrefix) {
			continue
		}
		liveTables[name] = live.Table(name)
	}

	var addedNames, droppedNames []string
	for t := range byTable {
		if _, ok := liveTables[t]; !ok {
			addedNames = append(addedNames, t)
		}
	}
	for t := range liveTables {
		if _, ok := byTable[t]; !ok {
			droppedNames = append(droppedNames, t)
		}
	}
	sort.Strings(addedNames)
	sort.Strings(droppedNames)

	renames := map[string]string{}
	ambiguous := map[string][]string{}
	if opts.DetectRenames {
		renames, ambiguous = detectTableRenames(opts, byTable, liveTables, addedNames, droppedNames)
	}

	declaredOrder := make([]string, 0, len(byTable))
	for t := range byTable {
		declaredOrder = append(declaredOrder, t)
	}
	sort.Strings(declaredOrder)

	var diffs []Diff
	consumed := map[string]bool{}
	for _, t := range declaredOrder {
		m := byTable[t]
		liveT := liveTables[t]
		if liveT == nil {
			if from, ok := renames[t]; ok {
				liveT = liveTables[from]
				consumed[from] = true
				diffs = append(diffs, Diff{
					Kind: TableRenamed, Table: t, RenamedFrom: from,
					Model: m, LiveTable: liveT,
				})
			} else {
				diffs = append(diffs, Diff{
					Kind: TableAdded, Table: t, Model: m,
					Ambiguous: ambiguous[t],
				})
				continue
			}
		}
		tableDiffs, err := compareTable(opts.Dialect, m, liveT, t, byName)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, tableDiffs...)
	}

	for _, t := range droppedNames {
		if consumed[t] {
			continue
		}
		diffs = append(diffs, Diff{
			Kind: TableDropped, Table: t, LiveTable: liveTables[t],
			Ambiguous: ambiguous[t],
		})
	}
	return diffs, nil
}

func compareTable(d adapter.Dialect, m *schema.Model, liveT *schema.TableInfo, table string, byName map[string]*schema.Model) ([]Diff, error) {
	var diffs []Diff

	declaredNames := make(map[string]bool, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		declaredNames[f.Name] = true
		lc := liveT.Column(f.Name)
		if lc == nil {
			diffs = append(diffs, Diff{
				Kind: ColumnAdded, Table: table, Column: f.Name,
				Model: m, Field: f, LiveTable: liveT,
			})
			continue
		}
		declType, err := sqlgen.TypeSQL(d, f.Type)
		if err != nil {
			return nil, err
		}
		if !typesEquivalent(declType, lc.DataType) {
			diffs = append(diffs, Diff{
				Kind: ColumnTypeChanged, Table: table, Column: f.Name,
				Model: m, Field: f, LiveTable: liveT, LiveColumn: lc,
			})
		}
		if f.Nullable != lc.Nullable {
			diffs = append(diffs, Diff{
				Kind: ColumnNullabilityChanged, Table: table, Column: f.Name,
				Model: m, Field: f, LiveTable: liveT, LiveColumn: lc,
			})
		}
		// Auto-increment columns carry sequence machinery in their
		// reported default (nextval on postgres); not a real default.
		if !f.AutoIncrement && !lc.AutoIncrement && !defaultsEquivalent(d, f, lc.Default) {
			diffs = append(diffs, Diff{
				Kind: ColumnDefaultChanged, Table: table, Column: f.Name,
				Model: m, Field: f, LiveTable: liveT, LiveColumn: lc,
			})
		}
	}

	for i := range liveT.Columns {
		lc := &liveT.Columns[i]
		if !declaredNames[lc.Name] {
			diffs = append(diffs, Diff{
				Kind: ColumnDropped, Table: table, Column: lc.Name,
				Model: m, LiveTable: liveT, LiveColumn: lc,
			})
		}
	}

	diffs = append(diffs, compareIndexes(d, m, liveT, table)...)
	diffs = append(diffs, compareForeignKeys(m, liveT, table, byName)...)
	return diffs, nil
}

// declaredIndexes collects every index the model implies: indexed fields,
// unique fields (the inline UNIQUE constraint is enforced by an index),
// and the config-level index and unique declarations.
func declaredIndexes(m *schema.Model) []schema.IndexInfo {
	table := m.Table()
	var out []schema.IndexInfo
	for _, f := range m.Fields {
		if f.Indexed && !f.Unique {
			out = append(out, schema.IndexInfo{
				Name: sqlgen.IndexName(table, []string{f.Name}), Columns: []string{f.Name},
			})
		}
		if f.Unique && f.Name != m.PrimaryKey {
			out = append(out, schema.IndexInfo{
				Name: sqlgen.UniqueName(table, []string{f.Name}), Columns: []string{f.Name}, Unique: true,
			})
		}
	}
	for _, idx := range m.Config.Indexes {
		name := idx.Name
		if name == "" {
			name = sqlgen.IndexName(table, idx.Columns)
		}
		out = append(out, schema.IndexInfo{Name: name, Columns: idx.Columns, Unique: idx.Unique})
	}
	for _, u := range m.Config.Uniques {
		name := u.Name
		if name == "" {
			name = sqlgen.UniqueName(table, u.Columns)
		}
		out = append(out, schema.IndexInfo{Name: name, Columns: u.Columns, Unique: true})
	}
	return out
}

// Indexes match on structure (ordered columns plus uniqueness), not on
// name: the database names constraint-backed indexes its own way.
func indexSignature(idx schema.IndexInfo) string {
	u := ""
	if idx.Unique {
		u = "!"
	}
	return u + strings.Join(idx.Columns, ",")
}

func compareIndexes(d adapter.Dialect, m *schema.Model, liveT *schema.TableInfo, table string) []Diff {
	want := declaredIndexes(m)
	haveSig := map[string]bool{}
	var liveIdx []schema.IndexInfo
	for _, idx := range liveT.Indexes {
		if idx.Primary || strings.HasPrefix(idx.Name, "sqlite_autoindex") {
			continue
		}
		// InnoDB creates a supporting index per foreign key; treating it
		// as a stray index would fight the database on every run.
		if d == adapter.DialectMySQL && matchesForeignKey(liveT, idx.Columns) {
			continue
		}
		liveIdx = append(liveIdx, idx)
		haveSig[indexSignature(idx)] = true
	}

	wantSig := map[string]bool{}
	var diffs []Diff
	for i := range want {
		sig := indexSignature(want[i])
		wantSig[sig] = true
		if !haveSig[sig] {
			idx := want[i]
			diffs = append(diffs, Diff{
				Kind: IndexAdded, Table: table, Model: m, LiveTable: liveT, Index: &idx,
			})
		}
	}
	for i := range liveIdx {
		if !wantSig[indexSignature(liveIdx[i])] {
			idx := liveIdx[i]
			diffs = append(diffs, Diff{
				Kind: IndexDropped, Table: table, Model: m, LiveTable: liveT, Index: &idx,
			})
		}
	}
	return diffs
}

func matchesForeignKey(liveT *schema.TableInfo, cols []string) bool {
	for _, fk := range liveT.ForeignKeys {
		if strings.Join(fk.Columns, ",") == strings.Join(cols, ",") {
			return true
		}
	}
	return false
}

// declaredForeignKeys resolves field references to concrete table names.
// Referenced models outside the declared set fall back to the snake-case
// table convention.
func declaredForeignKeys(m *schema.Model, byName map[string]*schema.Model) []schema.FKInfo {
	table := m.Table()
	var out []schema.FKInfo
	for _, f := range m.Fields {
		if f.References == nil {
			continue
		}
		refTable := schema.ToSnake(f.References.Model)
		if refM, ok := byName[f.References.Model]; ok {
			refTable = refM.Table()
		}
		out = append(out, schema.FKInfo{
			Name:       sqlgen.FKName(table, f.Name),
			Columns:    []string{f.Name},
			RefTable:   refTable,
			RefColumns: []string{f.References.Field},
		})
	}
	return out
}

func fkSignature(fk schema.FKInfo) string {
	return strings.Join(fk.Columns, ",") + ">" + fk.RefTable + "(" + strings.Join(fk.RefColumns, ",") + ")"
}

func compareForeignKeys(m *schema.Model, liveT *schema.TableInfo, table string, byName map[string]*schema.Model) []Diff {
	want := declaredForeignKeys(m, byName)
	haveSig := map[string]bool{}
	for _, fk := range liveT.ForeignKeys {
		haveSig[fkSignature(fk)] = true
	}
	wantSig := map[string]bool{}
	var diffs []Diff
	for i := range want {
		sig := fkSignature(want[i])
		wantSig[sig] = true
		if !haveSig[sig] {
			fk := want[i]
			diffs = append(diffs, Diff{
				Kind: FKAdded, Table: table, Model: m, LiveTable: liveT, FK: &fk,
			})
		}
	}
	for i := range liveT.ForeignKeys {
		if !wantSig[fkSignature(liveT.ForeignKeys[i])] {
			fk := liveT.ForeignKeys[i]
			diffs = append(diffs, Diff{
				Kind: FKDropped, Table: table, Model: m, LiveTable: liveT, FK: &fk,
			})
		}
	}
	return diffs
}

// detectTableRenames pairs added declared tables with dropped live tables.
// A pair must have identical column signatures, clear the name-similarity
// threshold, and be each other's only candidate; anything ambiguous is
// reported and left as a drop plus an add.
func detectTableRenames(opts CompareOptions, byTable map[string]*schema.Model, liveTables map[string]*schema.TableInfo, added, dropped []string) (map[string]string, map[string][]string) {
	renames := map[string]string{}
	ambiguous := map[string][]string{}

	declSig := map[string]string{}
	for _, t := range added {
		sig, err := modelSignature(opts.Dialect, byTable[t])
		if err != nil {
			continue
		}
		declSig[t] = sig
	}
	liveSig := map[string]string{}
	for _, t := range dropped {
		liveSig[t] = tableSignature(liveTables[t])
	}

	candidates := map[string][]string{}
	reverse := map[string][]string{}
	for _, a := range added {
		for _, d := range dropped {
			if declSig[a] == "" || declSig[a] != liveSig[d] {
				continue
			}
			if similarity(a, d) < opts.threshold() {
				continue
			}
			candidates[a] = append(candidates[a], d)
			reverse[d] = append(reverse[d], a)
		}
	}

	for _, a := range added {
		cands := candidates[a]
		switch {
		case len(cands) == 0:
		case len(cands) == 1 && len(reverse[cands[0]]) == 1:
			renames[a] = cands[0]
		default:
			// Contested on one side or the other: record the candidates on
			// both tables and fall back to drop plus add.
			ambiguous[a] = append(ambiguous[a], cands...)
			for _, c := range cands {
				ambiguous[c] = append(ambiguous[c], a)
			}
		}
	}
	for k := range ambiguous {
		sort.Strings(ambiguous[k])
	}
	return renames, ambiguous
}

func modelSignature(d adapter.Dialect, m *schema.Model) (string, error) {
	parts := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		t, err := sqlgen.TypeSQL(d, f.Type)
		if err != nil {
			return "", err
		}
		parts = append(parts, f.Name+":"+normalizeType(t))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";"), nil
}

func tableSignature(t *schema.TableInfo) string {
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		parts = append(parts, c.Name+":"+normalizeType(c.DataType))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// similarity is the bigram Dice coefficient over the two names.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := func(s string) map[string]int {
		g := map[string]int{}
		for i := 0; i+2 <= len(s); i++ {
			g[s[i:i+2]]++
		}
		return g
	}
	ga, gb := grams(a), grams(b)
	shared := 0
	for g, n := range ga {
		if m := gb[g]; m < n {
			shared += m
		} else {
			shared += n
		}
	}
	return 2 * float64(shared) / float64(len(a)-1+len(b)-1)
}

// normalizeType canonicalizes a generated or dialect-reported column type
// for comparison: lowercased, synonym bases folded, parameter spacing
// collapsed, and meaningless integer display widths stripped.
func normalizeType(s string) string {
	base, params := splitTypeParams(strings.ToLower(strings.TrimSpace(s)))
	params = strings.ReplaceAll(params, " ", "")
	switch base {
	case "character varying":
		base = "varchar"
	case "character":
		base = "char"
	case "timestamp with time zone":
		base = "timestamptz"
	case "timestamp without time zone":
		base = "timestamp"
	case "double precision", "float8":
		base = "double"
	case "boolean":
		base = "bool"
	case "decimal":
		base = "numeric"
	case "int", "int4", "mediumint":
		base, params = "integer", ""
	case "integer", "bigint", "smallint":
		params = "" // mysql display widths carry no type information
	case "int8":
		base, params = "bigint", ""
	case "int2":
		base, params = "smallint", ""
	case "tinyint":
		if params == "" || params == "1" {
			return "bool"
		}
	}
	if params == "" {
		return base
	}
	return base + "(" + params + ")"
}

func splitTypeParams(s string) (base, params string) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return s, ""
	}
	return strings.TrimSpace(s[:open]), s[open+1 : len(s)-1]
}

// typesEquivalent compares a declared type rendering with a live reported
// one. Extension types lose their parameters to introspection (postgres
// reports vector, never vector(768)), so a parameterless side matches on
// the base alone for those.
func typesEquivalent(declared, live string) bool {
	a, b := normalizeType(declared), normalizeType(live)
	if a == b {
		return true
	}
	ab, ap := splitTypeParams(a)
	bb, bp := splitTypeParams(b)
	if ab != bb {
		return false
	}
	return ab == "vector" && (ap == "" || bp == "")
}

// defaultsEquivalent compares the declared default rendering with the
// dialect-reported one.
func defaultsEquivalent(d adapter.Dialect, f *schema.Field, liveDefault string) bool {
	declSQL, err := sqlgen.DefaultSQL(d, *f)
	if err != nil {
		return false
	}
	return normalizeDefault(declSQL) == normalizeDefault(liveDefault)
}

// normalizeDefault strips the decoration dialects wrap around a stored
// default: postgres type casts ('x'::character varying), mysql expression
// parens, quote styles, and function spelling variants.
func normalizeDefault(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return ""
	}
	if i := strings.Index(s, "::"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	for len(s) > 1 && s[0] == '(' && s[len(s)-1] == ')' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	switch lower := strings.ToLower(s); lower {
	case "now()", "current_timestamp", "current_timestamp()", "current_timestamp(6)":
		return "now"
	case "gen_random_uuid()", "uuid()":
		return "uuid"
	case "true":
		return "1"
	case "false":
		return "0"
	}
	s = strings.Trim(s, "'")
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
