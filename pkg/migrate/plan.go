package migrate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// StepKind labels one executable unit of a migration plan.
type StepKind string

const (
	StepCreateTable      StepKind = "create_table"
	StepDropTable        StepKind = "drop_table"
	StepRenameTable      StepKind = "rename_table"
	StepAddColumn        StepKind = "add_column"
	StepDropColumn       StepKind = "drop_column"
	StepAlterType        StepKind = "alter_type"
	StepAlterNullability StepKind = "alter_nullability"
	StepSetDefault       StepKind = "set_default"
	StepAddIndex         StepKind = "add_index"
	StepDropIndex        StepKind = "drop_index"
	StepAddFK            StepKind = "add_fk"
	StepDropFK           StepKind = "drop_fk"

	// StepAlterGroup is a coordinated drop-FK, alter-column, recreate-FK
	// sequence. The executor runs the whole group under one savepoint so a
	// partial failure rolls the group back together.
	StepAlterGroup StepKind = "alter_column_group"

	// StepRebuildTable is sqlite's create-copy-swap route for changes its
	// ALTER TABLE cannot express.
	StepRebuildTable StepKind = "rebuild_table"
)

// Step is one unit of work in a plan. Forward statements run in order
// under a single savepoint. Reverse statements undo the step during
// rollback; a step with Irreversible set has no automatic way back and
// forces manual recovery once it has committed work that later fails.
type Step struct {
	Kind    StepKind
	Table   string
	Column  string
	Forward []string
	Reverse []string

	Irreversible bool
	DataLoss     bool

	Impact *Impact
	Score  int

	rows int64
}

// Describe renders a one-line label for logs and dry-run output.
func (s Step) Describe() string {
	if s.Column != "" {
		return fmt.Sprintf("%s %s.%s", s.Kind, s.Table, s.Column)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Table)
}

// Plan is the ordered, risk-scored output of the planner. Steps are
// already sequenced so that renames precede column work, referenced
// tables are created before their referents, and constraint recreation
// comes last.
type Plan struct {
	Steps []Step

	// Cycles describes referential cycles found in the live schema, one
	// line per cycle. Cycles do not block execution but they do make
	// drop ordering impossible to derive, so they surface here.
	Cycles []string

	Warnings []string

	// Score is the highest step score in the plan; Band is its banding.
	// Critical plans refuse to execute without explicit confirmation.
	Score int
	Band  RiskBand
}

// Empty reports whether the plan has no work.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// Irreversible reports whether any step lacks automatic reverse SQL.
func (p *Plan) Irreversible() bool {
	for i := range p.Steps {
		if p.Steps[i].Irreversible {
			return true
		}
	}
	return false
}

// Tables returns the distinct tables the plan touches, sorted.
func (p *Plan) Tables() []string {
	seen := map[string]bool{}
	var out []string
	for i := range p.Steps {
		if t := p.Steps[i].Table; t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Forward flattens every forward statement in step order.
func (p *Plan) Forward() []string {
	var out []string
	for i := range p.Steps {
		out = append(out, p.Steps[i].Forward...)
	}
	return out
}

// Reverse flattens the reverse statements in rollback order: steps in
// reverse, each step's own reverse sequence in its written order.
func (p *Plan) Reverse() []string {
	var out []string
	for i := len(p.Steps) - 1; i >= 0; i-- {
		out = append(out, p.Steps[i].Reverse...)
	}
	return out
}

// PlanOptions feed the risk model. They describe the environment the
// plan will run against, not the plan itself.
type PlanOptions struct {
	Production     bool
	BackupVerified bool
}

type planner struct {
	d        adapter.Dialect
	live     *schema.LiveSchema
	resolver sqlgen.TableResolver

	// renamed maps live table names to their declared names, so DDL
	// emitted after the rename phase targets the post-rename name.
	renamed map[string]string

	// rebuild marks tables whose sqlite changes collapse into one
	// create-copy-swap step.
	rebuild map[string]bool

	warnings []string
}

// BuildPlan turns comparator diffs into an ordered, reversible-where-
// possible, risk-scored plan. Diffs on one sqlite table that ALTER TABLE
// cannot express are merged into a single rebuild step; type changes
// entangled with foreign keys become coordinated groups.
func BuildPlan(d adapter.Dialect, declared []*schema.Model, live *schema.LiveSchema, diffs []Diff, opts PlanOptions) (*Plan, error) {
	if live == nil {
		live = schema.NewLiveSchema()
	}

	byName := make(map[string]*schema.Model, len(declared))
	for _, m := range declared {
		byName[m.Name] = m
	}
	p := &planner{
		d:    d,
		live: live,
		resolver: func(model string) (string, bool) {
			if m, ok := byName[model]; ok {
				return m.Table(), true
			}
			return "", false
		},
		renamed: map[string]string{},
		rebuild: map[string]bool{},
	}

	for _, diff := range diffs {
		if diff.Kind == TableRenamed {
			p.renamed[diff.RenamedFrom] = diff.Table
		}
		if len(diff.Ambiguous) > 0 {
			p.warnings = append(p.warnings, fmt.Sprintf(
				"table %q matches several rename candidates (%s); treated as %s, nothing renamed",
				diff.Table, strings.Join(diff.Ambiguous, ", "), diff.Kind))
		}
	}
	if d == adapter.DialectSQLite {
		for _, diff := range diffs {
			switch diff.Kind {
			case ColumnTypeChanged, ColumnNullabilityChanged, ColumnDefaultChanged, FKAdded, FKDropped:
				p.rebuild[diff.Table] = true
			}
		}
	}

	plan := &Plan{Cycles: fkCycles(live)}
	add := func(st Step, err error) error {
		if err != nil {
			return err
		}
		plan.Steps = append(plan.Steps, st)
		return nil
	}

	// Phase 1: table renames. Everything after targets declared names.
	for _, diff := range diffs {
		if diff.Kind != TableRenamed {
			continue
		}
		if err := add(p.stepRenameTable(diff)); err != nil {
			return nil, err
		}
	}

	// Phase 2: standalone constraint and index drops.
	for _, diff := range diffs {
		if diff.Kind != FKDropped || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepDropFK(diff)); err != nil {
			return nil, err
		}
	}
	for _, diff := range diffs {
		if diff.Kind != IndexDropped || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepDropIndex(diff)); err != nil {
			return nil, err
		}
	}

	// Phase 3: new tables, referenced before referencing.
	for _, diff := range orderTableAdds(diffs, byName) {
		if err := add(p.stepCreateTable(diff)); err != nil {
			return nil, err
		}
	}

	// Phase 4: column work. Type changes entangled with live foreign
	// keys come out as coordinated groups; the rest stay single steps.
	for _, diff := range diffs {
		if diff.Kind != ColumnAdded || p.rebuild[diff.Table] {
			continue
		}
		if err := p.checkNotNullStrategy(diff); err != nil {
			return nil, err
		}
		if err := add(p.stepAddColumn(diff)); err != nil {
			return nil, err
		}
	}
	typeSteps, err := p.planTypeChanges(diffs)
	if err != nil {
		return nil, err
	}
	plan.Steps = append(plan.Steps, typeSteps...)
	for _, diff := range diffs {
		if diff.Kind != ColumnNullabilityChanged || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepAlterNullability(diff)); err != nil {
			return nil, err
		}
	}
	for _, diff := range diffs {
		if diff.Kind != ColumnDefaultChanged || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepSetDefault(diff)); err != nil {
			return nil, err
		}
	}

	// Phase 5: sqlite rebuilds, one per affected table.
	for _, table := range sortedKeys(p.rebuild) {
		st, err := p.stepRebuild(table, diffs)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, st)
	}

	// Phase 6: destructive column and table drops.
	for _, diff := range diffs {
		if diff.Kind != ColumnDropped || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepDropColumn(diff)); err != nil {
			return nil, err
		}
	}
	for _, diff := range orderTableDrops(diffs, live) {
		if err := add(p.stepDropTable(diff)); err != nil {
			return nil, err
		}
	}

	// Phase 7: index and constraint creation.
	for _, diff := range diffs {
		if diff.Kind != IndexAdded || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepAddIndex(diff)); err != nil {
			return nil, err
		}
	}
	for _, diff := range diffs {
		if diff.Kind != FKAdded || p.rebuild[diff.Table] {
			continue
		}
		if err := add(p.stepAddFK(diff)); err != nil {
			return nil, err
		}
	}

	for i := range plan.Steps {
		st := &plan.Steps[i]
		dependents := 0
		if st.Impact != nil {
			dependents = len(st.Impact.Objects)
		}
		st.Score = Score(RiskInput{
			Production:     opts.Production,
			BackupVerified: opts.BackupVerified,
			Rows:           st.rows,
			Dependents:     dependents,
			Irreversible:   st.Irreversible,
			DataLoss:       st.DataLoss,
		})
		if st.Score > plan.Score {
			plan.Score = st.Score
		}
	}
	plan.Band = Band(plan.Score)
	plan.Warnings = p.warnings
	return plan, nil
}

// post maps a live table name through the rename phase.
func (p *planner) post(liveName string) string {
	if to, ok := p.renamed[liveName]; ok {
		return to
	}
	return liveName
}

func (p *planner) liveTable(diff Diff) *schema.TableInfo {
	return p.live.Table(effectiveLiveName(diff))
}

func (p *planner) rowsIn(diff Diff) int64 {
	if t := p.liveTable(diff); t != nil {
		return t.RowEstimate
	}
	return 0
}

func (p *planner) stepRenameTable(diff Diff) (Step, error) {
	return Step{
		Kind:    StepRenameTable,
		Table:   diff.Table,
		Forward: []string{sqlgen.BuildRenameTable(p.d, diff.RenamedFrom, diff.Table)},
		Reverse: []string{sqlgen.BuildRenameTable(p.d, diff.Table, diff.RenamedFrom)},
		Impact:  analyzeImpact(p.d, diff, p.live),
		rows:    p.rowsIn(diff),
	}, nil
}

func (p *planner) stepCreateTable(diff Diff) (Step, error) {
	create, err := sqlgen.BuildCreateTable(p.d, diff.Model, p.resolver)
	if err != nil {
		return Step{}, err
	}
	forward := []string{create}
	indexes, err := sqlgen.BuildCreateIndexes(p.d, diff.Model)
	if err != nil {
		return Step{}, err
	}
	forward = append(forward, indexes...)
	return Step{
		Kind:    StepCreateTable,
		Table:   diff.Table,
		Forward: forward,
		Reverse: []string{sqlgen.BuildDropTable(p.d, diff.Table)},
		Impact:  analyzeImpact(p.d, diff, p.live),
	}, nil
}

func (p *planner) stepDropTable(diff Diff) (Step, error) {
	reverse := []string{createTableFromLive(p.d, diff.LiveTable)}
	reverse = append(reverse, liveIndexSQL(p.d, diff.LiveTable)...)
	return Step{
		Kind:     StepDropTable,
		Table:    diff.Table,
		Forward:  []string{sqlgen.BuildDropTable(p.d, diff.Table)},
		Reverse:  reverse,
		DataLoss: true,
		Impact:   analyzeImpact(p.d, diff, p.live),
		rows:     p.rowsIn(diff),
	}, nil
}

func (p *planner) stepAddColumn(diff Diff) (Step, error) {
	stmt, err := sqlgen.BuildAddColumn(p.d, diff.Table, *diff.Field)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepAddColumn,
		Table:   diff.Table,
		Column:  diff.Column,
		Forward: []string{stmt},
		Reverse: []string{sqlgen.BuildDropColumn(p.d, diff.Table, diff.Column)},
		Impact:  analyzeImpact(p.d, diff, p.live),
		rows:    p.rowsIn(diff),
	}, nil
}

func (p *planner) stepDropColumn(diff Diff) (Step, error) {
	st := Step{
		Kind:     StepDropColumn,
		Table:    diff.Table,
		Column:   diff.Column,
		Forward:  []string{sqlgen.BuildDropColumn(p.d, diff.Table, diff.Column)},
		DataLoss: true,
		Impact:   analyzeImpact(p.d, diff, p.live),
		rows:     p.rowsIn(diff),
	}
	if stmt, ok := addColumnFromLive(p.d, diff.Table, diff.LiveColumn); ok {
		st.Reverse = []string{stmt}
	} else {
		st.Irreversible = true
	}
	return st, nil
}

func (p *planner) stepAlterNullability(diff Diff) (Step, error) {
	stmt, err := sqlgen.BuildAlterNullable(p.d, diff.Table, *diff.Field)
	if err != nil {
		return Step{}, err
	}
	st := Step{
		Kind:   StepAlterNullability,
		Table:  diff.Table,
		Column: diff.Column,
		Impact: analyzeImpact(p.d, diff, p.live),
		rows:   p.rowsIn(diff),
	}
	if !diff.Field.Nullable {
		// Tightening over existing rows: backfill NULLs from the declared
		// default first, or the constraint itself will fail mid-plan.
		if diff.Field.Default != nil {
			expr, err := sqlgen.DefaultSQL(p.d, *diff.Field)
			if err != nil {
				return Step{}, err
			}
			st.Forward = append(st.Forward, fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL",
				p.d.QuoteIdent(diff.Table), p.d.QuoteIdent(diff.Column), expr, p.d.QuoteIdent(diff.Column)))
		} else if p.rowsIn(diff) != 0 {
			p.warnings = append(p.warnings, fmt.Sprintf(
				"%s.%s becomes NOT NULL without a default; existing NULL rows will abort the migration",
				diff.Table, diff.Column))
		}
	}
	st.Forward = append(st.Forward, stmt)

	loosened := *diff.Field
	loosened.Nullable = !loosened.Nullable
	rev, err := sqlgen.BuildAlterNullable(p.d, diff.Table, loosened)
	if err != nil {
		return Step{}, err
	}
	st.Reverse = []string{rev}
	return st, nil
}

func (p *planner) stepSetDefault(diff Diff) (Step, error) {
	stmt, err := sqlgen.BuildSetDefault(p.d, diff.Table, *diff.Field)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepSetDefault,
		Table:   diff.Table,
		Column:  diff.Column,
		Forward: []string{stmt},
		Reverse: []string{setDefaultToLive(p.d, diff.Table, diff.LiveColumn)},
		Impact:  analyzeImpact(p.d, diff, p.live),
		rows:    p.rowsIn(diff),
	}, nil
}

func (p *planner) stepAddIndex(diff Diff) (Step, error) {
	stmt, err := sqlgen.BuildCreateIndex(p.d, diff.Table, diff.Index.Name, diff.Index.Columns, diff.Index.Unique)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepAddIndex,
		Table:   diff.Table,
		Column:  strings.Join(diff.Index.Columns, ","),
		Forward: []string{stmt},
		Reverse: []string{sqlgen.BuildDropIndex(p.d, diff.Table, diff.Index.Name)},
		Impact:  analyzeImpact(p.d, diff, p.live),
	}, nil
}

func (p *planner) stepDropIndex(diff Diff) (Step, error) {
	rev, err := sqlgen.BuildCreateIndex(p.d, diff.Table, diff.Index.Name, diff.Index.Columns, diff.Index.Unique)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepDropIndex,
		Table:   diff.Table,
		Column:  strings.Join(diff.Index.Columns, ","),
		Forward: []string{sqlgen.BuildDropIndex(p.d, diff.Table, diff.Index.Name)},
		Reverse: []string{rev},
		Impact:  analyzeImpact(p.d, diff, p.live),
	}, nil
}

func (p *planner) stepAddFK(diff Diff) (Step, error) {
	fk := diff.FK
	stmt, err := sqlgen.BuildAddFK(p.d, diff.Table, fk.Name, fk.Columns, p.post(fk.RefTable), fk.RefColumns)
	if err != nil {
		return Step{}, err
	}
	rev, err := sqlgen.BuildDropFK(p.d, diff.Table, fk.Name)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepAddFK,
		Table:   diff.Table,
		Column:  strings.Join(fk.Columns, ","),
		Forward: []string{stmt},
		Reverse: []string{rev},
		Impact:  analyzeImpact(p.d, diff, p.live),
	}, nil
}

func (p *planner) stepDropFK(diff Diff) (Step, error) {
	fk := diff.FK
	stmt, err := sqlgen.BuildDropFK(p.d, diff.Table, fk.Name)
	if err != nil {
		return Step{}, err
	}
	rev, err := sqlgen.BuildAddFK(p.d, diff.Table, fk.Name, fk.Columns, p.post(fk.RefTable), fk.RefColumns)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:    StepDropFK,
		Table:   diff.Table,
		Column:  strings.Join(fk.Columns, ","),
		Forward: []string{stmt},
		Reverse: []string{rev},
		Impact:  analyzeImpact(p.d, diff, p.live),
	}, nil
}

func (p *planner) stepRebuild(table string, diffs []Diff) (Step, error) {
	var (
		model    *schema.Model
		liveT    *schema.TableInfo
		column   string
		columns  int
		coalesce map[string]string
		impact   *Impact
	)
	for _, diff := range diffs {
		if diff.Table != table || diff.Kind == TableRenamed {
			continue
		}
		if diff.Model != nil {
			model = diff.Model
		}
		if t := p.liveTable(diff); t != nil {
			liveT = t
		}
		if diff.Column != "" {
			column = diff.Column
			columns++
		}
		if diff.Kind == ColumnAdded {
			if err := p.checkNotNullStrategy(diff); err != nil {
				return Step{}, err
			}
		}
		if diff.Kind == ColumnNullabilityChanged && !diff.Field.Nullable && diff.Field.Default != nil {
			expr, err := sqlgen.DefaultSQL(p.d, *diff.Field)
			if err != nil {
				return Step{}, err
			}
			if coalesce == nil {
				coalesce = map[string]string{}
			}
			coalesce[diff.Column] = expr
		}
		impact = mergeImpact(impact, analyzeImpact(p.d, diff, p.live))
	}
	if model == nil || liveT == nil {
		return Step{}, fault.New(fault.KindInternal, "rebuild of %q has no declared model or live table", table)
	}
	if columns != 1 {
		column = ""
	}
	st, err := rebuildTableStep(p.d, StepRebuildTable, model, liveT, column, p.resolver, coalesce)
	if err != nil {
		return Step{}, err
	}
	st.Impact = impact
	return st, nil
}

// checkNotNullStrategy rejects a NOT NULL column addition whose default
// strategy cannot hold against the table's existing rows and constraints.
// Runs before the step is emitted so a bad plan never reaches the
// executor.
func (p *planner) checkNotNullStrategy(diff Diff) error {
	f := diff.Field
	if f == nil || f.Nullable || f.AutoIncrement {
		return nil
	}
	rows := p.rowsIn(diff)
	if rows == 0 {
		return nil
	}
	if f.Default == nil {
		return fault.New(fault.KindValidation,
			"adding NOT NULL column %s.%s to a populated table needs a default", diff.Table, diff.Column).
			WithColumn(diff.Column).
			WithHint("declare a default literal or function, or add the column as nullable and backfill first")
	}
	if !f.Default.IsFunction && uniquelyConstrained(diff.Model, f.Name) && (rows > 1 || rows < 0) {
		return fault.New(fault.KindValidation,
			"static default on unique column %s.%s would duplicate across %d existing rows", diff.Table, diff.Column, rows).
			WithColumn(diff.Column).
			WithHint("use a function default, or backfill distinct values before tightening")
	}
	if f.References != nil {
		return fault.New(fault.KindValidation,
			"NOT NULL foreign key column %s.%s cannot be added over existing rows", diff.Table, diff.Column).
			WithColumn(diff.Column).
			WithHint("add the column as nullable, backfill valid references, then alter to NOT NULL")
	}
	return nil
}

func uniquelyConstrained(m *schema.Model, column string) bool {
	if m == nil {
		return false
	}
	if f := m.Field(column); f != nil && f.Unique {
		return true
	}
	for _, u := range m.Config.Uniques {
		if len(u.Columns) == 1 && u.Columns[0] == column {
			return true
		}
	}
	return false
}

// fkEdge is one live foreign key tagged with the table that owns it.
type fkEdge struct {
	owner string
	fk    schema.FKInfo
}

// planTypeChanges emits the column type change steps. Changes whose
// columns are linked through live foreign keys form one coordinated
// group per connected component: every FK touching the component drops,
// all columns alter, the FKs come back. A lone widening that the dialect
// revalidates in place skips the dance.
func (p *planner) planTypeChanges(diffs []Diff) ([]Step, error) {
	var changes []Diff
	for _, diff := range diffs {
		if diff.Kind == ColumnTypeChanged && !p.rebuild[diff.Table] {
			changes = append(changes, diff)
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	byKey := make(map[string]Diff, len(changes))
	for _, diff := range changes {
		byKey[effectiveLiveName(diff)+"."+diff.Column] = diff
	}

	touching := map[string][]fkEdge{}
	for _, name := range p.live.TableNames() {
		if strings.HasPrefix(name, managedPrefix) {
			continue
		}
		for _, fk := range p.live.Table(name).ForeignKeys {
			edge := fkEdge{owner: name, fk: fk}
			for _, c := range fk.Columns {
				touching[name+"."+c] = append(touching[name+"."+c], edge)
			}
			for _, c := range fk.RefColumns {
				touching[fk.RefTable+"."+c] = append(touching[fk.RefTable+"."+c], edge)
			}
		}
	}

	keys := sortedKeys(byKey)
	var steps []Step
	visited := map[string]bool{}
	for _, start := range keys {
		if visited[start] {
			continue
		}
		var members []string
		fks := map[string]fkEdge{}
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			key := queue[0]
			queue = queue[1:]
			members = append(members, key)
			for _, edge := range touching[key] {
				fks[edge.owner+"/"+edge.fk.Name] = edge
				for _, c := range edge.fk.Columns {
					if k := edge.owner + "." + c; byKey[k].Kind != "" && !visited[k] {
						visited[k] = true
						queue = append(queue, k)
					}
				}
				for _, c := range edge.fk.RefColumns {
					if k := edge.fk.RefTable + "." + c; byKey[k].Kind != "" && !visited[k] {
						visited[k] = true
						queue = append(queue, k)
					}
				}
			}
		}
		sort.Strings(members)

		if len(fks) == 0 || (len(members) == 1 && p.inPlaceSafe(byKey[members[0]])) {
			for _, key := range members {
				st, err := p.stepAlterType(byKey[key])
				if err != nil {
					return nil, err
				}
				steps = append(steps, st)
			}
			continue
		}
		st, err := p.stepAlterGroup(members, byKey, fks)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// inPlaceSafe reports whether one type change can run with its foreign
// keys still attached. Postgres revalidates widened integer and varchar
// columns in place; mysql refuses any type change on an FK column, and
// sqlite never reaches here.
func (p *planner) inPlaceSafe(diff Diff) bool {
	if p.d != adapter.DialectPostgres {
		return false
	}
	declType, err := sqlgen.TypeSQL(p.d, diff.Field.Type)
	if err != nil {
		return false
	}
	return widens(diff.LiveColumn.DataType, declType)
}

func (p *planner) stepAlterType(diff Diff) (Step, error) {
	stmt, err := sqlgen.BuildAlterColumnType(p.d, diff.Table, *diff.Field)
	if err != nil {
		return Step{}, err
	}
	st := Step{
		Kind:    StepAlterType,
		Table:   diff.Table,
		Column:  diff.Column,
		Forward: []string{stmt},
		Impact:  analyzeImpact(p.d, diff, p.live),
		rows:    p.rowsIn(diff),
	}
	if rev, ok := alterTypeToLive(p.d, diff.Table, diff.LiveColumn); ok {
		st.Reverse = []string{rev}
	} else {
		st.Irreversible = true
	}
	declType, err := sqlgen.TypeSQL(p.d, diff.Field.Type)
	if err != nil {
		return Step{}, err
	}
	st.DataLoss = narrows(diff.LiveColumn.DataType, declType)
	return st, nil
}

func (p *planner) stepAlterGroup(members []string, byKey map[string]Diff, fks map[string]fkEdge) (Step, error) {
	// Referent-side columns alter first so recreated constraints always
	// point at the final type.
	referents := map[string]bool{}
	for _, edge := range fks {
		referents[edge.fk.RefTable] = true
	}
	ordered := append([]string(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti := strings.SplitN(ordered[i], ".", 2)[0]
		tj := strings.SplitN(ordered[j], ".", 2)[0]
		if referents[ti] != referents[tj] {
			return referents[ti]
		}
		return ordered[i] < ordered[j]
	})

	st := Step{Kind: StepAlterGroup}
	var reverseAlters []string
	rows := int64(0)
	anchored := false
	for _, key := range ordered {
		diff := byKey[key]
		if !anchored {
			// ordered puts referent columns first, so the first member
			// anchors the step label.
			st.Table, st.Column = diff.Table, diff.Column
			anchored = true
		}
		stmt, err := sqlgen.BuildAlterColumnType(p.d, diff.Table, *diff.Field)
		if err != nil {
			return Step{}, err
		}
		st.Forward = append(st.Forward, stmt)
		if rev, ok := alterTypeToLive(p.d, diff.Table, diff.LiveColumn); ok {
			reverseAlters = append(reverseAlters, rev)
		} else {
			st.Irreversible = true
		}
		declType, err := sqlgen.TypeSQL(p.d, diff.Field.Type)
		if err != nil {
			return Step{}, err
		}
		if narrows(diff.LiveColumn.DataType, declType) {
			st.DataLoss = true
		}
		if r := p.rowsIn(diff); r > rows {
			rows = r
		}
		st.Impact = mergeImpact(st.Impact, analyzeImpact(p.d, diff, p.live))
	}
	st.rows = rows

	var drops, adds []string
	for _, key := range sortedKeys(fks) {
		edge := fks[key]
		owner := p.post(edge.owner)
		drop, err := sqlgen.BuildDropFK(p.d, owner, edge.fk.Name)
		if err != nil {
			return Step{}, err
		}
		drops = append(drops, drop)
		addBack, err := sqlgen.BuildAddFK(p.d, owner, edge.fk.Name, edge.fk.Columns, p.post(edge.fk.RefTable), edge.fk.RefColumns)
		if err != nil {
			return Step{}, err
		}
		adds = append(adds, addBack)
	}
	st.Forward = append(append(append([]string(nil), drops...), st.Forward...), adds...)
	st.Reverse = append(append(append([]string(nil), drops...), reverseAlters...), adds...)
	return st, nil
}

// widens reports whether a change from the live type to the declared one
// only gains range: integer family rank growth or varchar length growth.
func widens(liveType, declType string) bool {
	from, to := normalizeType(liveType), normalizeType(declType)
	if fr, ok := intRank(from); ok {
		tr, ok := intRank(to)
		return ok && tr >= fr
	}
	fb, fp := splitTypeParams(from)
	tb, tp := splitTypeParams(to)
	if fb == "varchar" && tb == "varchar" {
		return varcharFits(fp, tp)
	}
	return false
}

// narrows reports whether the change can truncate stored values.
func narrows(liveType, declType string) bool {
	from, to := normalizeType(liveType), normalizeType(declType)
	if fr, ok := intRank(from); ok {
		if tr, ok := intRank(to); ok {
			return tr < fr
		}
	}
	fb, fp := splitTypeParams(from)
	tb, tp := splitTypeParams(to)
	if fb == "varchar" && tb == "varchar" {
		return !varcharFits(fp, tp)
	}
	return false
}

func intRank(t string) (int, bool) {
	switch t {
	case "smallint":
		return 1, true
	case "integer":
		return 2, true
	case "bigint":
		return 3, true
	}
	return 0, false
}

// varcharFits reports whether every value of varchar(from) fits in
// varchar(to). An unparameterized target is unbounded.
func varcharFits(from, to string) bool {
	if to == "" {
		return true
	}
	if from == "" {
		return false
	}
	var f, t int
	if _, err := fmt.Sscanf(from, "%d", &f); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(to, "%d", &t); err != nil {
		return false
	}
	return t >= f
}

func mergeImpact(a, b *Impact) *Impact {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	seen := map[string]bool{}
	merged := &Impact{Severity: a.Severity}
	if b.Severity > merged.Severity {
		merged.Severity = b.Severity
	}
	for _, o := range append(append([]string(nil), a.Objects...), b.Objects...) {
		if !seen[o] {
			seen[o] = true
			merged.Objects = append(merged.Objects, o)
		}
	}
	seen = map[string]bool{}
	for _, r := range append(append([]string(nil), a.Rewrites...), b.Rewrites...) {
		if !seen[r] {
			seen[r] = true
			merged.Rewrites = append(merged.Rewrites, r)
		}
	}
	sort.Strings(merged.Objects)
	sort.Strings(merged.Rewrites)
	return merged
}

// orderTableAdds sequences new tables so referenced tables come first.
// Ties and tables outside the added set keep lexicographic order.
func orderTableAdds(diffs []Diff, byName map[string]*schema.Model) []Diff {
	var adds []Diff
	index := map[string]int{}
	for _, diff := range diffs {
		if diff.Kind == TableAdded {
			index[diff.Table] = len(adds)
			adds = append(adds, diff)
		}
	}
	if len(adds) < 2 {
		return adds
	}

	deps := map[string][]string{} // table -> referenced tables within the added set
	indeg := map[string]int{}
	for _, diff := range adds {
		indeg[diff.Table] = 0
	}
	for _, diff := range adds {
		for _, f := range diff.Model.Fields {
			if f.References == nil {
				continue
			}
			ref, ok := byName[f.References.Model]
			if !ok {
				continue
			}
			if _, added := index[ref.Table()]; added && ref.Table() != diff.Table {
				deps[ref.Table()] = append(deps[ref.Table()], diff.Table)
				indeg[diff.Table]++
			}
		}
	}

	var ready []string
	for t, n := range indeg {
		if n == 0 {
			ready = append(ready, t)
		}
	}
	sort.Strings(ready)
	var out []Diff
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		out = append(out, adds[index[t]])
		var next []string
		for _, dep := range deps[t] {
			indeg[dep]--
			if indeg[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	// A referential cycle among new tables cannot topo-sort; emit the
	// leftovers in name order and let the database report the real error.
	if len(out) < len(adds) {
		var rest []string
		for t, n := range indeg {
			if n > 0 {
				rest = append(rest, t)
			}
		}
		sort.Strings(rest)
		for _, t := range rest {
			out = append(out, adds[index[t]])
		}
	}
	return out
}

// orderTableDrops sequences dropped tables so referencing tables go
// before their referents.
func orderTableDrops(diffs []Diff, live *schema.LiveSchema) []Diff {
	var drops []Diff
	index := map[string]int{}
	for _, diff := range diffs {
		if diff.Kind == TableDropped {
			index[diff.Table] = len(drops)
			drops = append(drops, diff)
		}
	}
	if len(drops) < 2 {
		return drops
	}

	refs := map[string]map[string]bool{} // table -> tables it references within the dropped set
	for _, diff := range drops {
		t := live.Table(diff.Table)
		if t == nil {
			continue
		}
		for _, fk := range t.ForeignKeys {
			if _, dropped := index[fk.RefTable]; dropped && fk.RefTable != diff.Table {
				if refs[diff.Table] == nil {
					refs[diff.Table] = map[string]bool{}
				}
				refs[diff.Table][fk.RefTable] = true
			}
		}
	}

	var out []Diff
	done := map[string]bool{}
	var visit func(t string)
	visit = func(t string) {
		if done[t] {
			return
		}
		done[t] = true
		// Everything referencing t must drop first.
		var before []string
		for other, targets := range refs {
			if targets[t] {
				before = append(before, other)
			}
		}
		sort.Strings(before)
		for _, other := range before {
			visit(other)
		}
		out = append(out, drops[index[t]])
	}
	names := sortedKeys(index)
	for _, t := range names {
		visit(t)
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
