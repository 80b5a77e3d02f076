package migrate

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Impact reports what one diff touches beyond its own column or table:
// the dependent objects introspection knows about, the statements that
// would recreate them, and a 1-5 severity.
type Impact struct {
	Objects  []string
	Rewrites []string
	Severity int
}

func analyzeImpact(d adapter.Dialect, diff Diff, live *schema.LiveSchema) *Impact {
	imp := &Impact{}
	switch diff.Kind {
	case ColumnTypeChanged, ColumnDropped, ColumnNullabilityChanged, ColumnDefaultChanged:
		collectColumnDependents(d, imp, live, effectiveLiveName(diff), diff.Column)
	case TableDropped, TableRenamed:
		collectTableDependents(d, imp, live, effectiveLiveName(diff))
	}
	sort.Strings(imp.Objects)
	sort.Strings(imp.Rewrites)
	imp.Severity = severityOf(diff, len(imp.Objects))
	return imp
}

// effectiveLiveName is the table name to look up on the live side; a
// rename diff still lives under its old name.
func effectiveLiveName(diff Diff) string {
	if diff.Kind == TableRenamed {
		return diff.RenamedFrom
	}
	if diff.LiveTable != nil {
		return diff.LiveTable.Name
	}
	return diff.Table
}

func collectColumnDependents(d adapter.Dialect, imp *Impact, live *schema.LiveSchema, table, column string) {
	t := live.Table(table)
	if t == nil {
		return
	}
	for _, idx := range t.Indexes {
		if idx.Primary || !slices.Contains(idx.Columns, column) {
			continue
		}
		imp.Objects = append(imp.Objects, "index "+idx.Name)
		if stmt, err := sqlgen.BuildCreateIndex(d, table, idx.Name, idx.Columns, idx.Unique); err == nil {
			imp.Rewrites = append(imp.Rewrites, stmt)
		}
	}
	for _, fk := range t.ForeignKeys {
		if slices.Contains(fk.Columns, column) {
			addFKImpact(d, imp, table, fk)
		}
	}
	// Foreign keys elsewhere that point at this column.
	for _, name := range live.TableNames() {
		if name == table {
			continue
		}
		for _, fk := range live.Table(name).ForeignKeys {
			if fk.RefTable == table && slices.Contains(fk.RefColumns, column) {
				addFKImpact(d, imp, name, fk)
			}
		}
	}
}

func collectTableDependents(d adapter.Dialect, imp *Impact, live *schema.LiveSchema, table string) {
	t := live.Table(table)
	if t == nil {
		return
	}
	for _, idx := range t.Indexes {
		if idx.Primary {
			continue
		}
		imp.Objects = append(imp.Objects, "index "+idx.Name)
	}
	for _, fk := range t.ForeignKeys {
		addFKImpact(d, imp, table, fk)
	}
	for _, name := range live.TableNames() {
		if name == table {
			continue
		}
		for _, fk := range live.Table(name).ForeignKeys {
			if fk.RefTable == table {
				addFKImpact(d, imp, name, fk)
			}
		}
	}
}

func addFKImpact(d adapter.Dialect, imp *Impact, owner string, fk schema.FKInfo) {
	imp.Objects = append(imp.Objects, fmt.Sprintf("fk %s on %s", fk.Name, owner))
	if stmt, err := sqlgen.BuildAddFK(d, owner, fk.Name, fk.Columns, fk.RefTable, fk.RefColumns); err == nil {
		imp.Rewrites = append(imp.Rewrites, stmt)
	}
}

func severityOf(diff Diff, dependents int) int {
	switch diff.Kind {
	case TableAdded, IndexAdded:
		return 1
	case ColumnAdded:
		if diff.Field != nil && !diff.Field.Nullable {
			return 2
		}
		return 1
	case ColumnDefaultChanged, ColumnNullabilityChanged, IndexDropped:
		return 2
	case TableRenamed, FKAdded, FKDropped:
		return 3
	case ColumnTypeChanged:
		if dependents > 0 {
			return 4
		}
		return 3
	case ColumnDropped:
		return 4
	case TableDropped:
		return 5
	}
	return 3
}

// fkCycles walks the live referential graph and describes each cycle
// once, anchored at its lexicographically smallest table.
func fkCycles(live *schema.LiveSchema) []string {
	if live == nil {
		return nil
	}
	adj := map[string][]string{}
	for _, name := range live.TableNames() {
		if strings.HasPrefix(name, managedPrefix) {
			continue
		}
		for _, fk := range live.Table(name).ForeignKeys {
			if fk.RefTable != name {
				adj[name] = append(adj[name], fk.RefTable)
			}
		}
	}
	for n := range adj {
		sort.Strings(adj[n])
	}

	var cycles []string
	state := map[string]int{} // 0 unseen, 1 on stack, 2 done
	var stack []string
	var walk func(n string)
	walk = func(n string) {
		state[n] = 1
		stack = append(stack, n)
		for _, next := range adj[n] {
			switch state[next] {
			case 0:
				walk(next)
			case 1:
				start := -1
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				if start >= 0 {
					cyc := append([]string(nil), stack[start:]...)
					if cyc[0] == slices.Min(cyc) {
						cycles = append(cycles, strings.Join(append(cyc, next), " -> "))
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = 2
	}

	names := make([]string, 0, len(adj))
	for n := range adj {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if state[n] == 0 {
			walk(n)
		}
	}
	sort.Strings(cycles)
	return cycles
}
