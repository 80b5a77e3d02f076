package migrate

import (
	"fmt"
	"strings"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// rebuildTableStep rewrites a table into its declared shape by the
// create-copy-swap route: sqlite's ALTER TABLE cannot change a column
// type, nullability, or default, and cannot add or drop a foreign key.
// The scratch table gets the declared definition, shared columns are
// copied across, and the swap reuses the original name. Rebuilds do not
// reverse automatically; the pre-rebuild shape is gone once the original
// table drops.
func rebuildTableStep(d adapter.Dialect, kind StepKind, m *schema.Model, liveT *schema.TableInfo, column string, resolver sqlgen.TableResolver, coalesce map[string]string) (Step, error) {
	table := m.Table()
	scratch := *m
	scratch.Config.TableName = table + "__rebuild"

	create, err := sqlgen.BuildCreateTable(d, &scratch, resolver)
	if err != nil {
		return Step{}, err
	}

	var insertCols, selectCols []string
	dropsData := false
	declared := map[string]bool{}
	for _, f := range m.Fields {
		declared[f.Name] = true
		if liveT.Column(f.Name) == nil {
			continue
		}
		insertCols = append(insertCols, d.QuoteIdent(f.Name))
		if expr, ok := coalesce[f.Name]; ok {
			selectCols = append(selectCols, fmt.Sprintf("COALESCE(%s, %s)", d.QuoteIdent(f.Name), expr))
		} else {
			selectCols = append(selectCols, d.QuoteIdent(f.Name))
		}
	}
	for i := range liveT.Columns {
		if !declared[liveT.Columns[i].Name] {
			dropsData = true
		}
	}

	forward := []string{
		create,
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.QuoteIdent(scratch.Table()), strings.Join(insertCols, ", "),
			strings.Join(selectCols, ", "), d.QuoteIdent(table)),
		sqlgen.BuildDropTable(d, table),
		sqlgen.BuildRenameTable(d, scratch.Table(), table),
	}
	indexes, err := sqlgen.BuildCreateIndexes(d, m)
	if err != nil {
		return Step{}, err
	}
	forward = append(forward, indexes...)

	return Step{
		Kind:         kind,
		Table:        table,
		Column:       column,
		Forward:      forward,
		Irreversible: true,
		DataLoss:     dropsData,
		rows:         liveT.RowEstimate,
	}, nil
}
