package migrate

import (
	"fmt"

	"github.com/dataflowhq/dataflow/pkg/schema"
)

// DiffKind labels one semantic difference between the declared models
// and the introspected live schema.
type DiffKind string

const (
	TableAdded               DiffKind = "table_added"
	TableDropped             DiffKind = "table_dropped"
	TableRenamed             DiffKind = "table_renamed"
	ColumnAdded              DiffKind = "column_added"
	ColumnDropped            DiffKind = "column_dropped"
	ColumnTypeChanged        DiffKind = "column_type_changed"
	ColumnDefaultChanged     DiffKind = "column_default_changed"
	ColumnNullabilityChanged DiffKind = "column_nullability_changed"
	IndexAdded               DiffKind = "index_added"
	IndexDropped             DiffKind = "index_dropped"
	FKAdded                  DiffKind = "fk_added"
	FKDropped                DiffKind = "fk_dropped"
)

// Diff is one comparator finding. Which pointers are set depends on the
// kind: declared-side fields carry the model and field for additions,
// live-side fields carry the introspected structure for drops and
// changes, and change kinds carry both.
type Diff struct {
	Kind   DiffKind
	Table  string // effective table name on the declared side
	Column string // set for column-level kinds

	// RenamedFrom holds the live table name a TableRenamed diff moves away
	// from; Table holds the declared name it moves to.
	RenamedFrom string

	Model      *schema.Model
	Field      *schema.Field
	LiveTable  *schema.TableInfo
	LiveColumn *schema.ColumnInfo

	// Index carries the affected index: the declared shape for IndexAdded,
	// the live one for IndexDropped. FK works the same way for its kinds.
	Index *schema.IndexInfo
	FK    *schema.FKInfo

	// Ambiguous lists rename candidates that matched more than one table.
	// Such tables keep their plain add/drop diffs; nothing is guessed.
	Ambiguous []string
}

// String renders a one-line description for plans and logs.
func (d Diff) String() string {
	switch d.Kind {
	case TableRenamed:
		return fmt.Sprintf("%s %s -> %s", d.Kind, d.RenamedFrom, d.Table)
	case ColumnAdded:
		return fmt.Sprintf("%s %s.%s %s", d.Kind, d.Table, d.Column, d.Field.Type)
	case ColumnTypeChanged:
		return fmt.Sprintf("%s %s.%s: %s -> %s", d.Kind, d.Table, d.Column, d.LiveColumn.DataType, d.Field.Type)
	case ColumnNullabilityChanged:
		if d.Field.Nullable {
			return fmt.Sprintf("%s %s.%s: now nullable", d.Kind, d.Table, d.Column)
		}
		return fmt.Sprintf("%s %s.%s: now NOT NULL", d.Kind, d.Table, d.Column)
	case ColumnDropped, ColumnDefaultChanged:
		return fmt.Sprintf("%s %s.%s", d.Kind, d.Table, d.Column)
	case IndexAdded, IndexDropped:
		return fmt.Sprintf("%s %s on %s", d.Kind, d.Index.Name, d.Table)
	case FKAdded, FKDropped:
		return fmt.Sprintf("%s %s on %s", d.Kind, d.FK.Name, d.Table)
	}
	return fmt.Sprintf("%s %s", d.Kind, d.Table)
}
