package schema

import "sort"

// LiveSchema is the introspected state of the target database, produced by
// the adapter and consumed by the migration comparator.
type LiveSchema struct {
	Tables map[string]*TableInfo
}

// NewLiveSchema returns an empty live schema.
func NewLiveSchema() *LiveSchema {
	return &LiveSchema{Tables: make(map[string]*TableInfo)}
}

// Table returns the named table, or nil.
func (s *LiveSchema) Table(name string) *TableInfo {
	if s == nil {
		return nil
	}
	return s.Tables[name]
}

// TableNames returns the table names sorted.
func (s *LiveSchema) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableInfo describes one live table.
type TableInfo struct {
	Name        string
	Columns     []ColumnInfo
	Indexes     []IndexInfo
	ForeignKeys []FKInfo
	PrimaryKey  []string
	// RowEstimate is the planner's input for risk scoring; -1 when the
	// dialect cannot report one cheaply.
	RowEstimate int64
}

// Column returns the named column, or nil.
func (t *TableInfo) Column(name string) *ColumnInfo {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the column names in ordinal order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i := range t.Columns {
		names[i] = t.Columns[i].Name
	}
	return names
}

// ColumnInfo describes one live column.
type ColumnInfo struct {
	Name          string
	DataType      string // dialect-reported type, lowercased
	Nullable      bool
	Default       string // raw default expression, "" when none
	AutoIncrement bool
}

// IndexInfo describes one live index.
type IndexInfo struct {
	Name    string
	Columns []string
	Unique  bool
	Primary bool
}

// FKInfo describes one live foreign-key constraint.
type FKInfo struct {
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
	OnUpdate   string
}
