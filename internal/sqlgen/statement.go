package sqlgen

import (
	"sort"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Statement is a ready-to-execute query: dialect-final SQL plus its
// positional arguments in binding order.
type Statement struct {
	SQL  string
	Args []any
}

// Order is one ORDER BY term.
type Order struct {
	Field string
	Desc  bool
}

func checkColumn(name string) error {
	if err := ident.Check(name); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid column %q", name)
	}
	return nil
}

// quoteColumns quotes a list of validated column names.
func quoteColumns(d adapter.Dialect, cols []string) ([]string, error) {
	out := make([]string, len(cols))
	for i, c := range cols {
		if err := checkColumn(c); err != nil {
			return nil, err
		}
		out[i] = d.QuoteIdent(c)
	}
	return out, nil
}

// placeholders returns "?, ?, ..." with n terms.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	return sb.String()
}

// sortedRowColumns returns the row's column names sorted, so generated
// SQL is stable for identical logical rows.
func sortedRowColumns(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func orderBySQL(d adapter.Dialect, orders []Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}
	j := NewJoiner(", ")
	for _, o := range orders {
		if err := checkColumn(o.Field); err != nil {
			return "", err
		}
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		j.Add(d.QuoteIdent(o.Field) + dir)
	}
	return "ORDER BY " + j.String(), nil
}
