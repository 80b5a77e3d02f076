package sqlgen

import (
	"reflect"
	"sort"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Filter is a parsed filter document. Parsing validates structure once;
// rendering is then infallible and deterministic, which the cache relies
// on for fingerprinting. The zero/nil Filter matches all rows.
type Filter struct {
	root cond
}

type cond interface {
	sql(d adapter.Dialect, sb *strings.Builder, args *[]any)
	// canon writes a dialect-independent shape with ? placeholders.
	canon(sb *strings.Builder)
}

// ParseFilter parses a filter document. Two leaf forms are accepted:
// direct equality {field: value} and operator documents
// {field: {$op: value, ...}}. $and, $or, and $nor compose sub-filters.
// An empty document matches all rows.
func ParseFilter(doc map[string]any) (*Filter, error) {
	if len(doc) == 0 {
		return &Filter{}, nil
	}
	root, err := parseDoc(doc)
	if err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

// Empty reports whether the filter matches all rows.
func (f *Filter) Empty() bool {
	return f == nil || f.root == nil
}

// SQL renders the filter for a dialect. Arguments come back in binding
// order; placeholders are ? and expect a later Rebind.
func (f *Filter) SQL(d adapter.Dialect) (string, []any) {
	if f.Empty() {
		return "", nil
	}
	var sb strings.Builder
	var args []any
	f.root.sql(d, &sb, &args)
	return sb.String(), args
}

// Where renders "WHERE ..." or "" for the empty filter.
func (f *Filter) Where(d adapter.Dialect) (string, []any) {
	frag, args := f.SQL(d)
	if frag == "" {
		return "", nil
	}
	return "WHERE " + frag, args
}

// Canonical returns the dialect-independent shape of the filter, with ?
// in place of every value. Identical logical filters produce identical
// canonical strings regardless of map iteration order.
func (f *Filter) Canonical() string {
	if f.Empty() {
		return ""
	}
	var sb strings.Builder
	f.root.canon(&sb)
	return sb.String()
}

// And conjoins two filters into a new one. Either side may be nil or
// empty; neither input is mutated.
func (f *Filter) And(extra *Filter) *Filter {
	if extra.Empty() {
		return f
	}
	if f.Empty() {
		return extra
	}
	left, ok := f.root.(*logicalCond)
	if ok && left.op == "AND" {
		kids := make([]cond, 0, len(left.kids)+1)
		kids = append(kids, left.kids...)
		kids = append(kids, extra.root)
		return &Filter{root: &logicalCond{op: "AND", kids: kids}}
	}
	return &Filter{root: &logicalCond{op: "AND", kids: []cond{f.root, extra.root}}}
}

// FieldEq builds a single-equality filter. Used for framework-injected
// predicates; field names come from normalized models.
func FieldEq(field string, v any) *Filter {
	return &Filter{root: &compareCond{col: field, op: "=", value: v}}
}

// FieldIsNull builds a NULL-check filter.
func FieldIsNull(field string) *Filter {
	return &Filter{root: &nullCond{col: field}}
}

func parseDoc(doc map[string]any) (cond, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var kids []cond
	for _, k := range keys {
		v := doc[k]
		switch {
		case k == "$and" || k == "$or" || k == "$nor":
			c, err := parseLogical(k, v)
			if err != nil {
				return nil, err
			}
			kids = append(kids, c)
		case strings.HasPrefix(k, "$"):
			return nil, fault.New(fault.KindInvalidFilter, "unknown logical operator %q", k)
		default:
			c, err := parseField(k, v)
			if err != nil {
				return nil, err
			}
			kids = append(kids, c)
		}
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return &logicalCond{op: "AND", kids: kids}, nil
}

func parseLogical(op string, v any) (cond, error) {
	subs, ok := asSlice(v)
	if !ok {
		return nil, fault.New(fault.KindInvalidFilter, "%s expects an array of sub-filters", op)
	}
	if len(subs) == 0 {
		return nil, fault.New(fault.KindInvalidFilter, "%s with an empty array is ambiguous; remove the operator", op)
	}
	kids := make([]cond, 0, len(subs))
	for i, sub := range subs {
		doc, ok := sub.(map[string]any)
		if !ok {
			return nil, fault.New(fault.KindInvalidFilter, "%s element %d is not a sub-filter document", op, i)
		}
		if len(doc) == 0 {
			return nil, fault.New(fault.KindInvalidFilter, "%s element %d is empty", op, i)
		}
		c, err := parseDoc(doc)
		if err != nil {
			return nil, err
		}
		kids = append(kids, c)
	}
	sqlOp := map[string]string{"$and": "AND", "$or": "OR", "$nor": "NOR"}[op]
	return &logicalCond{op: sqlOp, kids: kids}, nil
}

func parseField(field string, v any) (cond, error) {
	if err := ident.Check(field); err != nil {
		return nil, fault.Wrap(fault.KindInvalidFilter, err, "invalid filter field %q", field)
	}
	if ops, ok := v.(map[string]any); ok {
		return parseOps(field, ops)
	}
	if v == nil {
		return &nullCond{col: field}, nil
	}
	return &compareCond{col: field, op: "=", value: v}, nil
}

func parseOps(field string, ops map[string]any) (cond, error) {
	if len(ops) == 0 {
		return nil, fault.New(fault.KindInvalidFilter, "empty operator document for field %q", field)
	}
	keys := make([]string, 0, len(ops))
	for k := range ops {
		if !strings.HasPrefix(k, "$") {
			return nil, fault.New(fault.KindInvalidFilter,
				"field %q mixes operator and non-operator keys (%q)", field, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var kids []cond
	for _, op := range keys {
		c, err := parseOp(field, op, ops[op])
		if err != nil {
			return nil, err
		}
		kids = append(kids, c)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return &logicalCond{op: "AND", kids: kids}, nil
}

var comparisonOps = map[string]string{
	"$eq":  "=",
	"$ne":  "<>",
	"$lt":  "<",
	"$lte": "<=",
	"$gt":  ">",
	"$gte": ">=",
}

func parseOp(field, op string, v any) (cond, error) {
	if sqlOp, ok := comparisonOps[op]; ok {
		if v == nil {
			switch op {
			case "$eq":
				return &nullCond{col: field}, nil
			case "$ne":
				return &nullCond{col: field, notNull: true}, nil
			}
			return nil, fault.New(fault.KindInvalidFilter, "%s does not accept null for field %q", op, field)
		}
		return &compareCond{col: field, op: sqlOp, value: v}, nil
	}

	switch op {
	case "$in", "$nin":
		vals, ok := asSlice(v)
		if !ok {
			return nil, fault.New(fault.KindInvalidFilter, "%s expects an array for field %q", op, field)
		}
		if len(vals) == 0 {
			return nil, fault.New(fault.KindInvalidFilter,
				"%s with an empty set for field %q matches nothing", op, field)
		}
		return &inCond{col: field, values: vals, negate: op == "$nin"}, nil
	case "$regex":
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fault.New(fault.KindInvalidFilter, "$regex expects a non-empty pattern string for field %q", field)
		}
		return &patternCond{col: field, value: s, regex: true}, nil
	case "$like":
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fault.New(fault.KindInvalidFilter, "$like expects a non-empty pattern string for field %q", field)
		}
		return &patternCond{col: field, value: s}, nil
	case "$exists":
		b, ok := v.(bool)
		if !ok {
			return nil, fault.New(fault.KindInvalidFilter, "$exists expects a boolean for field %q", field)
		}
		return &nullCond{col: field, notNull: b}, nil
	case "$not":
		sub, ok := v.(map[string]any)
		if !ok || len(sub) == 0 {
			return nil, fault.New(fault.KindInvalidFilter, "$not expects a non-empty operator document for field %q", field)
		}
		kid, err := parseOps(field, sub)
		if err != nil {
			return nil, err
		}
		return &notCond{kid: kid}, nil
	case "$between":
		vals, ok := asSlice(v)
		if !ok || len(vals) != 2 {
			return nil, fault.New(fault.KindInvalidFilter, "$between expects a [low, high] pair for field %q", field)
		}
		return &betweenCond{col: field, lo: vals[0], hi: vals[1]}, nil
	}
	return nil, fault.New(fault.KindInvalidFilter, "unknown filter operator %q for field %q", op, field)
}

// asSlice widens any slice or array value to []any. []byte stays scalar.
func asSlice(v any) ([]any, bool) {
	if vs, ok := v.([]any); ok {
		return vs, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

type compareCond struct {
	col   string
	op    string
	value any
}

func (c *compareCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString(d.QuoteIdent(c.col))
	sb.WriteByte(' ')
	sb.WriteString(c.op)
	sb.WriteString(" ?")
	*args = append(*args, c.value)
}

func (c *compareCond) canon(sb *strings.Builder) {
	sb.WriteString(c.col)
	sb.WriteByte(' ')
	sb.WriteString(c.op)
	sb.WriteString(" ?")
}

type nullCond struct {
	col     string
	notNull bool
}

func (c *nullCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString(d.QuoteIdent(c.col))
	if c.notNull {
		sb.WriteString(" IS NOT NULL")
	} else {
		sb.WriteString(" IS NULL")
	}
}

func (c *nullCond) canon(sb *strings.Builder) {
	sb.WriteString(c.col)
	if c.notNull {
		sb.WriteString(" IS NOT NULL")
	} else {
		sb.WriteString(" IS NULL")
	}
}

type inCond struct {
	col    string
	values []any
	negate bool
}

func (c *inCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString(d.QuoteIdent(c.col))
	if c.negate {
		sb.WriteString(" NOT IN (")
	} else {
		sb.WriteString(" IN (")
	}
	sb.WriteString(placeholders(len(c.values)))
	sb.WriteByte(')')
	*args = append(*args, c.values...)
}

func (c *inCond) canon(sb *strings.Builder) {
	sb.WriteString(c.col)
	if c.negate {
		sb.WriteString(" NOT IN (")
	} else {
		sb.WriteString(" IN (")
	}
	sb.WriteString(placeholders(len(c.values)))
	sb.WriteByte(')')
}

type betweenCond struct {
	col    string
	lo, hi any
}

func (c *betweenCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString(d.QuoteIdent(c.col))
	sb.WriteString(" BETWEEN ? AND ?")
	*args = append(*args, c.lo, c.hi)
}

func (c *betweenCond) canon(sb *strings.Builder) {
	sb.WriteString(c.col)
	sb.WriteString(" BETWEEN ? AND ?")
}

type patternCond struct {
	col   string
	value any
	regex bool
}

func (c *patternCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString(d.QuoteIdent(c.col))
	sb.WriteByte(' ')
	if c.regex {
		sb.WriteString(d.RegexOperator())
	} else {
		sb.WriteString("LIKE")
	}
	sb.WriteString(" ?")
	*args = append(*args, c.value)
}

func (c *patternCond) canon(sb *strings.Builder) {
	sb.WriteString(c.col)
	if c.regex {
		sb.WriteString(" $regex ?")
	} else {
		sb.WriteString(" LIKE ?")
	}
}

type notCond struct {
	kid cond
}

func (c *notCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	sb.WriteString("NOT (")
	c.kid.sql(d, sb, args)
	sb.WriteByte(')')
}

func (c *notCond) canon(sb *strings.Builder) {
	sb.WriteString("NOT (")
	c.kid.canon(sb)
	sb.WriteByte(')')
}

type logicalCond struct {
	op   string // AND, OR, NOR
	kids []cond
}

func (c *logicalCond) sql(d adapter.Dialect, sb *strings.Builder, args *[]any) {
	join := c.op
	if c.op == "NOR" {
		sb.WriteString("NOT ")
		join = "OR"
	}
	sb.WriteByte('(')
	for i, kid := range c.kids {
		if i > 0 {
			sb.WriteByte(' ')
			sb.WriteString(join)
			sb.WriteByte(' ')
		}
		kid.sql(d, sb, args)
	}
	sb.WriteByte(')')
}

func (c *logicalCond) canon(sb *strings.Builder) {
	join := c.op
	if c.op == "NOR" {
		sb.WriteString("NOT ")
		join = "OR"
	}
	sb.WriteByte('(')
	for i, kid := range c.kids {
		if i > 0 {
			sb.WriteByte(' ')
			sb.WriteString(join)
			sb.WriteByte(' ')
		}
		kid.canon(sb)
	}
	sb.WriteByte(')')
}
