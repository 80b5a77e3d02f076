package nodes

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Framework parameter names. They live outside the user namespace: the
// workflow runtime binds node identity under NodeIDParam, so a model is
// free to declare its own "id" field.
const (
	NodeIDParam     = "_node_id"
	ModelNameParam  = "model_name"
	DBInstanceParam = "db_instance"
)

func reservedParam(name string) bool {
	return name == NodeIDParam || name == ModelNameParam || name == DBInstanceParam
}

// ParamType is the declared shape of one operation input.
type ParamType string

const (
	// TypeField is typed by the linked model field.
	TypeField ParamType = "field"
	// TypeFilter is a filter document, parsed once at bind time.
	TypeFilter ParamType = "filter"
	// TypeFieldMap is a column → value map of declared fields.
	TypeFieldMap ParamType = "field_map"
	// TypeRowList is a list of column → value maps.
	TypeRowList ParamType = "row_list"
	// TypeKeyList is a list of primary-key values.
	TypeKeyList ParamType = "key_list"
	// TypeColumns is a list of declared column names.
	TypeColumns ParamType = "columns"
	// TypeOrderBy is a list of "col" / "-col" sort terms.
	TypeOrderBy ParamType = "order_by"
	TypeInt     ParamType = "int"
	TypeBool    ParamType = "bool"
)

// ParamSpec declares one operation input.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	// Default fills the parameter when absent. Field-typed parameters
	// leave database defaults to the database instead.
	Default any
	// Sensitive marks values the log mask redacts.
	Sensitive bool

	// Field links field-typed parameters to their declaration.
	Field *schema.Field
}

// Params is an operation input map. After Bind every value carries its
// coerced Go type.
type Params map[string]any

// NodeID returns the framework-injected node identity, if any.
func (p Params) NodeID() string {
	id, _ := p[NodeIDParam].(string)
	return id
}

// visible returns the user-declared parameters for logging; reserved
// framework keys are dropped and the log layer masks sensitive names.
func (p Params) visible() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if reservedParam(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

func (p Params) Int(name string) int {
	n, _ := p[name].(int)
	return n
}

func (p Params) Strings(name string) []string {
	s, _ := p[name].([]string)
	return s
}

func (p Params) Filter() *sqlgen.Filter {
	f, _ := p["filter"].(*sqlgen.Filter)
	return f
}

func (p Params) Orders() []sqlgen.Order {
	o, _ := p["order_by"].([]sqlgen.Order)
	return o
}

func (p Params) Rows(name string) []map[string]any {
	r, _ := p[name].([]map[string]any)
	return r
}

func (p Params) Keys() []any {
	k, _ := p["keys"].([]any)
	return k
}

func (p Params) FieldMap(name string) map[string]any {
	m, _ := p[name].(map[string]any)
	return m
}

// Coerce validates parameter names and converts values through the
// coercion matrix without applying defaults or the required check. The
// workflow builder compiles static parameters with it once at add time;
// coercion is idempotent, so the full Bind at execution accepts its
// output unchanged. The input map is not mutated.
func (s *OperationSpec) Coerce(in Params) (Params, error) {
	out := make(Params, len(in)+2)
	for name, v := range in {
		if reservedParam(name) {
			out[name] = v
			continue
		}
		ps, ok := s.inputs[name]
		if !ok {
			return nil, fault.New(fault.KindValidation,
				"unknown parameter %q for %s.%s (declared: %s)", name, s.Model, s.Op, s.paramNames())
		}
		if v == nil {
			if ps.Type == TypeField && ps.Field != nil {
				if !ps.Field.Nullable {
					return nil, fault.New(fault.KindValidation,
						"parameter %q for %s.%s may not be null", name, s.Model, s.Op)
				}
				out[name] = nil
			}
			continue
		}
		cv, err := s.coerce(ps, v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

// Bind validates in against the declared inputs: unknown names are
// rejected, defaults fill absences, and every value passes the coercion
// matrix for its declared type. Reserved framework names pass through
// untouched.
func (s *OperationSpec) Bind(in Params) (Params, error) {
	out, err := s.Coerce(in)
	if err != nil {
		return nil, err
	}

	for i := range s.Inputs {
		ps := &s.Inputs[i]
		if _, ok := out[ps.Name]; ok {
			continue
		}
		if ps.Default != nil {
			out[ps.Name] = ps.Default
			continue
		}
		if ps.Required {
			return nil, fault.New(fault.KindValidation,
				"missing required parameter %q for %s.%s", ps.Name, s.Model, s.Op)
		}
	}
	return out, nil
}

func (s *OperationSpec) paramNames() string {
	names := make([]string, 0, len(s.Inputs))
	for _, ps := range s.Inputs {
		names = append(names, ps.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (s *OperationSpec) coerce(ps *ParamSpec, v any) (any, error) {
	switch ps.Type {
	case TypeField:
		return s.coerceField(ps.Field, v)

	case TypeFilter:
		if f, ok := v.(*sqlgen.Filter); ok {
			return f, nil
		}
		doc, ok := v.(map[string]any)
		if !ok {
			return nil, s.typeErr(ps, "a filter document", v)
		}
		return sqlgen.ParseFilter(doc)

	case TypeFieldMap:
		doc, ok := v.(map[string]any)
		if !ok {
			return nil, s.typeErr(ps, "a field map", v)
		}
		out := make(map[string]any, len(doc))
		for name, fv := range doc {
			f, err := s.writableField(name)
			if err != nil {
				return nil, err
			}
			cv, err := s.coerceField(f, fv)
			if err != nil {
				return nil, err
			}
			out[name] = cv
		}
		return out, nil

	case TypeRowList:
		list, ok := asAnySlice(v)
		if !ok {
			return nil, s.typeErr(ps, "a list of rows", v)
		}
		rows := make([]map[string]any, len(list))
		for i, item := range list {
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, fault.New(fault.KindValidation,
					"parameter %q for %s.%s: row %d is not a map", ps.Name, s.Model, s.Op, i)
			}
			row := make(map[string]any, len(doc))
			for name, fv := range doc {
				f, err := s.writableField(name)
				if err != nil {
					return nil, err
				}
				cv, err := s.coerceField(f, fv)
				if err != nil {
					return nil, err
				}
				row[name] = cv
			}
			rows[i] = row
		}
		return rows, nil

	case TypeKeyList:
		list, ok := asAnySlice(v)
		if !ok {
			return nil, s.typeErr(ps, "a list of keys", v)
		}
		pk := s.model.PK()
		keys := make([]any, len(list))
		for i, item := range list {
			cv, err := s.coerceField(pk, item)
			if err != nil {
				return nil, err
			}
			keys[i] = cv
		}
		return keys, nil

	case TypeColumns:
		cols, ok := asStringSlice(v)
		if !ok {
			return nil, s.typeErr(ps, "a list of column names", v)
		}
		for _, c := range cols {
			if s.model.Field(c) == nil {
				return nil, fault.New(fault.KindValidation,
					"parameter %q for %s.%s references unknown field %q", ps.Name, s.Model, s.Op, c)
			}
		}
		return cols, nil

	case TypeOrderBy:
		if compiled, ok := v.([]sqlgen.Order); ok {
			return compiled, nil
		}
		terms, ok := asStringSlice(v)
		if !ok {
			return nil, s.typeErr(ps, `a list of "col" / "-col" terms`, v)
		}
		orders := make([]sqlgen.Order, len(terms))
		for i, term := range terms {
			field, desc := strings.CutPrefix(term, "-")
			field = strings.TrimSpace(field)
			if s.model.Field(field) == nil {
				return nil, fault.New(fault.KindValidation,
					"parameter %q for %s.%s references unknown field %q", ps.Name, s.Model, s.Op, field)
			}
			orders[i] = sqlgen.Order{Field: field, Desc: desc}
		}
		return orders, nil

	case TypeInt:
		n, ok := asInt64(v)
		if !ok {
			return nil, s.typeErr(ps, "an integer", v)
		}
		return int(n), nil

	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, s.typeErr(ps, "a bool", v)
		}
		return b, nil
	}
	return nil, fault.New(fault.KindInternal, "parameter %q for %s.%s has unhandled type %q", ps.Name, s.Model, s.Op, ps.Type)
}

// writableField resolves a column named in a field map or row. Columns the
// framework manages for the model's config are rejected so callers cannot
// spoof tenant, soft-delete, or audit state.
func (s *OperationSpec) writableField(name string) (*schema.Field, error) {
	f := s.model.Field(name)
	if f == nil {
		return nil, fault.New(fault.KindValidation,
			"%s.%s references unknown field %q", s.Model, s.Op, name)
	}
	if managedColumn(s.model, name) {
		return nil, fault.New(fault.KindValidation,
			"%s.%s may not set framework-managed column %q", s.Model, s.Op, name)
	}
	return f, nil
}

func managedColumn(m *schema.Model, name string) bool {
	switch name {
	case intercept.ColTenant:
		return m.Config.MultiTenant
	case intercept.ColDeletedAt:
		return m.Config.SoftDelete
	case intercept.ColCreatedAt, intercept.ColUpdatedAt, intercept.ColCreatedBy, intercept.ColUpdatedBy:
		return m.Config.AuditLog
	}
	return false
}

// coerceField converts v to the bind representation of the field's type
// and then applies the field's declared predicates. JSON and vector values
// are canonically encoded here so binding never falls back to default
// string conversion.
func (s *OperationSpec) coerceField(f *schema.Field, v any) (any, error) {
	cv, err := s.convertField(f, v)
	if err != nil {
		return nil, err
	}
	if err := f.CheckValue(cv); err != nil {
		return nil, err
	}
	return cv, nil
}

func (s *OperationSpec) convertField(f *schema.Field, v any) (any, error) {
	switch f.Type.Kind {
	case schema.KindInt32:
		n, ok := asInt64(v)
		if !ok {
			return nil, s.fieldErr(f, "an int32", v)
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fault.New(fault.KindValidation,
				"field %q on %s: value overflows int32", f.Name, s.Model)
		}
		return n, nil

	case schema.KindInt64:
		n, ok := asInt64(v)
		if !ok {
			return nil, s.fieldErr(f, "an int64", v)
		}
		return n, nil

	case schema.KindFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			out, err := n.Float64()
			if err != nil {
				return nil, s.fieldErr(f, "a float64", v)
			}
			return out, nil
		}
		return nil, s.fieldErr(f, "a float64", v)

	case schema.KindString, schema.KindText:
		str, ok := v.(string)
		if !ok {
			return nil, s.fieldErr(f, "a string", v)
		}
		if f.Type.Kind == schema.KindString && f.Type.Length > 0 && len([]rune(str)) > f.Type.Length {
			return nil, fault.New(fault.KindValidation,
				"field %q on %s: length %d exceeds string(%d)", f.Name, s.Model, len([]rune(str)), f.Type.Length)
		}
		return str, nil

	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, s.fieldErr(f, "a bool", v)
		}
		return b, nil

	case schema.KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, s.fieldErr(f, "bytes", v)

	case schema.KindTimestamp:
		return s.parseTime(f, v, timestampLayouts)

	case schema.KindDate:
		return s.parseTime(f, v, dateLayouts)

	case schema.KindUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err,
					"field %q on %s: invalid uuid", f.Name, s.Model)
			}
			return parsed, nil
		case []byte:
			parsed, err := uuid.FromBytes(u)
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err,
					"field %q on %s: invalid uuid bytes", f.Name, s.Model)
			}
			return parsed, nil
		}
		return nil, s.fieldErr(f, "a uuid", v)

	case schema.KindJSON:
		// Strings bind as raw JSON text; everything else is encoded.
		if txt, ok := v.(string); ok {
			if !json.Valid([]byte(txt)) {
				return nil, fault.New(fault.KindValidation,
					"field %q on %s: string is not valid JSON text", f.Name, s.Model)
			}
			return txt, nil
		}
		enc, err := canonicalJSON(v)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err,
				"field %q on %s: value is not JSON-encodable", f.Name, s.Model)
		}
		return enc, nil

	case schema.KindDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d, nil
		case string:
			parsed, err := decimal.NewFromString(d)
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err,
					"field %q on %s: invalid decimal", f.Name, s.Model)
			}
			return parsed, nil
		case int:
			return decimal.NewFromInt(int64(d)), nil
		case int64:
			return decimal.NewFromInt(d), nil
		case float64:
			return decimal.NewFromFloat(d), nil
		case json.Number:
			parsed, err := decimal.NewFromString(d.String())
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err,
					"field %q on %s: invalid decimal", f.Name, s.Model)
			}
			return parsed, nil
		}
		return nil, s.fieldErr(f, "a decimal", v)

	case schema.KindVector:
		vec, ok := asFloatSlice(v)
		if !ok {
			txt, isText := v.(string)
			if !isText {
				return nil, s.fieldErr(f, "a numeric vector", v)
			}
			if err := json.Unmarshal([]byte(txt), &vec); err != nil {
				return nil, fault.Wrap(fault.KindValidation, err,
					"field %q on %s: invalid vector text", f.Name, s.Model)
			}
		}
		if f.Type.Dim > 0 && len(vec) != f.Type.Dim {
			return nil, fault.New(fault.KindValidation,
				"field %q on %s: vector has %d dimensions, declared %d", f.Name, s.Model, len(vec), f.Type.Dim)
		}
		return canonicalJSON(vec)
	}
	return nil, fault.New(fault.KindInternal, "field %q on %s has unhandled kind %s", f.Name, s.Model, f.Type.Kind)
}

func (s *OperationSpec) parseTime(f *schema.Field, v any, layouts []string) (any, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv, nil
	case string:
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, tv); err == nil {
				return parsed, nil
			}
		}
		return nil, fault.New(fault.KindValidation,
			"field %q on %s: cannot parse %q as %s", f.Name, s.Model, tv, f.Type.Kind)
	}
	return nil, s.fieldErr(f, f.Type.Kind.String(), v)
}

var (
	timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	dateLayouts      = []string{"2006-01-02", time.RFC3339}
)

func (s *OperationSpec) typeErr(ps *ParamSpec, want string, v any) error {
	return fault.New(fault.KindValidation,
		"parameter %q for %s.%s: expected %s, got %T", ps.Name, s.Model, s.Op, want, v)
}

func (s *OperationSpec) fieldErr(f *schema.Field, want string, v any) error {
	return fault.New(fault.KindValidation,
		"field %q on %s: expected %s, got %T", f.Name, s.Model, want, v)
}

// canonicalJSON renders v with encoding/json: map keys sort, strings are
// double-quoted UTF-8. The encoded text binds as a string parameter.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n <= math.MaxInt64 {
			return int64(n), true
		}
		return 0, false
	case json.Number:
		out, err := n.Int64()
		return out, err == nil
	}
	return 0, false
}

func asAnySlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func asStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asFloatSlice(v any) ([]float64, bool) {
	switch list := v.(type) {
	case []float64:
		return list, true
	case []any:
		out := make([]float64, len(list))
		for i, item := range list {
			switch n := item.(type) {
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			case int64:
				out[i] = float64(n)
			case json.Number:
				f, err := n.Float64()
				if err != nil {
					return nil, false
				}
				out[i] = f
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}
