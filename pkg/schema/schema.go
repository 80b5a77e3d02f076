// Package schema defines the model descriptors registered with the engine:
// field types, defaults, indexes, foreign-key references, and the per-model
// config (table name, soft delete, multi-tenancy, audit logging, versioning).
// It also defines the live-schema types produced by adapter introspection and
// consumed by the migration comparator.
//
// Models are plain data. Validation and normalization happen explicitly at
// registration time; nothing here touches a database.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the closed set of declared field types.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindString
	KindText
	KindBool
	KindBytes
	KindTimestamp
	KindDate
	KindUUID
	KindJSON
	KindDecimal
	KindVector
)

var kindNames = map[Kind]string{
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat64:   "float64",
	KindString:    "string",
	KindText:      "text",
	KindBool:      "bool",
	KindBytes:     "bytes",
	KindTimestamp: "timestamp",
	KindDate:      "date",
	KindUUID:      "uuid",
	KindJSON:      "json",
	KindDecimal:   "decimal",
	KindVector:    "vector",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FieldType is a Kind plus its parameters. The zero value is invalid; build
// with the constructor functions (Int64(), String(255), Decimal(10, 2), …)
// or ParseType.
type FieldType struct {
	Kind      Kind
	Length    int // string(n); 0 means unbounded
	Precision int // decimal(p,s)
	Scale     int
	Dim       int // vector(d)
}

// Constructors for the closed type set.

func Int32() FieldType { return FieldType{Kind: KindInt32} }

func Int64() FieldType { return FieldType{Kind: KindInt64} }

func Float64() FieldType { return FieldType{Kind: KindFloat64} }

func String(n int) FieldType { return FieldType{Kind: KindString, Length: n} }

func Text() FieldType { return FieldType{Kind: KindText} }

func Bool() FieldType { return FieldType{Kind: KindBool} }

func Bytes() FieldType { return FieldType{Kind: KindBytes} }

func Timestamp() FieldType { return FieldType{Kind: KindTimestamp} }

func Date() FieldType { return FieldType{Kind: KindDate} }

func UUID() FieldType { return FieldType{Kind: KindUUID} }

func JSON() FieldType { return FieldType{Kind: KindJSON} }

func Decimal(p, s int) FieldType { return FieldType{Kind: KindDecimal, Precision: p, Scale: s} }

func Vector(d int) FieldType { return FieldType{Kind: KindVector, Dim: d} }

// String renders the canonical declared form: "int64", "string(100)",
// "decimal(10,2)", "vector(768)".
func (t FieldType) String() string {
	switch t.Kind {
	case KindString:
		if t.Length > 0 {
			return fmt.Sprintf("string(%d)", t.Length)
		}
		return "string"
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	case KindVector:
		return fmt.Sprintf("vector(%d)", t.Dim)
	default:
		return t.Kind.String()
	}
}

// MarshalJSON emits the canonical string form so model definitions serialize
// the way they are declared.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON parses the canonical string form.
func (t *FieldType) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("field type must be a string: %w", err)
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType parses a declared type string: a bare kind name or a
// parameterized form like "string(100)", "decimal(10,2)", "vector(768)".
func ParseType(s string) (FieldType, error) {
	name := strings.TrimSpace(s)
	var args []int
	if open := strings.IndexByte(name, '('); open >= 0 {
		if !strings.HasSuffix(name, ")") {
			return FieldType{}, fmt.Errorf("malformed type %q", s)
		}
		rawArgs := name[open+1 : len(name)-1]
		name = strings.TrimSpace(name[:open])
		for _, part := range strings.Split(rawArgs, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return FieldType{}, fmt.Errorf("malformed type %q: %w", s, err)
			}
			args = append(args, n)
		}
	}

	switch strings.ToLower(name) {
	case "int32":
		return Int32(), nil
	case "int64", "int", "bigint":
		return Int64(), nil
	case "float64", "float", "double":
		return Float64(), nil
	case "string", "varchar":
		switch len(args) {
		case 0:
			return String(0), nil
		case 1:
			return String(args[0]), nil
		}
		return FieldType{}, fmt.Errorf("string takes at most one length argument, got %q", s)
	case "text":
		return Text(), nil
	case "bool", "boolean":
		return Bool(), nil
	case "bytes", "blob":
		return Bytes(), nil
	case "timestamp", "datetime":
		return Timestamp(), nil
	case "date":
		return Date(), nil
	case "uuid":
		return UUID(), nil
	case "json":
		return JSON(), nil
	case "decimal", "numeric":
		if len(args) != 2 {
			return FieldType{}, fmt.Errorf("decimal requires (precision,scale), got %q", s)
		}
		return Decimal(args[0], args[1]), nil
	case "vector":
		if len(args) != 1 {
			return FieldType{}, fmt.Errorf("vector requires (dimensions), got %q", s)
		}
		return Vector(args[0]), nil
	default:
		return FieldType{}, fmt.Errorf("unknown field type %q", s)
	}
}

// Default declares a column default: either a literal value or a recognized
// function token (now, current_timestamp, uuid).
type Default struct {
	Value      string `json:"value"`
	IsFunction bool   `json:"is_function,omitempty"`
}

// Literal builds a literal default.
func Literal(v string) *Default { return &Default{Value: v} }

// Function builds a function-token default.
func Function(name string) *Default { return &Default{Value: name, IsFunction: true} }

// Ref names a foreign-key target as model.field.
type Ref struct {
	Model string `json:"model"`
	Field string `json:"field"`
}

func (r Ref) String() string { return r.Model + "." + r.Field }

// Predicate is a declarative validation rule evaluated against operation
// inputs before dispatch.
type Predicate struct {
	// Rule is one of: min, max, min_len, max_len, pattern, one_of.
	Rule string `json:"rule"`
	// Value holds the rule argument: a number for min/max and the length
	// rules, a regular expression for pattern, a list for one_of.
	Value any `json:"value"`
}

// Field describes one column of a model.
type Field struct {
	Name          string      `json:"name"`
	Type          FieldType   `json:"type"`
	Nullable      bool        `json:"nullable,omitempty"`
	Default       *Default    `json:"default,omitempty"`
	Unique        bool        `json:"unique,omitempty"`
	Indexed       bool        `json:"indexed,omitempty"`
	AutoIncrement bool        `json:"auto_increment,omitempty"`
	References    *Ref        `json:"references,omitempty"`
	Validators    []Predicate `json:"validators,omitempty"`
}

// Index declares a secondary index over one or more columns.
type Index struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// Unique declares a multi-column unique constraint.
type Unique struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

// ModelConfig carries the optional per-model behavior switches.
type ModelConfig struct {
	TableName   string   `json:"table_name,omitempty"`
	SoftDelete  bool     `json:"soft_delete,omitempty"`
	MultiTenant bool     `json:"multi_tenant,omitempty"`
	AuditLog    bool     `json:"audit_log,omitempty"`
	Versioned   bool     `json:"versioned,omitempty"`
	Indexes     []Index  `json:"indexes,omitempty"`
	Uniques     []Unique `json:"uniques,omitempty"`
}

// Model is a registered record type.
type Model struct {
	Name       string      `json:"name"`
	Fields     []Field     `json:"fields"`
	PrimaryKey string      `json:"primary_key,omitempty"`
	Config     ModelConfig `json:"config,omitempty"`
}

// Table returns the effective table name.
func (m *Model) Table() string {
	if m.Config.TableName != "" {
		return m.Config.TableName
	}
	return ToSnake(m.Name)
}

// Field returns the named field, or nil.
func (m *Model) Field(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i := range m.Fields {
		names[i] = m.Fields[i].Name
	}
	return names
}

// PK returns the primary-key field. Valid after Normalize.
func (m *Model) PK() *Field {
	return m.Field(m.PrimaryKey)
}

// ToSnake converts CamelCase to snake_case: "UserProfile" → "user_profile".
// Already-snake names pass through unchanged.
func ToSnake(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 && (s[i-1] < 'A' || s[i-1] > 'Z') {
				b.WriteByte('_')
			} else if i > 0 && i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteByte(c - 'A' + 'a')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
