package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Normalize fills derived parts of the model in place: the table name stays
// empty (Table() derives it), the primary key defaults to an auto-increment
// int64 "id" (synthesized when absent), and the config switches synthesize
// their backing columns (tenant_id, deleted_at, audit columns, version).
// Normalize is idempotent; the engine calls it before Validate at
// registration.
func (m *Model) Normalize() {
	if m.PrimaryKey == "" {
		m.PrimaryKey = "id"
	}
	if m.Field(m.PrimaryKey) == nil && m.PrimaryKey == "id" {
		m.Fields = append([]Field{{
			Name:          "id",
			Type:          Int64(),
			AutoIncrement: true,
		}}, m.Fields...)
	}

	if m.Config.MultiTenant && m.Field("tenant_id") == nil {
		m.Fields = append(m.Fields, Field{Name: "tenant_id", Type: String(63), Indexed: true})
	}
	if m.Config.SoftDelete && m.Field("deleted_at") == nil {
		m.Fields = append(m.Fields, Field{Name: "deleted_at", Type: Timestamp(), Nullable: true})
	}
	if m.Config.AuditLog {
		for _, f := range []Field{
			{Name: "created_at", Type: Timestamp(), Default: Function("now")},
			{Name: "updated_at", Type: Timestamp(), Default: Function("now")},
			{Name: "created_by", Type: String(255), Nullable: true},
			{Name: "updated_by", Type: String(255), Nullable: true},
		} {
			if m.Field(f.Name) == nil {
				m.Fields = append(m.Fields, f)
			}
		}
	}
	if m.Config.Versioned && m.Field("version") == nil {
		m.Fields = append(m.Fields, Field{Name: "version", Type: Int64(), Default: Literal("1")})
	}
}

// Validate checks the model against the identifier rules and the internal
// consistency constraints. Violations are validation faults; the first one
// found is returned. Cross-model reference existence is checked separately
// by ValidateRefs once all models are known.
func (m *Model) Validate() error {
	if err := ident.Check(m.Name); err != nil {
		return fmt.Errorf("model name: %w", err)
	}
	if err := ident.Check(m.Table()); err != nil {
		return fmt.Errorf("model %s table name: %w", m.Name, err)
	}
	if len(m.Fields) == 0 {
		return fault.New(fault.KindValidation, "model %s declares no fields", m.Name)
	}

	seen := make(map[string]struct{}, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if err := m.validateField(f); err != nil {
			return err
		}
		lower := strings.ToLower(f.Name)
		if _, dup := seen[lower]; dup {
			return fault.New(fault.KindValidation, "model %s declares field %q twice", m.Name, f.Name)
		}
		seen[lower] = struct{}{}
	}

	if m.Field(m.PrimaryKey) == nil {
		return fault.New(fault.KindValidation, "model %s primary key %q is not a declared field", m.Name, m.PrimaryKey)
	}

	for _, idx := range m.Config.Indexes {
		if idx.Name != "" {
			if err := ident.Check(idx.Name); err != nil {
				return fmt.Errorf("model %s index name: %w", m.Name, err)
			}
		}
		if len(idx.Columns) == 0 {
			return fault.New(fault.KindValidation, "model %s declares an index with no columns", m.Name)
		}
		for _, col := range idx.Columns {
			if m.Field(col) == nil {
				return fault.New(fault.KindValidation, "model %s index references unknown field %q", m.Name, col)
			}
		}
	}
	for _, u := range m.Config.Uniques {
		if u.Name != "" {
			if err := ident.Check(u.Name); err != nil {
				return fmt.Errorf("model %s unique constraint name: %w", m.Name, err)
			}
		}
		if len(u.Columns) == 0 {
			return fault.New(fault.KindValidation, "model %s declares a unique constraint with no columns", m.Name)
		}
		for _, col := range u.Columns {
			if m.Field(col) == nil {
				return fault.New(fault.KindValidation, "model %s unique constraint references unknown field %q", m.Name, col)
			}
		}
	}
	return nil
}

func (m *Model) validateField(f *Field) error {
	if err := ident.Check(f.Name); err != nil {
		return fmt.Errorf("model %s: %w", m.Name, err)
	}
	switch f.Type.Kind {
	case KindInvalid:
		return fault.New(fault.KindValidation, "model %s field %q has no type", m.Name, f.Name)
	case KindString:
		if f.Type.Length < 0 {
			return fault.New(fault.KindValidation, "model %s field %q has negative length", m.Name, f.Name)
		}
	case KindDecimal:
		if f.Type.Precision <= 0 || f.Type.Scale < 0 || f.Type.Scale > f.Type.Precision {
			return fault.New(fault.KindValidation, "model %s field %q has invalid decimal(%d,%d)",
				m.Name, f.Name, f.Type.Precision, f.Type.Scale)
		}
	case KindVector:
		if f.Type.Dim <= 0 {
			return fault.New(fault.KindValidation, "model %s field %q has invalid vector dimension %d",
				m.Name, f.Name, f.Type.Dim)
		}
	}

	if f.AutoIncrement && f.Type.Kind != KindInt32 && f.Type.Kind != KindInt64 {
		return fault.New(fault.KindValidation, "model %s field %q: auto increment requires an integer type", m.Name, f.Name)
	}

	if f.Default != nil {
		if err := m.validateDefault(f); err != nil {
			return err
		}
	}

	if f.References != nil {
		if err := ident.Check(f.References.Model); err != nil {
			return fmt.Errorf("model %s field %q reference model: %w", m.Name, f.Name, err)
		}
		if err := ident.Check(f.References.Field); err != nil {
			return fmt.Errorf("model %s field %q reference field: %w", m.Name, f.Name, err)
		}
	}

	for _, p := range f.Validators {
		if err := validatePredicate(m.Name, f, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateDefault(f *Field) error {
	d := f.Default
	if d.IsFunction {
		if !ident.IsFunctionToken(d.Value) {
			return fault.New(fault.KindValidation, "model %s field %q default function %q is not recognized",
				m.Name, f.Name, d.Value)
		}
		switch strings.ToLower(d.Value) {
		case "now", "current_timestamp":
			if f.Type.Kind != KindTimestamp && f.Type.Kind != KindDate {
				return fault.New(fault.KindValidation, "model %s field %q: %s default requires a timestamp or date type",
					m.Name, f.Name, d.Value)
			}
		case "uuid":
			if f.Type.Kind != KindUUID && f.Type.Kind != KindString && f.Type.Kind != KindText {
				return fault.New(fault.KindValidation, "model %s field %q: uuid default requires a uuid or string type",
					m.Name, f.Name)
			}
		}
		return nil
	}
	if !ident.SafeDefaultLiteral(d.Value) {
		return fault.New(fault.KindValidation, "model %s field %q default %q is not a safe literal",
			m.Name, f.Name, d.Value)
	}
	return nil
}

func validatePredicate(model string, f *Field, p Predicate) error {
	switch p.Rule {
	case "min", "max":
		switch p.Value.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
		return fault.New(fault.KindValidation, "model %s field %q: %s predicate requires a numeric bound", model, f.Name, p.Rule)
	case "min_len", "max_len":
		switch p.Value.(type) {
		case int, int32, int64, float64:
			return nil
		}
		return fault.New(fault.KindValidation, "model %s field %q: %s predicate requires an integer bound", model, f.Name, p.Rule)
	case "pattern":
		s, ok := p.Value.(string)
		if !ok {
			return fault.New(fault.KindValidation, "model %s field %q: pattern predicate requires a string", model, f.Name)
		}
		if _, err := regexp.Compile(s); err != nil {
			return fault.Wrap(fault.KindValidation, err, "model %s field %q: invalid pattern", model, f.Name)
		}
		return nil
	case "one_of":
		switch p.Value.(type) {
		case []any, []string:
			return nil
		}
		return fault.New(fault.KindValidation, "model %s field %q: one_of predicate requires a list", model, f.Name)
	default:
		return fault.New(fault.KindValidation, "model %s field %q: unknown predicate rule %q", model, f.Name, p.Rule)
	}
}

// ValidateRefs checks that every foreign-key reference targets a registered
// model and field with a compatible type. Called by the engine once the full
// model set is known.
func ValidateRefs(models map[string]*Model) error {
	for _, m := range models {
		for i := range m.Fields {
			f := &m.Fields[i]
			if f.References == nil {
				continue
			}
			target, ok := models[f.References.Model]
			if !ok {
				return fault.New(fault.KindValidation, "model %s field %q references unknown model %q",
					m.Name, f.Name, f.References.Model)
			}
			tf := target.Field(f.References.Field)
			if tf == nil {
				return fault.New(fault.KindValidation, "model %s field %q references unknown field %s",
					m.Name, f.Name, f.References)
			}
			if !refCompatible(f.Type.Kind, tf.Type.Kind) {
				return fault.New(fault.KindValidation, "model %s field %q (%s) is not type-compatible with referenced %s (%s)",
					m.Name, f.Name, f.Type, f.References, tf.Type)
			}
		}
	}
	return nil
}

// refCompatible reports whether a column of kind a may reference a column of
// kind b. Integer widths may differ (the planner coordinates widening).
func refCompatible(a, b Kind) bool {
	if a == b {
		return true
	}
	intKind := func(k Kind) bool { return k == KindInt32 || k == KindInt64 }
	if intKind(a) && intKind(b) {
		return true
	}
	strKind := func(k Kind) bool { return k == KindString || k == KindText }
	return strKind(a) && strKind(b)
}
