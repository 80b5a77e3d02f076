package schema

import (
	"encoding/json"
	"regexp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// CheckValue evaluates the field's declared predicates against a bound
// value. Numeric bounds compare after float64 widening; length rules count
// runes. A nil value passes; nullability is enforced separately. Messages
// never echo the value itself, so rejected secrets stay out of logs.
func (f *Field) CheckValue(v any) error {
	if v == nil {
		return nil
	}
	for _, p := range f.Validators {
		if err := f.checkPredicate(p, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) checkPredicate(p Predicate, v any) error {
	switch p.Rule {
	case "min", "max":
		n, ok := asFloat(v)
		if !ok {
			return fault.New(fault.KindValidation,
				"field %q: %s applies to numeric values, got %T", f.Name, p.Rule, v)
		}
		bound, _ := asFloat(p.Value)
		if p.Rule == "min" && n < bound {
			return fault.New(fault.KindValidation, "field %q: value is below minimum %v", f.Name, p.Value)
		}
		if p.Rule == "max" && n > bound {
			return fault.New(fault.KindValidation, "field %q: value is above maximum %v", f.Name, p.Value)
		}
	case "min_len", "max_len":
		s, ok := v.(string)
		if !ok {
			return fault.New(fault.KindValidation,
				"field %q: %s applies to strings, got %T", f.Name, p.Rule, v)
		}
		bound, _ := asFloat(p.Value)
		n := len([]rune(s))
		if p.Rule == "min_len" && float64(n) < bound {
			return fault.New(fault.KindValidation, "field %q: length %d is below minimum %v", f.Name, n, p.Value)
		}
		if p.Rule == "max_len" && float64(n) > bound {
			return fault.New(fault.KindValidation, "field %q: length %d is above maximum %v", f.Name, n, p.Value)
		}
	case "pattern":
		s, ok := v.(string)
		if !ok {
			return fault.New(fault.KindValidation, "field %q: pattern applies to strings, got %T", f.Name, v)
		}
		pat, _ := p.Value.(string)
		re, err := regexp.Compile(pat)
		if err != nil {
			return fault.Wrap(fault.KindValidation, err, "field %q: invalid pattern", f.Name)
		}
		if !re.MatchString(s) {
			return fault.New(fault.KindValidation, "field %q: value does not match pattern %q", f.Name, pat)
		}
	case "one_of":
		if !oneOfContains(p.Value, v) {
			return fault.New(fault.KindValidation, "field %q: value is not in the allowed set %v", f.Name, p.Value)
		}
	}
	return nil
}

func oneOfContains(allowed, v any) bool {
	switch list := allowed.(type) {
	case []string:
		s, ok := v.(string)
		return ok && slices.Contains(list, s)
	case []any:
		for _, a := range list {
			if predicateEqual(a, v) {
				return true
			}
		}
	}
	return false
}

// predicateEqual compares one_of members loosely: numeric values compare
// after widening so a YAML 2 matches an int64 2, strings and bools compare
// directly.
func predicateEqual(a, v any) bool {
	if af, ok := asFloat(a); ok {
		vf, vok := asFloat(v)
		return vok && af == vf
	}
	if as, ok := a.(string); ok {
		vs, vok := v.(string)
		return vok && as == vs
	}
	if ab, ok := a.(bool); ok {
		vb, vok := v.(bool)
		return vok && ab == vb
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
