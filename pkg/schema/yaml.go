package schema

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Model definition files declare models in YAML:
//
//	models:
//	  - name: User
//	    table_name: users
//	    soft_delete: true
//	    fields:
//	      - name: id
//	        type: int64
//	        auto_increment: true
//	      - name: email
//	        type: string(255)
//	        unique: true
//	      - name: category_id
//	        type: int64
//	        references: Category.id
//	      - name: active
//	        type: bool
//	        default: "true"
//
// A scalar default equal to a function token (now, current_timestamp, uuid)
// is treated as that function; anything else is a literal.

type fileDoc struct {
	Models []modelDoc `json:"models"`
}

type modelDoc struct {
	Name        string     `json:"name"`
	TableName   string     `json:"table_name"`
	PrimaryKey  string     `json:"primary_key"`
	SoftDelete  bool       `json:"soft_delete"`
	MultiTenant bool       `json:"multi_tenant"`
	AuditLog    bool       `json:"audit_log"`
	Versioned   bool       `json:"versioned"`
	Fields      []fieldDoc `json:"fields"`
	Indexes     []Index    `json:"indexes"`
	Uniques     []Unique   `json:"uniques"`
}

type fieldDoc struct {
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Nullable      bool        `json:"nullable"`
	Default       *string     `json:"default"`
	Unique        bool        `json:"unique"`
	Indexed       bool        `json:"indexed"`
	AutoIncrement bool        `json:"auto_increment"`
	References    string      `json:"references"`
	Validators    []Predicate `json:"validators"`
}

// Parse decodes a model definition document. Returned models are neither
// normalized nor validated; the engine does both at registration.
func Parse(data []byte) ([]Model, error) {
	var doc fileDoc
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parsing model definitions")
	}
	if len(doc.Models) == 0 {
		return nil, fault.New(fault.KindValidation, "model definition document declares no models")
	}

	models := make([]Model, 0, len(doc.Models))
	for _, md := range doc.Models {
		m := Model{
			Name:       md.Name,
			PrimaryKey: md.PrimaryKey,
			Config: ModelConfig{
				TableName:   md.TableName,
				SoftDelete:  md.SoftDelete,
				MultiTenant: md.MultiTenant,
				AuditLog:    md.AuditLog,
				Versioned:   md.Versioned,
				Indexes:     md.Indexes,
				Uniques:     md.Uniques,
			},
		}
		for _, fd := range md.Fields {
			f, err := fd.toField(md.Name)
			if err != nil {
				return nil, err
			}
			m.Fields = append(m.Fields, f)
		}
		models = append(models, m)
	}
	return models, nil
}

// LoadFile reads and parses a model definition file.
func LoadFile(path string) ([]Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model definitions: %w", err)
	}
	models, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return models, nil
}

func (fd fieldDoc) toField(model string) (Field, error) {
	ft, err := ParseType(fd.Type)
	if err != nil {
		return Field{}, fault.Wrap(fault.KindValidation, err, "model %s field %s", model, fd.Name)
	}
	f := Field{
		Name:          fd.Name,
		Type:          ft,
		Nullable:      fd.Nullable,
		Unique:        fd.Unique,
		Indexed:       fd.Indexed,
		AutoIncrement: fd.AutoIncrement,
		Validators:    fd.Validators,
	}
	if fd.Default != nil {
		f.Default = ParseDefault(*fd.Default)
	}
	if fd.References != "" {
		ref, err := ParseRef(fd.References)
		if err != nil {
			return Field{}, fault.Wrap(fault.KindValidation, err, "model %s field %s", model, fd.Name)
		}
		f.References = ref
	}
	return f, nil
}

// ParseDefault interprets a scalar default: function tokens become function
// defaults, everything else is a literal.
func ParseDefault(s string) *Default {
	switch strings.ToLower(s) {
	case "now", "current_timestamp", "uuid":
		return Function(strings.ToLower(s))
	default:
		return Literal(s)
	}
}

// ParseRef parses "Model.field".
func ParseRef(s string) (*Ref, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("reference %q must be model.field", s)
	}
	return &Ref{Model: parts[0], Field: parts[1]}, nil
}
