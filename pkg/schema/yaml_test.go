package schema_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

const sampleDoc = `
models:
  - name: Category
    fields:
      - name: name
        type: string(100)
        unique: true
  - name: Product
    table_name: products
    soft_delete: true
    multi_tenant: true
    fields:
      - name: sku
        type: string(64)
        unique: true
      - name: price
        type: decimal(10,2)
        default: "0"
      - name: category_id
        type: int64
        references: Category.id
      - name: created
        type: timestamp
        default: now
    indexes:
      - columns: [sku, category_id]
`

func TestParseDocument(t *testing.T) {
	models, err := schema.Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, models, 2)

	product := models[1]
	assert.Equal(t, "Product", product.Name)
	assert.Equal(t, "products", product.Config.TableName)
	assert.True(t, product.Config.SoftDelete)
	assert.True(t, product.Config.MultiTenant)
	require.Len(t, product.Fields, 4)

	price := product.Fields[1]
	assert.Equal(t, schema.Decimal(10, 2), price.Type)
	require.NotNil(t, price.Default)
	assert.Equal(t, "0", price.Default.Value)
	assert.False(t, price.Default.IsFunction)

	created := product.Fields[3]
	require.NotNil(t, created.Default)
	assert.True(t, created.Default.IsFunction)
	assert.Equal(t, "now", created.Default.Value)

	catRef := product.Fields[2].References
	require.NotNil(t, catRef)
	assert.Equal(t, "Category", catRef.Model)
	assert.Equal(t, "id", catRef.Field)

	require.Len(t, product.Config.Indexes, 1)
	assert.Equal(t, []string{"sku", "category_id"}, product.Config.Indexes[0].Columns)
}

func TestParsedModelsSurviveRegistrationChecks(t *testing.T) {
	models, err := schema.Parse([]byte(sampleDoc))
	require.NoError(t, err)

	byName := make(map[string]*schema.Model, len(models))
	for i := range models {
		models[i].Normalize()
		require.NoError(t, models[i].Validate())
		byName[models[i].Name] = &models[i]
	}
	require.NoError(t, schema.ValidateRefs(byName))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := schema.Parse([]byte("models:\n  - name: X\n    tablename: oops\n    fields:\n      - name: a\n        type: int64\n"))
	require.Error(t, err)
	assert.True(t, fault.IsValidationErr(err))
}

func TestParseRejectsBadType(t *testing.T) {
	_, err := schema.Parse([]byte("models:\n  - name: X\n    fields:\n      - name: a\n        type: int7\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int7")
}

func TestParseRejectsBadReference(t *testing.T) {
	_, err := schema.Parse([]byte("models:\n  - name: X\n    fields:\n      - name: a\n        type: int64\n        references: nodot\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.field")
}

func TestParseEmptyDocument(t *testing.T) {
	_, err := schema.Parse([]byte("models: []\n"))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	models, err := schema.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, models, 2)

	_, err = schema.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
