package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/schema"
)

func TestParseType(t *testing.T) {
	cases := []struct {
		in   string
		want schema.FieldType
	}{
		{"int32", schema.Int32()},
		{"int64", schema.Int64()},
		{"bigint", schema.Int64()},
		{"float64", schema.Float64()},
		{"string", schema.String(0)},
		{"string(100)", schema.String(100)},
		{"varchar(40)", schema.String(40)},
		{"text", schema.Text()},
		{"bool", schema.Bool()},
		{"bytes", schema.Bytes()},
		{"timestamp", schema.Timestamp()},
		{"date", schema.Date()},
		{"uuid", schema.UUID()},
		{"json", schema.JSON()},
		{"decimal(10,2)", schema.Decimal(10, 2)},
		{"decimal(10, 2)", schema.Decimal(10, 2)},
		{"vector(768)", schema.Vector(768)},
		{" String(255) ", schema.String(255)},
	}
	for _, tc := range cases {
		got, err := schema.ParseType(tc.in)
		require.NoError(t, err, "type %q", tc.in)
		assert.Equal(t, tc.want, got, "type %q", tc.in)
	}

	for _, bad := range []string{"", "int8", "decimal", "decimal(10)", "vector", "string(a)", "string(1,2)", "string(1"} {
		_, err := schema.ParseType(bad)
		assert.Error(t, err, "type %q should fail", bad)
	}
}

func TestFieldTypeStringRoundTrip(t *testing.T) {
	for _, ft := range []schema.FieldType{
		schema.Int64(), schema.String(100), schema.String(0),
		schema.Decimal(12, 4), schema.Vector(3), schema.JSON(),
	} {
		parsed, err := schema.ParseType(ft.String())
		require.NoError(t, err)
		assert.Equal(t, ft, parsed)
	}
}

func TestFieldTypeJSON(t *testing.T) {
	f := schema.Field{Name: "price", Type: schema.Decimal(10, 2)}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"decimal(10,2)"`)

	var back schema.Field
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}

func TestTableName(t *testing.T) {
	m := schema.Model{Name: "UserProfile"}
	assert.Equal(t, "user_profile", m.Table())

	m.Config.TableName = "profiles"
	assert.Equal(t, "profiles", m.Table())
}

func TestToSnake(t *testing.T) {
	cases := map[string]string{
		"User":        "user",
		"UserProfile": "user_profile",
		"APIToken":    "api_token",
		"already":     "already",
		"HTTPServer":  "http_server",
	}
	for in, want := range cases {
		assert.Equal(t, want, schema.ToSnake(in), "input %q", in)
	}
}

func TestChecksumStableAcrossOrder(t *testing.T) {
	a := accountModel()
	a.Normalize()
	b := schema.Model{Name: "Category", Fields: []schema.Field{{Name: "name", Type: schema.String(100)}}}
	b.Normalize()

	c1, err := schema.ComputeChecksum([]schema.Model{*a, b})
	require.NoError(t, err)
	c2, err := schema.ComputeChecksum([]schema.Model{b, *a})
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	b.Fields[1].Type = schema.String(200)
	c3, err := schema.ComputeChecksum([]schema.Model{*a, b})
	require.NoError(t, err)
	assert.NotEqual(t, c1, c3)
}

func TestDefinitionsRoundTrip(t *testing.T) {
	m := accountModel()
	m.Normalize()
	models := []schema.Model{*m}
	data, err := schema.MarshalDefinitions(models)
	require.NoError(t, err)

	back, err := schema.UnmarshalDefinitions(data)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, models[0].Name, back[0].Name)
	assert.Equal(t, models[0].Fields, back[0].Fields)
}
