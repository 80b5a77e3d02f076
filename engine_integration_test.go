package dataflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/test/testutil"
)

// integrationEngine brings a fully initialized engine online against a
// throwaway database. Models registered here get their tables created by
// auto_migrate during Initialize.
func integrationEngine(t *testing.T, models []schema.Model, opts ...Option) *Engine {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test; requires docker")
	}
	e, err := New(testutil.URL(t), append([]Option{WithAutoMigrate(true)}, opts...)...)
	require.NoError(t, err)
	for _, m := range models {
		require.NoError(t, e.RegisterModel(m))
	}
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// runNode executes a single-node workflow and returns the node's output.
func runNode(t *testing.T, ctx context.Context, e *Engine, model string, op Op, params Params) map[string]any {
	t.Helper()
	wf := e.CreateWorkflow(string(op))
	require.NoError(t, e.AddNode(wf, model, op, "n1", params, nil))
	results, runID, err := e.ExecuteWorkflow(ctx, wf, nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, runID)
	require.Len(t, results, 1)
	return results["n1"].Output
}

func userModel() schema.Model {
	return schema.Model{
		Name: "User",
		Fields: []schema.Field{
			{Name: "email", Type: schema.String(255), Unique: true},
			{Name: "active", Type: schema.Bool(), Default: schema.Literal("true")},
		},
	}
}

func TestIntegrationBulkLifecycle(t *testing.T) {
	e := integrationEngine(t, []schema.Model{userModel()})
	ctx := context.Background()

	// Rows omit active; the column default from the generated DDL fills it.
	out := runNode(t, ctx, e, "User", OpBulkCreate, Params{"rows": []any{
		map[string]any{"email": "ada@example.com"},
		map[string]any{"email": "gus@example.com"},
		map[string]any{"email": "ida@example.com"},
	}})
	assert.Equal(t, int64(3), out["created"])

	out = runNode(t, ctx, e, "User", OpBulkUpdate, Params{
		"filter": map[string]any{"active": true},
		"fields": map[string]any{"active": false},
	})
	assert.Equal(t, int64(3), out["processed"])
	assert.Equal(t, int64(3), out["rows_affected"])

	// The sweep flipped every row, so the same filter now matches nothing.
	// This read also crosses a write generation, so a cached pre-sweep
	// list must not resurface.
	out = runNode(t, ctx, e, "User", OpList, Params{
		"filter": map[string]any{"active": true},
	})
	assert.Empty(t, out["data"])

	out = runNode(t, ctx, e, "User", OpCount, nil)
	assert.Equal(t, int64(3), out["data"], "deactivating must not delete")
}

func TestIntegrationChainedWorkflowRoundTrips(t *testing.T) {
	e := integrationEngine(t, []schema.Model{userModel()})
	ctx := context.Background()

	wf := e.CreateWorkflow("signup")
	require.NoError(t, e.AddNode(wf, "User", OpCreate, "acct",
		Params{"email": "ada@example.com"}, nil))
	require.NoError(t, e.AddNode(wf, "User", OpRead, "fetch", nil,
		map[string]string{"id": "acct.result.id"}))

	results, _, err := e.ExecuteWorkflow(ctx, wf, nil)
	require.NoError(t, err)

	created, ok := results["acct"].Output["result"].(map[string]any)
	require.True(t, ok)
	fetched, ok := results["fetch"].Output["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, created["id"], fetched["id"])
	assert.Equal(t, "ada@example.com", fetched["email"])
	assert.Equal(t, true, fetched["active"], "database default must land in the returned row")

	// The unique index from the model definition is live.
	wf = e.CreateWorkflow("dup")
	require.NoError(t, e.AddNode(wf, "User", OpCreate, "again",
		Params{"email": "ada@example.com"}, nil))
	_, _, err = e.ExecuteWorkflow(ctx, wf, nil)
	require.Error(t, err)
	assert.True(t, IsConstraintErr(err))
}

func TestIntegrationTenantIsolation(t *testing.T) {
	m := userModel()
	m.Config.MultiTenant = true
	e := integrationEngine(t, []schema.Model{m}, WithMultiTenant(true))
	ctx := context.Background()

	_, err := e.RegisterTenant("acme", "Acme Corp", nil)
	require.NoError(t, err)
	_, err = e.RegisterTenant("globex", "Globex", nil)
	require.NoError(t, err)

	// No active tenant: the operation refuses before touching the table.
	wf := e.CreateWorkflow("stray")
	require.NoError(t, e.AddNode(wf, "User", OpCreate, "u",
		Params{"email": "ada@acme.test"}, nil))
	_, _, err = e.ExecuteWorkflow(ctx, wf, nil)
	require.Error(t, err)
	assert.True(t, IsTenantRequiredErr(err))

	acme, releaseAcme, err := e.SwitchTenant(ctx, "acme")
	require.NoError(t, err)
	defer releaseAcme()

	out := runNode(t, acme, e, "User", OpCreate, Params{"email": "ada@acme.test"})
	row, ok := out["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "acme", row["tenant_id"], "create must stamp the active tenant")

	// The same rows are invisible from globex.
	globex, releaseGlobex, err := e.SwitchTenant(ctx, "globex")
	require.NoError(t, err)
	defer releaseGlobex()

	out = runNode(t, globex, e, "User", OpList, nil)
	assert.Empty(t, out["data"])

	out = runNode(t, globex, e, "User", OpCount,
		Params{"filter": map[string]any{"id": row["id"]}})
	assert.Equal(t, int64(0), out["data"], "key reads must not cross tenants")

	// Nesting acme inside the globex scope exposes the acme rows until
	// the inner scope releases; the outer context is untouched.
	inner, releaseInner, err := e.SwitchTenant(globex, "acme")
	require.NoError(t, err)

	out = runNode(t, inner, e, "User", OpList, nil)
	rows, ok := out["data"].([]adapter.Row)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada@acme.test", rows[0]["email"])
	releaseInner()

	out = runNode(t, globex, e, "User", OpList, nil)
	assert.Empty(t, out["data"])
}
