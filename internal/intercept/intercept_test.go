package intercept

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/pkg/tenant"
)

var stampTime = time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)

func fixedClock() *Interceptor {
	return New(Options{Now: func() time.Time { return stampTime }})
}

func configured(cfg schema.ModelConfig) *schema.Model {
	return &schema.Model{Name: "article", Config: cfg}
}

func tenantCtx(t *testing.T) context.Context {
	t.Helper()
	reg := tenant.NewRegistry()
	_, err := reg.Register("t1", "Tenant One", nil)
	require.NoError(t, err)
	ctx, release, err := reg.Switch(context.Background(), "t1")
	require.NoError(t, err)
	t.Cleanup(release)
	return ctx
}

func mustFilter(t *testing.T, doc map[string]any) *sqlgen.Filter {
	t.Helper()
	f, err := sqlgen.ParseFilter(doc)
	require.NoError(t, err)
	return f
}

func TestSelectScopingFollowsModelConfig(t *testing.T) {
	ic := fixedClock()
	f := mustFilter(t, map[string]any{"status": "published"})

	plain := configured(schema.ModelConfig{})
	scoped, err := ic.SingleSelect(context.Background(), plain, f, false)
	require.NoError(t, err)
	assert.Same(t, f, scoped)

	both := configured(schema.ModelConfig{MultiTenant: true, SoftDelete: true})
	scoped, err = ic.ListSelect(tenantCtx(t), both, f, false)
	require.NoError(t, err)
	frag, args := scoped.SQL(adapter.DialectPostgres)
	assert.Equal(t, `("status" = ? AND "tenant_id" = ? AND "deleted_at" IS NULL)`, frag)
	assert.Equal(t, []any{"published", "t1"}, args)

	// includeDeleted drops the live-row predicate, never the tenant one.
	scoped, err = ic.Count(tenantCtx(t), both, f, true)
	require.NoError(t, err)
	frag, _ = scoped.SQL(adapter.DialectPostgres)
	assert.Equal(t, `("status" = ? AND "tenant_id" = ?)`, frag)
}

func TestTenantRequiredWithoutActiveContext(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{MultiTenant: true})

	_, err := ic.ListSelect(context.Background(), m, nil, false)
	assert.True(t, fault.IsTenantRequiredErr(err))

	_, err = ic.Insert(context.Background(), m, map[string]any{"title": "x"})
	assert.True(t, fault.IsTenantRequiredErr(err))

	_, err = ic.BulkDML(context.Background(), m, Batch{Sets: []map[string]any{{"title": "x"}}})
	assert.True(t, fault.IsTenantRequiredErr(err))
}

func TestInsertOverridesTenantAndStamps(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{MultiTenant: true, AuditLog: true})
	ctx := WithActor(tenantCtx(t), "svc-import")

	row := map[string]any{"title": "hello", "tenant_id": "spoofed"}
	out, err := ic.Insert(ctx, m, row)
	require.NoError(t, err)

	assert.Equal(t, "t1", out[ColTenant])
	assert.Equal(t, stampTime, out[ColCreatedAt])
	assert.Equal(t, stampTime, out[ColUpdatedAt])
	assert.Equal(t, "svc-import", out[ColCreatedBy])
	assert.Equal(t, "svc-import", out[ColUpdatedBy])
	assert.Equal(t, "hello", out["title"])

	// The caller's map stays untouched.
	assert.Equal(t, map[string]any{"title": "hello", "tenant_id": "spoofed"}, row)
}

func TestInsertWithoutActorSkipsByColumns(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{AuditLog: true})

	out, err := ic.Insert(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, stampTime, out[ColCreatedAt])
	assert.NotContains(t, out, ColCreatedBy)
	assert.NotContains(t, out, ColUpdatedBy)
}

func TestUpdatePinsTenantInFilterAndSet(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{MultiTenant: true, SoftDelete: true, AuditLog: true})
	ctx := WithActor(tenantCtx(t), "ops")

	scoped, set, err := ic.Update(ctx, m, mustFilter(t, map[string]any{"id": 7}), map[string]any{"title": "new"})
	require.NoError(t, err)

	frag, args := scoped.SQL(adapter.DialectPostgres)
	assert.Equal(t, `("id" = ? AND "tenant_id" = ? AND "deleted_at" IS NULL)`, frag)
	assert.Equal(t, []any{7, "t1"}, args)

	assert.Equal(t, map[string]any{
		"title":      "new",
		ColTenant:    "t1",
		ColUpdatedAt: stampTime,
		ColUpdatedBy: "ops",
	}, set)
}

func TestDeleteConvertsForSoftModels(t *testing.T) {
	ic := fixedClock()
	f := mustFilter(t, map[string]any{"status": "draft"})

	soft := configured(schema.ModelConfig{SoftDelete: true})
	d, err := ic.Delete(context.Background(), soft, f, false)
	require.NoError(t, err)
	assert.True(t, d.Soft)
	assert.Equal(t, map[string]any{ColDeletedAt: stampTime}, d.Set)
	frag, _ := d.Filter.SQL(adapter.DialectPostgres)
	assert.Equal(t, `("status" = ? AND "deleted_at" IS NULL)`, frag)

	// Hard deletes keep DELETE semantics and reach soft-deleted rows.
	d, err = ic.Delete(context.Background(), soft, f, true)
	require.NoError(t, err)
	assert.False(t, d.Soft)
	assert.Nil(t, d.Set)
	frag, _ = d.Filter.SQL(adapter.DialectPostgres)
	assert.Equal(t, `"status" = ?`, frag)

	plain := configured(schema.ModelConfig{})
	d, err = ic.Delete(context.Background(), plain, f, false)
	require.NoError(t, err)
	assert.False(t, d.Soft)
}

func TestSoftDeleteStampsAuditColumns(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{SoftDelete: true, AuditLog: true})
	ctx := WithActor(context.Background(), "reaper")

	d, err := ic.Delete(ctx, m, nil, false)
	require.NoError(t, err)
	require.True(t, d.Soft)
	assert.Equal(t, map[string]any{
		ColDeletedAt: stampTime,
		ColUpdatedAt: stampTime,
		ColUpdatedBy: "reaper",
	}, d.Set)
	frag, _ := d.Filter.SQL(adapter.DialectPostgres)
	assert.Equal(t, `"deleted_at" IS NULL`, frag)
}

func TestBulkRewriteCoversRowsSetsAndGuard(t *testing.T) {
	ic := fixedClock()
	m := configured(schema.ModelConfig{MultiTenant: true, SoftDelete: true, AuditLog: true})
	ctx := WithActor(tenantCtx(t), "batch")

	in := Batch{
		Rows: []map[string]any{{"title": "a"}, {"title": "b"}},
		Sets: []map[string]any{{"status": "archived"}},
	}
	out, err := ic.BulkDML(ctx, m, in)
	require.NoError(t, err)

	require.Len(t, out.Rows, 2)
	for _, row := range out.Rows {
		assert.Equal(t, "t1", row[ColTenant])
		assert.Equal(t, stampTime, row[ColCreatedAt])
		assert.Equal(t, "batch", row[ColCreatedBy])
	}
	require.Len(t, out.Sets, 1)
	assert.Equal(t, map[string]any{
		"status":     "archived",
		ColTenant:    "t1",
		ColUpdatedAt: stampTime,
		ColUpdatedBy: "batch",
	}, out.Sets[0])

	require.NotNil(t, out.Guard)
	frag, args := out.Guard.SQL(adapter.DialectPostgres)
	assert.Equal(t, `("tenant_id" = ? AND "deleted_at" IS NULL)`, frag)
	assert.Equal(t, []any{"t1"}, args)

	// Input batch unchanged.
	assert.Equal(t, map[string]any{"title": "a"}, in.Rows[0])
	assert.Equal(t, map[string]any{"status": "archived"}, in.Sets[0])
}

func TestBulkGuardOmittedForPlainModels(t *testing.T) {
	ic := fixedClock()
	out, err := ic.BulkDML(context.Background(), configured(schema.ModelConfig{}), Batch{
		Rows: []map[string]any{{"title": "a"}},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Guard)

	// Purging soft-deleted rows keeps the tenant predicate only.
	m := configured(schema.ModelConfig{MultiTenant: true, SoftDelete: true})
	out, err = ic.BulkDML(tenantCtx(t), m, Batch{IncludeDeleted: true})
	require.NoError(t, err)
	frag, _ := out.Guard.SQL(adapter.DialectPostgres)
	assert.Equal(t, `"tenant_id" = ?`, frag)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	actor, ok := ActorFrom(WithActor(context.Background(), "svc"))
	assert.True(t, ok)
	assert.Equal(t, "svc", actor)

	_, ok = ActorFrom(WithActor(context.Background(), ""))
	assert.False(t, ok)
}

func TestPointNames(t *testing.T) {
	assert.Equal(t, "single-select", StmtSingleSelect.String())
	assert.Equal(t, "bulk-dml", StmtBulkDML.String())
	assert.Equal(t, "unknown", Point(0).String())
}
