// Package intercept rewrites operation inputs before SQL generation.
// It hooks every SQL path at exactly eight points and applies the
// model's config switches: tenant scoping for multi-tenant models,
// live-row predicates and delete conversion for soft-delete models,
// and stamp columns for audit-logged models.
//
// The interceptor works on filters and row maps, never on SQL text;
// the rewritten inputs flow into sqlgen like any caller-supplied ones.
package intercept

import (
	"context"
	"maps"
	"time"

	"github.com/dataflowhq/dataflow/internal/sqlgen"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/pkg/tenant"
)

// Point identifies one of the eight statement families.
type Point int

const (
	StmtSingleSelect Point = iota + 1
	StmtListSelect
	StmtCount
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtUpsert
	StmtBulkDML
)

func (p Point) String() string {
	switch p {
	case StmtSingleSelect:
		return "single-select"
	case StmtListSelect:
		return "list-select"
	case StmtCount:
		return "count"
	case StmtInsert:
		return "insert"
	case StmtUpdate:
		return "update"
	case StmtDelete:
		return "delete"
	case StmtUpsert:
		return "upsert"
	case StmtBulkDML:
		return "bulk-dml"
	}
	return "unknown"
}

// Column names backing the model config switches. They match the
// fields schema.Normalize synthesizes.
const (
	ColTenant    = "tenant_id"
	ColDeletedAt = "deleted_at"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColCreatedBy = "created_by"
	ColUpdatedBy = "updated_by"
)

type actorKey struct{}

// WithActor tags ctx with the acting principal recorded in the
// created_by / updated_by audit columns.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom reports the acting principal carried by ctx.
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// Options configures New.
type Options struct {
	// Now supplies stamp timestamps. Nil means time.Now.
	Now func() time.Time
}

// Interceptor applies model config switches to operation inputs.
type Interceptor struct {
	now func() time.Time
}

func New(opts Options) *Interceptor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Interceptor{now: now}
}

// Deletion is the rewritten form of a delete: either a hard DELETE
// with a scoped filter, or a soft-delete conversion into an UPDATE
// applying Set.
type Deletion struct {
	Filter *sqlgen.Filter
	Soft   bool
	Set    map[string]any
}

// Batch is the rewritable surface of one bulk statement. Rows carries
// bulk insert/upsert rows, Sets the per-row SET maps of a bulk update.
// Guard comes back non-nil when the model needs keyed bulk statements
// scoped by an extra predicate. IncludeDeleted drops the live-row
// predicate from the guard (bulk hard deletes purging soft-deleted
// rows).
type Batch struct {
	Rows           []map[string]any
	Sets           []map[string]any
	IncludeDeleted bool
	Guard          *sqlgen.Filter
}

// SingleSelect scopes the filter of a one-row read.
func (i *Interceptor) SingleSelect(ctx context.Context, m *schema.Model, f *sqlgen.Filter, includeDeleted bool) (*sqlgen.Filter, error) {
	return i.scopeFilter(ctx, m, f, includeDeleted)
}

// ListSelect scopes the filter of a list read.
func (i *Interceptor) ListSelect(ctx context.Context, m *schema.Model, f *sqlgen.Filter, includeDeleted bool) (*sqlgen.Filter, error) {
	return i.scopeFilter(ctx, m, f, includeDeleted)
}

// Count scopes the filter of a count.
func (i *Interceptor) Count(ctx context.Context, m *schema.Model, f *sqlgen.Filter, includeDeleted bool) (*sqlgen.Filter, error) {
	return i.scopeFilter(ctx, m, f, includeDeleted)
}

// Insert rewrites one insert row: the active tenant overrides any
// caller-supplied tenant column, and audit models get creation and
// update stamps. The input map is not mutated.
func (i *Interceptor) Insert(ctx context.Context, m *schema.Model, row map[string]any) (map[string]any, error) {
	out := maps.Clone(row)
	if out == nil {
		out = make(map[string]any)
	}
	if m.Config.MultiTenant {
		id, err := tenant.Require(ctx)
		if err != nil {
			return nil, err
		}
		out[ColTenant] = id
	}
	if m.Config.AuditLog {
		now := i.now().UTC()
		out[ColCreatedAt] = now
		out[ColUpdatedAt] = now
		if actor, ok := ActorFrom(ctx); ok {
			out[ColCreatedBy] = actor
			out[ColUpdatedBy] = actor
		}
	}
	return out, nil
}

// Update scopes the filter and rewrites the SET map: the tenant column
// is pinned to the active tenant and audit models get update stamps.
func (i *Interceptor) Update(ctx context.Context, m *schema.Model, f *sqlgen.Filter, set map[string]any) (*sqlgen.Filter, map[string]any, error) {
	scoped, err := i.scopeFilter(ctx, m, f, false)
	if err != nil {
		return nil, nil, err
	}
	out := maps.Clone(set)
	if out == nil {
		out = make(map[string]any)
	}
	if m.Config.MultiTenant {
		// Require already passed inside scopeFilter.
		id, _ := tenant.Current(ctx)
		out[ColTenant] = id
	}
	i.stampUpdate(ctx, m, out)
	return scoped, out, nil
}

// Delete scopes the filter and converts the statement for soft-delete
// models. Hard deletes keep DELETE semantics and may target rows that
// are already soft-deleted.
func (i *Interceptor) Delete(ctx context.Context, m *schema.Model, f *sqlgen.Filter, hardDelete bool) (*Deletion, error) {
	soft := m.Config.SoftDelete && !hardDelete
	scoped, err := i.scopeFilter(ctx, m, f, !soft)
	if err != nil {
		return nil, err
	}
	d := &Deletion{Filter: scoped, Soft: soft}
	if soft {
		d.Set = map[string]any{ColDeletedAt: i.now().UTC()}
		i.stampUpdate(ctx, m, d.Set)
	}
	return d, nil
}

// Upsert rewrites the candidate row like an insert. Callers exclude
// the creation stamps from the conflict-update column list so an
// existing row keeps its created_at / created_by.
func (i *Interceptor) Upsert(ctx context.Context, m *schema.Model, row map[string]any) (map[string]any, error) {
	return i.Insert(ctx, m, row)
}

// BulkDML rewrites a batch: rows like inserts, sets like updates, and
// a guard predicate for keyed statements on scoped models.
func (i *Interceptor) BulkDML(ctx context.Context, m *schema.Model, b Batch) (Batch, error) {
	guard, err := i.scopeFilter(ctx, m, nil, b.IncludeDeleted)
	if err != nil {
		return Batch{}, err
	}
	out := Batch{}
	if !guard.Empty() {
		out.Guard = guard
	}
	if b.Rows != nil {
		out.Rows = make([]map[string]any, len(b.Rows))
		for n, row := range b.Rows {
			rewritten, err := i.Insert(ctx, m, row)
			if err != nil {
				return Batch{}, err
			}
			out.Rows[n] = rewritten
		}
	}
	if b.Sets != nil {
		out.Sets = make([]map[string]any, len(b.Sets))
		for n, set := range b.Sets {
			c := maps.Clone(set)
			if c == nil {
				c = make(map[string]any)
			}
			if m.Config.MultiTenant {
				// Require already passed while building the guard.
				id, _ := tenant.Current(ctx)
				c[ColTenant] = id
			}
			i.stampUpdate(ctx, m, c)
			out.Sets[n] = c
		}
	}
	return out, nil
}

// scopeFilter AND-joins the tenant predicate and, unless deleted rows
// are wanted, the live-row predicate.
func (i *Interceptor) scopeFilter(ctx context.Context, m *schema.Model, f *sqlgen.Filter, includeDeleted bool) (*sqlgen.Filter, error) {
	if m.Config.MultiTenant {
		id, err := tenant.Require(ctx)
		if err != nil {
			return nil, err
		}
		f = f.And(sqlgen.FieldEq(ColTenant, id))
	}
	if m.Config.SoftDelete && !includeDeleted {
		f = f.And(sqlgen.FieldIsNull(ColDeletedAt))
	}
	return f, nil
}

func (i *Interceptor) stampUpdate(ctx context.Context, m *schema.Model, set map[string]any) {
	if !m.Config.AuditLog {
		return
	}
	set[ColUpdatedAt] = i.now().UTC()
	if actor, ok := ActorFrom(ctx); ok {
		set[ColUpdatedBy] = actor
	}
}
