// Package tenant tracks the tenants known to an engine and scopes the
// active one to a context.
//
// The active tenant travels as a context value: Switch derives a child
// context carrying the tenant, and nested switches restore the outer
// tenant naturally because the parent context is never touched. Every
// goroutine sees the tenant of the context it was started with.
package tenant

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Record describes a registered tenant.
type Record struct {
	ID        string
	Name      string
	Active    bool
	Metadata  map[string]any
	CreatedAt time.Time
}

type ctxKey struct{}

// Registry holds the tenants of one engine. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*entry
}

type entry struct {
	rec   Record
	holds int
}

func (e *entry) snapshot() Record {
	rec := e.rec
	rec.Metadata = maps.Clone(e.rec.Metadata)
	return rec
}

func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*entry)}
}

// Register adds an active tenant and returns a snapshot of its record.
// Registering an id twice fails; unregister it first.
func (r *Registry) Register(id, name string, metadata map[string]any) (Record, error) {
	if id == "" {
		return Record{}, fault.New(fault.KindValidation, "tenant id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; ok {
		return Record{}, fault.New(fault.KindValidation, "tenant %q is already registered", id)
	}
	e := &entry{rec: Record{
		ID:        id,
		Name:      name,
		Active:    true,
		Metadata:  maps.Clone(metadata),
		CreatedAt: time.Now().UTC(),
	}}
	r.tenants[id] = e
	return e.snapshot(), nil
}

// Unregister removes a tenant. It fails while any context still holds
// the tenant via an unreleased Switch.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[id]
	if !ok {
		return fault.New(fault.KindTenantUnavailable, "tenant %q is not registered", id)
	}
	if e.holds > 0 {
		return fault.New(fault.KindTenantInUse,
			"tenant %q is held by %d active context(s)", id, e.holds)
	}
	delete(r.tenants, id)
	return nil
}

// Deactivate blocks new switches to the tenant. Contexts already
// holding it keep working until released.
func (r *Registry) Deactivate(id string) error { return r.setActive(id, false) }

// Activate re-enables switches to a deactivated tenant.
func (r *Registry) Activate(id string) error { return r.setActive(id, true) }

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[id]
	if !ok {
		return fault.New(fault.KindTenantUnavailable, "tenant %q is not registered", id)
	}
	e.rec.Active = active
	return nil
}

// Lookup returns a snapshot of the tenant record.
func (r *Registry) Lookup(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all registered tenants ordered by id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.tenants))
	for _, e := range r.tenants {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Switch derives a context carrying the tenant and takes a hold on it.
// The hold keeps the tenant from being unregistered until release is
// called. release is idempotent and safe to defer alongside error
// returns. The parent context keeps whatever tenant it had, so a
// nested switch restores the outer tenant by construction.
func (r *Registry) Switch(ctx context.Context, id string) (context.Context, func(), error) {
	r.mu.Lock()
	e, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil, fault.New(fault.KindTenantUnavailable, "tenant %q is not registered", id)
	}
	if !e.rec.Active {
		r.mu.Unlock()
		return nil, nil, fault.New(fault.KindTenantUnavailable, "tenant %q is deactivated", id)
	}
	e.holds++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.holds--
			r.mu.Unlock()
		})
	}
	return context.WithValue(ctx, ctxKey{}, id), release, nil
}

// Current reports the tenant carried by ctx.
func Current(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Require returns the tenant carried by ctx, or a tenant-required
// fault when there is none.
func Require(ctx context.Context) (string, error) {
	if id, ok := Current(ctx); ok {
		return id, nil
	}
	return "", fault.New(fault.KindTenantRequired, "no active tenant in context")
}
