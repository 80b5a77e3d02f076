package dataflow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/logging"
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/cache"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/migrate"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/pkg/tenant"
	"github.com/dataflowhq/dataflow/pkg/workflow"
)

// Engine owns the model registry, the adapter, the cache, the query
// interceptor, the tenant registry, and the migration surface. Build one
// with New, bring it online with Initialize, and tear it down with
// Shutdown. All methods are safe for concurrent use.
type Engine struct {
	cfg Config
	url string

	log     *logging.Set
	catalog *nodes.Catalog
	tenants *tenant.Registry
	icp     *intercept.Interceptor

	mu          sync.Mutex
	db          adapter.Adapter
	cache       *cache.Cache
	mig         *migrate.Migrator
	models      map[string]*schema.Model
	order       []string
	initialized bool
	closed      bool
}

// openAdapter is swapped by tests to inject a scripted adapter.
var openAdapter = adapter.Open

// Initialize opens the adapter, verifies liveness with a backoff-retried
// ping, brings the cache online, and applies auto_migrate or
// existing_schema_mode for the models registered so far. Idempotent;
// safe from any execution context.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fault.New(fault.KindValidation, "engine is shut down")
	}
	if e.initialized {
		return nil
	}

	db, err := openAdapter(ctx, e.url, adapter.Options{
		MaxOpen:        e.cfg.Pool.MaxConns,
		MaxIdle:        e.cfg.Pool.MinConns,
		AcquireTimeout: e.cfg.Pool.Timeout,
		TestMode:       e.cfg.TestMode,
		Logger:         e.log.For(logging.Core),
	})
	if err != nil {
		return err
	}

	var cc *cache.Cache
	if e.cfg.Cache.Enabled {
		store, err := e.cfg.Cache.store()
		if err != nil {
			_ = db.Close()
			return err
		}
		cc = cache.New(store, cache.Options{
			TTL:    e.cfg.Cache.TTL,
			Logger: e.log.For(logging.Core),
		})
	}

	mig := migrate.New(db, e.cfg.ApplicationID, e.log.For(logging.Migration))

	declared := e.orderedLocked()
	switch {
	case e.cfg.ExistingSchemaMode:
		err = verifyExistingSchema(ctx, db, declared)
	case e.cfg.AutoMigrate && len(declared) > 0:
		_, err = mig.Migrate(ctx, e.valuesLocked(), migrate.MigrateOptions{})
	}
	if err != nil {
		if cc != nil {
			_ = cc.Close()
		}
		_ = db.Close()
		return err
	}

	e.db = db
	e.cache = cc
	e.mig = mig
	e.initialized = true
	e.log.For(logging.Core).Info("engine initialized",
		zap.String("dialect", db.Dialect().String()),
		zap.Int("models", len(declared)),
		zap.Bool("cache", cc != nil))
	return nil
}

// Shutdown purges connection scopes, closes the pool, flushes the cache,
// and syncs the loggers. Idempotent; the engine cannot be reused after.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.db != nil {
		report := e.db.PurgeScopes(ctx)
		errs = append(errs, report.Errors...)
		e.log.For(logging.Core).Info("connection scopes purged",
			zap.Int("created", report.Created),
			zap.Int("purged", report.Purged),
			zap.Int("errors", len(report.Errors)))
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Sync()
	return errors.Join(errs...)
}

// EnableTestMode makes connection-scope cleanup aggressive after each
// operation. Safe before or after Initialize.
func (e *Engine) EnableTestMode() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.TestMode = true
	if e.db != nil {
		e.db.SetTestMode(true)
	}
}

// RegisterModel normalizes and validates the model, checks its references
// against the registered set, and compiles its eleven operations. Models
// registered before Initialize participate in auto_migrate; later
// registrations take effect on the next explicit Migrate.
func (e *Engine) RegisterModel(model schema.Model) error {
	return e.registerBatch([]schema.Model{model})
}

// RegisterModelFile loads a YAML model definition file and registers
// every model it declares. Models within one file may reference each
// other in any order.
func (e *Engine) RegisterModelFile(path string) error {
	models, err := schema.LoadFile(path)
	if err != nil {
		return err
	}
	return e.registerBatch(models)
}

func (e *Engine) registerBatch(models []schema.Model) error {
	prepared := make([]*schema.Model, 0, len(models))
	seen := make(map[string]bool, len(models))
	for i := range models {
		m := models[i]
		m.Normalize()
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.Name] {
			return fault.New(fault.KindValidation, "model %s declared twice", m.Name)
		}
		seen[m.Name] = true
		if m.Config.MultiTenant && !e.cfg.MultiTenant {
			return fault.New(fault.KindValidation,
				"model %s is multi-tenant but the engine is not", m.Name).
				WithHint("enable the multi_tenant option")
		}
		prepared = append(prepared, &m)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	all := make(map[string]*schema.Model, len(e.models)+len(prepared))
	for name, m := range e.models {
		all[name] = m
	}
	for _, m := range prepared {
		all[m.Name] = m
	}
	if err := schema.ValidateRefs(all); err != nil {
		return err
	}

	for _, m := range prepared {
		if err := e.catalog.Register(m); err != nil {
			return err
		}
		if _, replaced := e.models[m.Name]; !replaced {
			e.order = append(e.order, m.Name)
		}
		e.models[m.Name] = m
		e.log.For(logging.Core).Info("model registered",
			zap.String("model", m.Name),
			zap.String("table", m.Table()))
	}
	return nil
}

// Models lists the registered model names in registration order.
func (e *Engine) Models() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// AvailableNodes maps model names to their operation names. An empty
// model argument covers every registered model.
func (e *Engine) AvailableNodes(model string) map[string][]string {
	return e.catalog.Available(model)
}

// CreateWorkflow starts an empty workflow builder bound to this engine's
// model catalog. The label is validated when the workflow freezes.
func (e *Engine) CreateWorkflow(label string) *WorkflowBuilder {
	return workflow.NewBuilder(label, e.catalog)
}

// AddNode adds one operation node to wf. Unknown models and operations
// fail with the allowed set enumerated in the message. connections maps
// an input parameter to an upstream node's output, "node_id" or
// "node_id.dot.path".
func (e *Engine) AddNode(wf *WorkflowBuilder, model string, op Op, nodeID string, params Params, connections map[string]string) error {
	return wf.AddNode(model, op, nodeID, params, connections)
}

// ExecuteWorkflow freezes wf and runs it node by node on the calling
// goroutine. inputs carries runtime parameters keyed by node id. Inside
// the async runtime the run refuses to start with a wrong-context fault;
// call ExecuteWorkflowAsync there.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *WorkflowBuilder, inputs map[string]Params) (map[string]*NodeResult, uuid.UUID, error) {
	runner, frozen, err := e.runner(wf)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return runner.Run(ctx, frozen, inputs)
}

// ExecuteWorkflowAsync freezes wf and runs it wave by wave, independent
// nodes in flight together. Safe from any execution context.
func (e *Engine) ExecuteWorkflowAsync(ctx context.Context, wf *WorkflowBuilder, inputs map[string]Params) (map[string]*NodeResult, uuid.UUID, error) {
	runner, frozen, err := e.runner(wf)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return runner.RunAsync(ctx, frozen, inputs)
}

func (e *Engine) runner(wf *WorkflowBuilder) (*workflow.Runner, *Workflow, error) {
	frozen, err := wf.Freeze()
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readyLocked(); err != nil {
		return nil, nil, err
	}
	ex := &nodes.ExecState{
		Runner:    e.db,
		Dialect:   e.db.Dialect(),
		Intercept: e.icp,
		Cache:     e.cache,
		Log:       e.log,
		BatchSize: e.cfg.BulkBatchSize,
	}
	return &workflow.Runner{Catalog: e.catalog, Exec: ex, Adapter: e.db}, frozen, nil
}

// SchemaReport describes the live database relative to the registered
// models.
type SchemaReport struct {
	// Live is the introspected schema.
	Live *schema.LiveSchema

	// Models lists the registered model names.
	Models []string

	// StateTables are the engine's own dataflow_-prefixed tables found
	// live.
	StateTables []string

	// Orphans are live tables no registered model covers. Reported
	// only; dropping them remains a migration-planner decision.
	Orphans []string
}

// DiscoverSchema introspects the live database and reports it against
// the registered models. This is the synchronous entry; inside the async
// runtime it fails with a wrong-context fault.
func (e *Engine) DiscoverSchema(ctx context.Context) (*SchemaReport, error) {
	if workflow.InAsyncRuntime(ctx) {
		return nil, fault.New(fault.KindWrongContext,
			"schema discovery: synchronous entry called inside the async runtime").
			WithHint("call DiscoverSchemaAsync here")
	}
	return e.discoverSchema(ctx)
}

// DiscoverSchemaAsync is the execution-context-safe variant of
// DiscoverSchema.
func (e *Engine) DiscoverSchemaAsync(ctx context.Context) (*SchemaReport, error) {
	return e.discoverSchema(ctx)
}

func (e *Engine) discoverSchema(ctx context.Context) (*SchemaReport, error) {
	db, _, err := e.handles()
	if err != nil {
		return nil, err
	}
	live, err := db.Introspect(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	declared := make(map[string]bool, len(e.models))
	for _, m := range e.models {
		declared[m.Table()] = true
	}
	e.mu.Unlock()

	rep := &SchemaReport{Live: live, Models: e.catalog.Models()}
	for _, table := range live.TableNames() {
		switch {
		case strings.HasPrefix(table, "dataflow_"):
			rep.StateTables = append(rep.StateTables, table)
		case !declared[table]:
			rep.Orphans = append(rep.Orphans, table)
		}
	}
	return rep, nil
}

// Migrate plans and applies the schema changes that bring the live
// database in line with the registered models. See migrate.MigrateOptions
// for dry runs, forcing past the checksum fast path, and lock control.
func (e *Engine) Migrate(ctx context.Context, opts migrate.MigrateOptions) (*migrate.MigrateResult, error) {
	if e.cfg.ExistingSchemaMode {
		return nil, fault.New(fault.KindValidation,
			"existing_schema_mode is enabled; the schema is managed outside dataflow")
	}
	_, mig, err := e.handles()
	if err != nil {
		return nil, err
	}
	return mig.Migrate(ctx, e.modelValues(), opts)
}

// MigrationRecord is one row of the migration history, newest first.
type MigrationRecord = migrate.Record

// MigrationHistory returns this application's recorded migrations,
// newest first. Empty before the first migration.
func (e *Engine) MigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	_, mig, err := e.handles()
	if err != nil {
		return nil, err
	}
	return mig.History(ctx)
}

// RegisterTenant adds a tenant to the registry, active immediately.
func (e *Engine) RegisterTenant(id, name string, metadata map[string]any) (tenant.Record, error) {
	if err := e.requireMultiTenant(); err != nil {
		return tenant.Record{}, err
	}
	return e.tenants.Register(id, name, metadata)
}

// UnregisterTenant removes a tenant. Fails while any scope still holds
// the tenant active.
func (e *Engine) UnregisterTenant(id string) error {
	if err := e.requireMultiTenant(); err != nil {
		return err
	}
	return e.tenants.Unregister(id)
}

// ActivateTenant re-enables switching into a deactivated tenant.
func (e *Engine) ActivateTenant(id string) error {
	if err := e.requireMultiTenant(); err != nil {
		return err
	}
	return e.tenants.Activate(id)
}

// DeactivateTenant blocks new switches into a tenant without removing it.
func (e *Engine) DeactivateTenant(id string) error {
	if err := e.requireMultiTenant(); err != nil {
		return err
	}
	return e.tenants.Deactivate(id)
}

// Tenants lists the registered tenants sorted by ID.
func (e *Engine) Tenants() []tenant.Record {
	return e.tenants.List()
}

// SwitchTenant derives a context with the tenant active. The release
// function ends the scope and is idempotent; every switch must be
// released before the tenant can be unregistered.
func (e *Engine) SwitchTenant(ctx context.Context, id string) (context.Context, func(), error) {
	if err := e.requireMultiTenant(); err != nil {
		return ctx, func() {}, err
	}
	return e.tenants.Switch(ctx, id)
}

// CurrentTenant reports the tenant active on ctx.
func (e *Engine) CurrentTenant(ctx context.Context) (string, bool) {
	return tenant.Current(ctx)
}

// WithActor stamps ctx with the acting principal recorded in created_by
// and updated_by columns of audit-logged models.
func WithActor(ctx context.Context, actor string) context.Context {
	return intercept.WithActor(ctx, actor)
}

func (e *Engine) requireMultiTenant() error {
	if !e.cfg.MultiTenant {
		return fault.New(fault.KindValidation, "multi-tenant support is disabled").
			WithHint("enable the multi_tenant option")
	}
	return nil
}

// readyLocked requires an initialized, open engine. Callers hold e.mu.
func (e *Engine) readyLocked() error {
	if e.closed {
		return fault.New(fault.KindValidation, "engine is shut down")
	}
	if !e.initialized {
		return fault.New(fault.KindValidation, "engine is not initialized").
			WithHint("call Initialize before executing operations")
	}
	return nil
}

func (e *Engine) handles() (adapter.Adapter, *migrate.Migrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.readyLocked(); err != nil {
		return nil, nil, err
	}
	return e.db, e.mig, nil
}

// orderedLocked returns the registered models in registration order.
// Callers hold e.mu.
func (e *Engine) orderedLocked() []*schema.Model {
	out := make([]*schema.Model, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.models[name])
	}
	return out
}

func (e *Engine) valuesLocked() []schema.Model {
	out := make([]schema.Model, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, *e.models[name])
	}
	return out
}

func (e *Engine) modelValues() []schema.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valuesLocked()
}

func (e *Engine) modelPointers() []*schema.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderedLocked()
}

// verifyExistingSchema checks that every registered model's table exists
// live, without issuing DDL.
func verifyExistingSchema(ctx context.Context, db adapter.Adapter, models []*schema.Model) error {
	if len(models) == 0 {
		return nil
	}
	live, err := db.Introspect(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, m := range models {
		if live.Table(m.Table()) == nil {
			missing = append(missing, m.Table())
		}
	}
	if len(missing) > 0 {
		return fault.New(fault.KindValidation,
			"existing_schema_mode: %d registered model table(s) missing from the live schema", len(missing)).
			WithTables(missing...).
			WithHint("create the tables externally or disable existing_schema_mode")
	}
	return nil
}
