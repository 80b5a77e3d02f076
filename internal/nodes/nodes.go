// Package nodes materializes the per-model operation catalog. Registering
// a model compiles eleven handlers (create, read, update, delete, list,
// upsert, count and the four bulk forms) into a dispatch table keyed by
// (model, op). Each handler validates its declared parameters, routes
// inputs through the interceptor, renders SQL with the builders, executes
// on the supplied runner, and reports through the result envelope.
package nodes

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/logging"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/cache"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// Op names one of the eleven operations materialized per model.
type Op string

const (
	OpCreate     Op = "create"
	OpRead       Op = "read"
	OpUpdate     Op = "update"
	OpDelete     Op = "delete"
	OpList       Op = "list"
	OpUpsert     Op = "upsert"
	OpCount      Op = "count"
	OpBulkCreate Op = "bulk_create"
	OpBulkUpdate Op = "bulk_update"
	OpBulkDelete Op = "bulk_delete"
	OpBulkUpsert Op = "bulk_upsert"
)

// AllOps is the fixed operation set in catalog order.
var AllOps = []Op{
	OpCreate, OpRead, OpUpdate, OpDelete, OpList, OpUpsert, OpCount,
	OpBulkCreate, OpBulkUpdate, OpBulkDelete, OpBulkUpsert,
}

func opNames() string {
	names := make([]string, len(AllOps))
	for i, op := range AllOps {
		names[i] = string(op)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ExecState carries the shared services a handler composes: the runner its
// statements go to, the interceptor rewriting its inputs, and the optional
// read cache. The same ExecState may serve many invocations; per-node
// identity travels in the parameters under NodeIDParam.
type ExecState struct {
	Runner    adapter.Runner
	Dialect   adapter.Dialect
	Intercept *intercept.Interceptor
	// Cache serves read operations when non-nil. Writes invalidate the
	// model's generation on success.
	Cache *cache.Cache
	Log   *logging.Set
	// BatchSize caps bulk statement batches. Zero means the builder
	// default.
	BatchSize int
}

func (ex *ExecState) logger(cat logging.Category) *zap.Logger {
	if ex.Log == nil {
		return zap.NewNop()
	}
	return ex.Log.For(cat)
}

// Handler executes one operation with bound parameters.
type Handler func(ctx context.Context, ex *ExecState, in Params) (*Envelope, error)

// OperationSpec is one compiled catalog entry: the declared input schema,
// the advertised output keys, and the handler.
type OperationSpec struct {
	Model   string
	Op      Op
	Inputs  []ParamSpec
	Outputs []string
	Handler Handler

	model  *schema.Model
	inputs map[string]*ParamSpec
}

// Input resolves a declared parameter by name.
func (s *OperationSpec) Input(name string) (*ParamSpec, bool) {
	ps, ok := s.inputs[name]
	return ps, ok
}

// Catalog is the dispatch table of compiled operations.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*schema.Model
	ops    map[string]map[Op]*OperationSpec
}

func NewCatalog() *Catalog {
	return &Catalog{
		models: make(map[string]*schema.Model),
		ops:    make(map[string]map[Op]*OperationSpec),
	}
}

// Register compiles the eleven operations for a normalized, validated
// model. Registering the same name again replaces the previous
// compilation.
func (c *Catalog) Register(m *schema.Model) error {
	if m == nil || m.Name == "" {
		return fault.New(fault.KindValidation, "cannot register a model without a name")
	}
	specs := make(map[Op]*OperationSpec, len(AllOps))
	for _, op := range AllOps {
		spec, err := compileOperation(m, op)
		if err != nil {
			return err
		}
		specs[op] = spec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
	c.ops[m.Name] = specs
	return nil
}

// Lookup resolves one compiled operation. Unknown models and operations
// fail with the allowed set enumerated in the message.
func (c *Catalog) Lookup(model string, op Op) (*OperationSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	specs, ok := c.ops[model]
	if !ok {
		return nil, fault.New(fault.KindValidation,
			"unknown model %q (registered: %s)", model, strings.Join(c.modelNamesLocked(), ", "))
	}
	spec, ok := specs[op]
	if !ok {
		return nil, fault.New(fault.KindValidation,
			"unknown operation %q for model %q (available: %s)", op, model, opNames())
	}
	return spec, nil
}

// Model returns the registered model by name.
func (c *Catalog) Model(name string) (*schema.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

// Models lists registered model names sorted.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelNamesLocked()
}

func (c *Catalog) modelNamesLocked() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available maps model name to its sorted operation names. An empty model
// argument covers every registered model; an unknown one yields an empty
// map.
func (c *Catalog) Available(model string) map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(AllOps))
	for i, op := range AllOps {
		names[i] = string(op)
	}
	sort.Strings(names)

	out := make(map[string][]string)
	if model != "" {
		if _, ok := c.ops[model]; ok {
			out[model] = names
		}
		return out
	}
	for name := range c.ops {
		out[name] = names
	}
	return out
}

// Execute binds in against the operation's declared inputs and runs the
// handler.
func (c *Catalog) Execute(ctx context.Context, ex *ExecState, model string, op Op, in Params) (*Envelope, error) {
	spec, err := c.Lookup(model, op)
	if err != nil {
		return nil, err
	}
	bound, err := spec.Bind(in)
	if err != nil {
		return nil, err
	}

	log := ex.logger(logging.NodeExecution)
	log.Debug("executing operation",
		zap.String("model", model),
		zap.String("op", string(op)),
		zap.String("node_id", bound.NodeID()),
		logging.Params("params", bound.visible()))

	env, err := spec.Handler(ctx, ex, bound)
	if err != nil {
		log.Warn("operation failed",
			zap.String("model", model),
			zap.String("op", string(op)),
			zap.String("node_id", bound.NodeID()),
			zap.String("code", fault.CodeOf(err)),
			zap.Error(err))
		return nil, err
	}
	return env, nil
}
