package workflow

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dataflowhq/dataflow/internal/logging"
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Result is one node's outcome, addressed by node id in the result map.
type Result struct {
	NodeID string
	Model  string
	Op     nodes.Op
	// Output is the node's result envelope: data, rows_affected, success,
	// and the operation's alias keys.
	Output map[string]any
}

// Runner executes frozen workflows against one execution state. A Runner
// is stateless across runs and safe for concurrent use.
type Runner struct {
	Catalog *nodes.Catalog
	// Exec supplies the connection, dialect, interceptor, and cache every
	// node shares. Atomic runs substitute its Runner with a transaction.
	Exec *nodes.ExecState
	// Atomic wraps the whole run in one transaction on Adapter; any node
	// failure or cancellation rolls the run back. Waves collapse to
	// sequential execution because the transaction pins one connection.
	Atomic bool
	// Adapter opens the transaction for atomic runs. Unused otherwise.
	Adapter adapter.Adapter
}

type asyncMarker struct{}

// InAsyncRuntime reports whether ctx descends from a RunAsync execution.
func InAsyncRuntime(ctx context.Context) bool {
	on, _ := ctx.Value(asyncMarker{}).(bool)
	return on
}

func markAsync(ctx context.Context) context.Context {
	return context.WithValue(ctx, asyncMarker{}, true)
}

// Run executes wf node by node in the frozen order. inputs carries
// runtime parameters keyed by node id; they overlay each node's static
// parameters, and edge-produced values overlay both. On error no partial
// results are returned. Run refuses to start inside the async runtime,
// where a blocking entry point would stall every workflow sharing the
// scheduler.
func (r *Runner) Run(ctx context.Context, wf *Workflow, inputs map[string]nodes.Params) (map[string]*Result, uuid.UUID, error) {
	if InAsyncRuntime(ctx) {
		return nil, uuid.Nil, fault.New(fault.KindWrongContext,
			"workflow %q: synchronous execution requested inside the async runtime", wf.label).
			WithHint("call RunAsync here; it executes inline on the current runtime")
	}
	return r.run(ctx, wf, inputs, false)
}

// RunAsync executes wf wave by wave, nodes without a dependency path
// between them in flight together. Called from inside an already running
// async execution it does not spawn a second runtime; the workflow
// executes inline on the current one.
func (r *Runner) RunAsync(ctx context.Context, wf *Workflow, inputs map[string]nodes.Params) (map[string]*Result, uuid.UUID, error) {
	if !InAsyncRuntime(ctx) {
		ctx = markAsync(ctx)
	}
	return r.run(ctx, wf, inputs, true)
}

type runState struct {
	mu      sync.Mutex
	results map[string]*Result
	outputs map[string]map[string]any
}

func (r *Runner) run(ctx context.Context, wf *Workflow, inputs map[string]nodes.Params, concurrent bool) (map[string]*Result, uuid.UUID, error) {
	runID := uuid.New()
	log := r.logger()

	ex := r.Exec
	var tx adapter.Tx
	if r.Atomic {
		if r.Adapter == nil {
			return nil, runID, fault.New(fault.KindInternal,
				"workflow %q: atomic execution configured without an adapter", wf.label)
		}
		var err error
		tx, err = r.Adapter.Begin(ctx)
		if err != nil {
			return nil, runID, fault.Wrap(kindOr(err, fault.KindAdapter), err,
				"workflow %q run %s: opening transaction", wf.label, runID)
		}
		scoped := *r.Exec
		scoped.Runner = tx
		ex = &scoped
		concurrent = false
	}

	st := &runState{
		results: make(map[string]*Result, len(wf.nodes)),
		outputs: make(map[string]map[string]any, len(wf.nodes)),
	}

	log.Info("workflow started",
		zap.String("workflow", wf.label),
		zap.String("run_id", runID.String()),
		zap.Int("nodes", len(wf.order)),
		zap.Bool("atomic", tx != nil),
		zap.Bool("concurrent", concurrent))

	if err := r.walk(ctx, wf, inputs, ex, st, concurrent); err != nil {
		if tx != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Warn("rollback after failed run",
					zap.String("run_id", runID.String()), zap.Error(rbErr))
			}
		}
		log.Warn("workflow failed",
			zap.String("workflow", wf.label),
			zap.String("run_id", runID.String()),
			zap.String("code", fault.CodeOf(err)),
			zap.Error(err))
		return nil, runID, err
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, runID, fault.Wrap(kindOr(err, fault.KindAdapter), err,
				"workflow %q run %s: commit", wf.label, runID)
		}
	}
	log.Info("workflow finished",
		zap.String("workflow", wf.label),
		zap.String("run_id", runID.String()),
		zap.Int("nodes", len(st.results)))
	return st.results, runID, nil
}

func (r *Runner) walk(ctx context.Context, wf *Workflow, inputs map[string]nodes.Params, ex *nodes.ExecState, st *runState, concurrent bool) error {
	if !concurrent {
		for _, id := range wf.order {
			if err := r.execNode(ctx, wf, wf.nodes[id], inputs[id], ex, st); err != nil {
				return err
			}
		}
		return nil
	}
	for _, wave := range wf.waves {
		g, wctx := errgroup.WithContext(ctx)
		for _, id := range wave {
			n := wf.nodes[id]
			in := inputs[id]
			g.Go(func() error {
				return r.execNode(wctx, wf, n, in, ex, st)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execNode(ctx context.Context, wf *Workflow, n *node, runtime nodes.Params, ex *nodes.ExecState, st *runState) error {
	in, err := resolveInputs(wf, n, runtime, st)
	if err != nil {
		return err
	}
	env, err := r.Catalog.Execute(ctx, ex, n.model, n.op, in)
	if err != nil {
		r.logger().Warn("workflow node failed",
			zap.String("workflow", wf.label),
			zap.String("node_id", n.id),
			logging.Params("failure", nodes.Failure(n.op, err)))
		return fault.Wrap(kindOr(err, fault.KindInternal), err,
			"workflow %q node %q (%s.%s)", wf.label, n.id, n.model, n.op)
	}
	out := env.AsMap()
	st.mu.Lock()
	st.outputs[n.id] = out
	st.results[n.id] = &Result{NodeID: n.id, Model: n.model, Op: n.op, Output: out}
	st.mu.Unlock()
	return nil
}

// resolveInputs folds static, runtime, and edge-produced values, later
// sources winning. Edge sources have always finished by now: the frozen
// order places them earlier, and every wave ends with a barrier.
func resolveInputs(wf *Workflow, n *node, runtime nodes.Params, st *runState) (nodes.Params, error) {
	in := make(nodes.Params, len(n.static)+len(runtime)+len(n.edges)+1)
	for k, v := range n.static {
		in[k] = v
	}
	for k, v := range runtime {
		in[k] = v
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range n.edges {
		src, ok := st.outputs[e.From]
		if !ok {
			return nil, fault.New(fault.KindInternal,
				"workflow %q node %q ran before its source %q", wf.label, n.id, e.From)
		}
		v, err := project(src, e.OutputKey)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err,
				"workflow %q node %q: binding parameter %q from %q", wf.label, n.id, e.Param, e.From)
		}
		in[e.Param] = v
	}
	in[nodes.NodeIDParam] = n.id
	return in, nil
}

// project descends a dot path into a node's result map. List values
// address elements by numeric segment, as in "data.0.email". An empty
// path yields the whole map.
func project(out map[string]any, path string) (any, error) {
	if path == "" {
		return out, nil
	}
	var cur any = out
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fault.New(fault.KindValidation, "no output value under %q", seg)
			}
			cur = next
		case []map[string]any:
			i, err := listIndex(seg, len(v))
			if err != nil {
				return nil, err
			}
			cur = v[i]
		case []any:
			i, err := listIndex(seg, len(v))
			if err != nil {
				return nil, err
			}
			cur = v[i]
		default:
			return nil, fault.New(fault.KindValidation, "cannot descend into %T with segment %q", cur, seg)
		}
	}
	return cur, nil
}

func listIndex(seg string, n int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil {
		return 0, fault.New(fault.KindValidation, "list output needs a numeric segment, got %q", seg)
	}
	if i < 0 || i >= n {
		return 0, fault.New(fault.KindValidation, "list index %d out of range (%d elements)", i, n)
	}
	return i, nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Exec == nil || r.Exec.Log == nil {
		return zap.NewNop()
	}
	return r.Exec.Log.For(logging.NodeExecution)
}

func kindOr(err error, fallback fault.Kind) fault.Kind {
	if k := fault.KindOf(err); k != 0 {
		return k
	}
	return fallback
}
