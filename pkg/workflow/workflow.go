// Package workflow assembles catalog operations into labeled DAGs and
// executes them. A Builder accumulates nodes and the connections between
// them, Freeze validates the graph and fixes a deterministic execution
// order, and a Runner walks that order either sequentially or wave by
// wave with independent nodes in flight together.
package workflow

import (
	"sort"
	"strings"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// Edge routes one value out of a finished node into a parameter of a
// downstream node. OutputKey is a dot path into the source result map;
// empty means the whole map.
type Edge struct {
	From      string
	OutputKey string
	To        string
	Param     string
}

type node struct {
	id     string
	model  string
	op     nodes.Op
	spec   *nodes.OperationSpec
	static nodes.Params
	edges  []Edge
}

// Builder accumulates workflow nodes. It is not safe for concurrent use;
// build on one goroutine, then Freeze and share the result.
type Builder struct {
	label   string
	catalog *nodes.Catalog
	nodes   map[string]*node
	added   []string
}

// NewBuilder starts an empty workflow against the given catalog. The
// label names the workflow in errors and logs; it carries no identifier
// constraints.
func NewBuilder(label string, cat *nodes.Catalog) *Builder {
	return &Builder{
		label:   label,
		catalog: cat,
		nodes:   make(map[string]*node),
	}
}

// Label returns the workflow label.
func (b *Builder) Label() string { return b.label }

// AddNode registers one operation invocation under nodeID. Static params
// are validated and coerced immediately, so a bad filter document or an
// unknown parameter fails here rather than mid-run. Connections map an
// input parameter to a source reference "node_id" or
// "node_id.dot.path"; the referenced node may be added later, its
// existence is checked at Freeze.
func (b *Builder) AddNode(model string, op nodes.Op, nodeID string, params nodes.Params, connections map[string]string) error {
	if err := ident.Check(nodeID); err != nil {
		return fault.Wrap(fault.KindValidation, err, "workflow %q: bad node id", b.label)
	}
	if _, ok := b.nodes[nodeID]; ok {
		return fault.New(fault.KindValidation, "workflow %q already has a node %q", b.label, nodeID)
	}
	spec, err := b.catalog.Lookup(model, op)
	if err != nil {
		return err
	}

	static, err := spec.Coerce(params)
	if err != nil {
		return fault.Wrap(kindOr(err, fault.KindValidation), err, "workflow %q node %q", b.label, nodeID)
	}

	n := &node{id: nodeID, model: model, op: op, spec: spec, static: static}
	for _, param := range sortedKeys(connections) {
		if _, ok := spec.Input(param); !ok {
			return fault.New(fault.KindValidation,
				"workflow %q node %q: %s.%s has no parameter %q to connect (declared: %s)",
				b.label, nodeID, model, op, param, declaredNames(spec))
		}
		from, key, _ := strings.Cut(connections[param], ".")
		if from == "" {
			return fault.New(fault.KindValidation,
				"workflow %q node %q: connection for %q names no source node", b.label, nodeID, param)
		}
		n.edges = append(n.edges, Edge{From: from, OutputKey: key, To: nodeID, Param: param})
	}

	b.nodes[nodeID] = n
	b.added = append(b.added, nodeID)
	return nil
}

// Workflow is a frozen execution plan. The node set, the sequential
// order, and the wave layering are fixed at Freeze time and never change
// afterwards, so a Workflow may be executed concurrently and repeatedly.
type Workflow struct {
	label string
	nodes map[string]*node
	// order is a full topological order with lexicographic tie-break.
	order []string
	// waves groups order by dependency depth. Nodes within one wave have
	// no path between them.
	waves [][]string
	// runtimeInputs lists, per node, required parameters that neither the
	// static map nor an edge supplies. Run expects them in its inputs
	// argument.
	runtimeInputs map[string][]string
}

// Freeze validates the accumulated graph and fixes the execution order.
// Every edge source must exist, and the graph must be acyclic. The
// builder stays usable afterwards; further AddNode calls do not affect a
// frozen workflow.
func (b *Builder) Freeze() (*Workflow, error) {
	if len(b.nodes) == 0 {
		return nil, fault.New(fault.KindValidation, "workflow %q has no nodes", b.label)
	}

	for _, id := range b.added {
		for _, e := range b.nodes[id].edges {
			if _, ok := b.nodes[e.From]; !ok {
				return nil, fault.New(fault.KindValidation,
					"workflow %q node %q consumes output of unknown node %q (have: %s)",
					b.label, id, e.From, strings.Join(b.nodeIDs(), ", "))
			}
		}
	}

	order, waves, err := b.sortNodes()
	if err != nil {
		return nil, err
	}

	wf := &Workflow{
		label:         b.label,
		nodes:         make(map[string]*node, len(b.nodes)),
		order:         order,
		waves:         waves,
		runtimeInputs: make(map[string][]string),
	}
	for id, n := range b.nodes {
		wf.nodes[id] = n
		if missing := unsatisfiedInputs(n); len(missing) > 0 {
			wf.runtimeInputs[id] = missing
		}
	}
	return wf, nil
}

// sortNodes runs Kahn's algorithm. The ready set is kept sorted and the
// smallest node id is taken first, so identical graphs always freeze to
// identical orders. Wave depth is the longest predecessor chain.
func (b *Builder) sortNodes() ([]string, [][]string, error) {
	preds := make(map[string]map[string]struct{}, len(b.nodes))
	succs := make(map[string][]string, len(b.nodes))
	for id, n := range b.nodes {
		if preds[id] == nil {
			preds[id] = make(map[string]struct{})
		}
		for _, e := range n.edges {
			if _, ok := preds[id][e.From]; ok {
				continue
			}
			preds[id][e.From] = struct{}{}
			succs[e.From] = append(succs[e.From], id)
		}
	}

	indegree := make(map[string]int, len(b.nodes))
	var ready []string
	for id := range b.nodes {
		indegree[id] = len(preds[id])
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(b.nodes))
	depth := make(map[string]int, len(b.nodes))
	maxDepth := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		d := 0
		for p := range preds[id] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}

		for _, s := range succs[id] {
			indegree[s]--
			if indegree[s] == 0 {
				i := sort.SearchStrings(ready, s)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = s
			}
		}
	}

	if len(order) < len(b.nodes) {
		var stuck []string
		for id := range b.nodes {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, nil, fault.New(fault.KindValidation,
			"workflow %q has a cycle involving: %s", b.label, strings.Join(stuck, ", "))
	}

	waves := make([][]string, maxDepth+1)
	for _, id := range order {
		waves[depth[id]] = append(waves[depth[id]], id)
	}
	for _, w := range waves {
		sort.Strings(w)
	}
	return order, waves, nil
}

// unsatisfiedInputs returns required parameters with no default that
// neither the static map nor an inbound edge covers, sorted.
func unsatisfiedInputs(n *node) []string {
	bound := make(map[string]struct{}, len(n.edges))
	for _, e := range n.edges {
		bound[e.Param] = struct{}{}
	}
	var missing []string
	for _, ps := range n.spec.Inputs {
		if !ps.Required || ps.Default != nil {
			continue
		}
		if _, ok := n.static[ps.Name]; ok {
			continue
		}
		if _, ok := bound[ps.Name]; ok {
			continue
		}
		missing = append(missing, ps.Name)
	}
	sort.Strings(missing)
	return missing
}

// Label returns the workflow label.
func (w *Workflow) Label() string { return w.label }

// Order returns the frozen execution order.
func (w *Workflow) Order() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// Waves returns the dependency layering used by RunAsync. Nodes within
// one wave may execute concurrently.
func (w *Workflow) Waves() [][]string {
	out := make([][]string, len(w.waves))
	for i, wave := range w.waves {
		out[i] = make([]string, len(wave))
		copy(out[i], wave)
	}
	return out
}

// RuntimeInputs maps node id to the required parameters the caller must
// pass to Run. Nodes with everything bound statically or by edges are
// absent.
func (w *Workflow) RuntimeInputs() map[string][]string {
	out := make(map[string][]string, len(w.runtimeInputs))
	for id, names := range w.runtimeInputs {
		cp := make([]string, len(names))
		copy(cp, names)
		out[id] = cp
	}
	return out
}

func (b *Builder) nodeIDs() []string {
	ids := make([]string, len(b.added))
	copy(ids, b.added)
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func declaredNames(spec *nodes.OperationSpec) string {
	names := make([]string, len(spec.Inputs))
	for i, ps := range spec.Inputs {
		names[i] = ps.Name
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
