package nodes

import "github.com/dataflowhq/dataflow/pkg/fault"

// Envelope is the uniform result of one node execution. Successful
// operations return one; failures travel as errors and are shaped by
// Failure at the workflow boundary.
type Envelope struct {
	// Data is the operation payload: a row map for single-row reads and
	// writes, a []Row for lists, an int64 for count.
	Data any
	// RowsAffected is the driver-reported count for writes and the
	// returned length for reads.
	RowsAffected int64
	Success      bool

	// Alias adds an operation-named count key ("created", "deleted", …)
	// so workflow edges read naturally.
	Alias string
	// Single additionally exposes Data under "result" for single-row
	// operations, keeping "node.result.id" paths stable.
	Single bool
}

// countAlias names the per-operation count key in the result map.
var countAlias = map[Op]string{
	OpCreate:     "created",
	OpUpdate:     "updated",
	OpDelete:     "deleted",
	OpUpsert:     "upserted",
	OpBulkCreate: "created",
	OpBulkUpdate: "processed",
	OpBulkDelete: "deleted",
	OpBulkUpsert: "upserted",
}

// AsMap renders the envelope for workflow edge projection.
func (e *Envelope) AsMap() map[string]any {
	out := map[string]any{
		"data":          e.Data,
		"rows_affected": e.RowsAffected,
		"success":       e.Success,
	}
	if e.Alias != "" {
		out[e.Alias] = e.RowsAffected
	}
	if e.Single {
		out["result"] = e.Data
	}
	return out
}

// Failure shapes an operation error the way downstream nodes consume it:
// success false, an empty payload matching the operation's data shape, and
// the fault's kind, message, and hint under "error".
func Failure(op Op, err error) map[string]any {
	kind := fault.KindOf(err)
	if kind == 0 {
		kind = fault.KindInternal
	}
	var data any = []any{}
	if op == OpCount {
		data = int64(0)
	}
	detail := map[string]any{
		"kind":    kind.String(),
		"message": err.Error(),
	}
	if hint := fault.HintOf(err); hint != "" {
		detail["hint"] = hint
	}
	return map[string]any{
		"success": false,
		"data":    data,
		"error":   detail,
	}
}
