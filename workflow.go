package dataflow

import (
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/workflow"
)

// Op names one of the generated operations every registered model
// carries.
type Op = nodes.Op

// The operation set. Bulk variants chunk their input by the
// bulk_batch_size option and report per-row outcomes.
const (
	OpCreate     = nodes.OpCreate
	OpRead       = nodes.OpRead
	OpUpdate     = nodes.OpUpdate
	OpDelete     = nodes.OpDelete
	OpList       = nodes.OpList
	OpUpsert     = nodes.OpUpsert
	OpCount      = nodes.OpCount
	OpBulkCreate = nodes.OpBulkCreate
	OpBulkUpdate = nodes.OpBulkUpdate
	OpBulkDelete = nodes.OpBulkDelete
	OpBulkUpsert = nodes.OpBulkUpsert
)

// Params carries operation parameters: field values, filters, pagination
// knobs. Filter values accept literals or operator documents such as
// map[string]any{"$gte": 100}.
type Params = nodes.Params

// WorkflowBuilder accumulates nodes and connections until Freeze
// validates the graph. Obtain one from Engine.CreateWorkflow.
type WorkflowBuilder = workflow.Builder

// Workflow is a frozen, validated node graph ready to execute.
type Workflow = workflow.Workflow

// NodeResult is one node's outcome in a workflow run.
type NodeResult = workflow.Result
