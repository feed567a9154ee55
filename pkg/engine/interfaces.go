package engine

import (
	"context"

	"github.com/smilemakc/mbflow/pkg/models"
)

// StandaloneExecutor executes workflows without persistence.
// This is useful for testing, demos, and simple automation scripts.
type StandaloneExecutor interface {
	// ExecuteStandalone executes a workflow synchronously without persistence.
	// All execution happens in-memory and no data is stored to a database.
	ExecuteStandalone(ctx context.Context, workflow *models.Workflow, input map[string]interface{}, opts *ExecutionOptions) (*models.Execution, error)
}

// ConditionEvaluator evaluates edge conditions against a node's output.
// SimpleConditionEvaluator covers standalone execution; ExprConditionEvaluator
// backs the full engine with expr-lang and compiled-program caching.
type ConditionEvaluator interface {
	// Evaluate evaluates a condition expression against node output.
	// Returns true if the condition passes.
	Evaluate(condition string, nodeOutput interface{}) (bool, error)
}

// ExecutionNotifier receives execution lifecycle events.
type ExecutionNotifier interface {
	// Notify sends an execution event.
	Notify(ctx context.Context, event ExecutionEvent)
}

// EventType constants for execution events emitted by DAGExecutor.
const (
	EventTypeExecutionStarted         = "execution.started"
	EventTypeExecutionCompleted       = "execution.completed"
	EventTypeExecutionFailed          = "execution.failed"
	EventTypeExecutionCancelled       = "execution.cancelled"
	EventTypeWaveStarted              = "wave.started"
	EventTypeWaveCompleted            = "wave.completed"
	EventTypeNodeStarted              = "node.started"
	EventTypeNodeCompleted            = "node.completed"
	EventTypeNodeFailed               = "node.failed"
	EventTypeNodeSkipped              = "node.skipped"
	EventTypeNodeRetrying             = "node.retrying"
	EventTypeLoopIteration            = "loop.iteration"
	EventTypeLoopExhausted            = "loop.exhausted"
	EventTypeSubWorkflowProgress      = "sub_workflow.progress"
	EventTypeSubWorkflowItemCompleted = "sub_workflow.item_completed"
	EventTypeSubWorkflowItemFailed    = "sub_workflow.item_failed"
)
