package engine

import "time"

// ExecutionEvent represents a lifecycle event during workflow execution.
// Used by ExecutionNotifier implementations to track execution progress.
type ExecutionEvent struct {
	Type        string
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeName    string
	NodeType    string
	WaveIndex   int
	NodeCount   int
	Status      string
	Error       error
	Output      interface{}
	DurationMs  int64
	Message     string
	Timestamp   time.Time
	Input       map[string]interface{}
	Variables   map[string]interface{}

	// Loop-related fields, set by DAGExecutor while driving a loop node.
	LoopEdgeID    string `json:"-"`
	LoopIteration int    `json:"-"`
	LoopMaxIter   int    `json:"-"`

	// Sub-workflow related fields, set while fanning out a sub_workflow node.
	SubWorkflowTotal      int    `json:"sub_workflow_total,omitempty"`
	SubWorkflowCompleted  int    `json:"sub_workflow_completed,omitempty"`
	SubWorkflowFailed     int    `json:"sub_workflow_failed,omitempty"`
	SubWorkflowItemIndex  int    `json:"sub_workflow_item_index,omitempty"`
	SubWorkflowItemExecID string `json:"sub_workflow_item_exec_id,omitempty"`
}
