package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// FlowExecutionStateModel snapshots one node's contribution to a running
// execution's state: its output and the engine variables visible at the
// point it finished. One row per (executionId, nodeId); the composite key
// lets the engine resume by loading every row for an execution rather than
// replaying node executors.
type FlowExecutionStateModel struct {
	bun.BaseModel `bun:"table:mbflow_flow_execution_states,alias:fes"`

	Key         string    `bun:"key,pk" json:"key"`
	ExecutionID uuid.UUID `bun:"execution_id,notnull,type:uuid" json:"execution_id" validate:"required"`
	NodeID      string    `bun:"node_id,notnull" json:"node_id" validate:"required"`
	Status      string    `bun:"status,notnull" json:"status" validate:"required"`
	Output      JSONBMap  `bun:"output,type:jsonb,default:'{}'" json:"output,omitempty"`
	Variables   JSONBMap  `bun:"variables,type:jsonb,default:'{}'" json:"variables,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`

	Execution *ExecutionModel `bun:"rel:belongs-to,join:execution_id=id" json:"execution,omitempty"`
}

// TableName returns the table name for FlowExecutionStateModel.
func (FlowExecutionStateModel) TableName() string {
	return "mbflow_flow_execution_states"
}

// FlowStateKey builds the composite key a flow execution state row is keyed
// by: "<executionId>_<nodeId>".
func FlowStateKey(executionID uuid.UUID, nodeID string) string {
	return executionID.String() + "_" + nodeID
}

// BeforeInsert hook to set timestamps and the composite key.
func (f *FlowExecutionStateModel) BeforeInsert(ctx interface{}) error {
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Key == "" {
		f.Key = FlowStateKey(f.ExecutionID, f.NodeID)
	}
	if f.Output == nil {
		f.Output = make(JSONBMap)
	}
	if f.Variables == nil {
		f.Variables = make(JSONBMap)
	}
	return nil
}

// BeforeUpdate hook to refresh the updated timestamp.
func (f *FlowExecutionStateModel) BeforeUpdate(ctx interface{}) error {
	f.UpdatedAt = time.Now()
	return nil
}
