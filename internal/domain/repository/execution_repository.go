package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smilemakc/mbflow/internal/infrastructure/storage/models"
)

// ExecutionStatistics summarizes execution outcomes over a time window.
type ExecutionStatistics struct {
	TotalExecutions int
	CompletedCount  int
	FailedCount     int
	CancelledCount  int
	RunningCount    int
	PendingCount    int
	SuccessRate     float64
	FailureRate     float64
	AverageDuration *time.Duration
}

// ExecutionRepository defines the interface for execution persistence.
type ExecutionRepository interface {
	// Create creates a new execution
	Create(ctx context.Context, execution *models.ExecutionModel) error

	// Update updates an existing execution, replacing its node executions
	Update(ctx context.Context, execution *models.ExecutionModel) error

	// UpdateStatus transitions an execution to status and records errMsg,
	// without touching its node executions. errMsg is ignored when empty.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error

	// Delete deletes an execution and its node executions
	Delete(ctx context.Context, id uuid.UUID) error

	// FindByID retrieves an execution by ID
	FindByID(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error)

	// FindByIDWithRelations retrieves an execution with its node executions
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error)

	// FindByWorkflowID retrieves executions for a workflow with pagination
	FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*models.ExecutionModel, error)

	// FindByStatus retrieves executions by status with pagination
	FindByStatus(ctx context.Context, status string, limit, offset int) ([]*models.ExecutionModel, error)

	// FindAll retrieves all executions with pagination
	FindAll(ctx context.Context, limit, offset int) ([]*models.ExecutionModel, error)

	// FindRunning retrieves all running executions, used by the startup recovery sweep
	FindRunning(ctx context.Context) ([]*models.ExecutionModel, error)

	// Count returns the total count of executions
	Count(ctx context.Context) (int, error)

	// CountByWorkflowID returns the count of executions for a workflow
	CountByWorkflowID(ctx context.Context, workflowID uuid.UUID) (int, error)

	// CountByStatus returns the count of executions by status
	CountByStatus(ctx context.Context, status string) (int, error)

	// CreateNodeExecution creates a new node execution record
	CreateNodeExecution(ctx context.Context, nodeExecution *models.NodeExecutionModel) error

	// UpdateNodeExecution updates an existing node execution record
	UpdateNodeExecution(ctx context.Context, nodeExecution *models.NodeExecutionModel) error

	// DeleteNodeExecution deletes a node execution record
	DeleteNodeExecution(ctx context.Context, id uuid.UUID) error

	// FindNodeExecutionByID retrieves a node execution by ID
	FindNodeExecutionByID(ctx context.Context, id uuid.UUID) (*models.NodeExecutionModel, error)

	// FindNodeExecutionsByExecutionID retrieves all node executions for an execution, ordered by wave
	FindNodeExecutionsByExecutionID(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecutionModel, error)

	// FindNodeExecutionsByWave retrieves node executions by wave number
	FindNodeExecutionsByWave(ctx context.Context, executionID uuid.UUID, wave int) ([]*models.NodeExecutionModel, error)

	// FindNodeExecutionsByStatus retrieves node executions by status
	FindNodeExecutionsByStatus(ctx context.Context, executionID uuid.UUID, status string) ([]*models.NodeExecutionModel, error)

	// GetStatistics computes execution statistics over a time window, optionally scoped to a workflow
	GetStatistics(ctx context.Context, workflowID *uuid.UUID, from, to time.Time) (*ExecutionStatistics, error)

	// SaveFlowExecutionState upserts one flow execution state row per node in states
	SaveFlowExecutionState(ctx context.Context, executionID uuid.UUID, states []*models.FlowExecutionStateModel) error

	// LoadFlowExecutionState retrieves every flow execution state row for an execution
	LoadFlowExecutionState(ctx context.Context, executionID uuid.UUID) ([]*models.FlowExecutionStateModel, error)

	// CleanupStaleExecutions transitions RUNNING executions older than maxAge to ERROR,
	// and drops flow execution state rows older than 7 days. Returns the number of
	// executions transitioned.
	CleanupStaleExecutions(ctx context.Context, maxAge time.Duration) (int, error)
}
