package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smilemakc/mbflow/internal/application/observer"
	"github.com/smilemakc/mbflow/internal/domain/repository"
	storagemodels "github.com/smilemakc/mbflow/internal/infrastructure/storage/models"
	pkgengine "github.com/smilemakc/mbflow/pkg/engine"
	"github.com/smilemakc/mbflow/pkg/executor"
	"github.com/smilemakc/mbflow/pkg/models"
)

// ExecutionManager owns the persistence and lifecycle side of running a
// workflow: it loads the workflow, drives the DAG through pkg/engine, and
// records the outcome. The DAG traversal itself lives entirely in
// pkg/engine.DAGExecutor; this type never re-implements it.
type ExecutionManager struct {
	executorManager executor.Manager
	workflowRepo    repository.WorkflowRepository
	executionRepo   repository.ExecutionRepository
	dagExecutor     *pkgengine.DAGExecutor
	observerManager *observer.ObserverManager

	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewExecutionManager creates a new execution manager
func NewExecutionManager(
	executorManager executor.Manager,
	workflowRepo repository.WorkflowRepository,
	executionRepo repository.ExecutionRepository,
	observerManager *observer.ObserverManager,
) *ExecutionManager {
	nodeExecutor := pkgengine.NewNodeExecutor(executorManager)
	notifier := NewObserverNotifier(observerManager)
	workflowLoader := NewRepositoryWorkflowLoader(workflowRepo)
	dagExecutor := pkgengine.NewDAGExecutor(nodeExecutor, pkgengine.NewExprConditionEvaluator(), notifier, workflowLoader)

	return &ExecutionManager{
		executorManager: executorManager,
		workflowRepo:    workflowRepo,
		executionRepo:   executionRepo,
		dagExecutor:     dagExecutor,
		observerManager: observerManager,
		cancelFuncs:     make(map[string]context.CancelFunc),
	}
}

// Execute executes a workflow and blocks until it completes.
func (em *ExecutionManager) Execute(
	ctx context.Context,
	workflowID string,
	input map[string]interface{},
	opts *pkgengine.ExecutionOptions,
) (*models.Execution, error) {
	workflow, workflowModel, execution, execState, opts, err := em.prepareExecution(ctx, workflowID, input, opts)
	if err != nil {
		return nil, err
	}

	execErr := em.runAndFinalize(ctx, execution, execState, workflow, workflowModel, opts)
	return execution, execErr
}

// ExecuteAsync creates and persists the execution record, starts the DAG run in
// a background goroutine detached from ctx's cancellation, and returns
// immediately with the running execution so callers don't block on completion.
// The background run gets its own cancelable context rather than ctx itself,
// so CancelExecution can stop it later without depending on the caller's
// (likely already-returned) request context.
func (em *ExecutionManager) ExecuteAsync(
	ctx context.Context,
	workflowID string,
	input map[string]interface{},
	opts *pkgengine.ExecutionOptions,
) (*models.Execution, error) {
	workflow, workflowModel, execution, execState, opts, err := em.prepareExecution(ctx, workflowID, input, opts)
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	em.cancelMu.Lock()
	em.cancelFuncs[execution.ID] = cancel
	em.cancelMu.Unlock()

	go func() {
		defer func() {
			cancel()
			em.cancelMu.Lock()
			delete(em.cancelFuncs, execution.ID)
			em.cancelMu.Unlock()
		}()
		em.runAndFinalize(bgCtx, execution, execState, workflow, workflowModel, opts)
	}()

	return execution, nil
}

// CancelExecution signals cooperative cancellation for a background execution
// started via ExecuteAsync. It is a no-op (returning false) for executions
// that are not currently tracked, including ones started via the blocking
// Execute path, which observes its caller's ctx directly.
func (em *ExecutionManager) CancelExecution(executionID string) bool {
	em.cancelMu.Lock()
	cancel, ok := em.cancelFuncs[executionID]
	em.cancelMu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// prepareExecution loads the workflow, creates and persists the initial
// "running" execution record, notifies observers, and builds the runtime
// execution state shared by both the synchronous and asynchronous run paths.
func (em *ExecutionManager) prepareExecution(
	ctx context.Context,
	workflowID string,
	input map[string]interface{},
	opts *pkgengine.ExecutionOptions,
) (*models.Workflow, *storagemodels.WorkflowModel, *models.Execution, *pkgengine.ExecutionState, *pkgengine.ExecutionOptions, error) {
	if opts == nil {
		opts = pkgengine.DefaultExecutionOptions()
	}

	workflowUUID, err := uuid.Parse(workflowID)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("invalid workflow ID: %w", err)
	}

	workflowModel, err := em.workflowRepo.FindByIDWithRelations(ctx, workflowUUID)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	workflow := WorkflowModelToDomain(workflowModel)

	execution := &models.Execution{
		ID:           uuid.New().String(),
		WorkflowID:   workflow.ID,
		WorkflowName: workflow.Name,
		Status:       models.ExecutionStatusRunning,
		Input:        input,
		Variables:    pkgengine.MergeVariables(workflow.Variables, opts.Variables),
		StartedAt:    time.Now(),
	}

	executionModel := ExecutionDomainToModel(execution)
	if err := em.executionRepo.Create(ctx, executionModel); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create execution: %w", err)
	}

	if em.observerManager != nil {
		event := observer.Event{
			Type:        observer.EventTypeExecutionStarted,
			ExecutionID: execution.ID,
			WorkflowID:  execution.WorkflowID,
			Timestamp:   execution.StartedAt,
			Status:      string(execution.Status),
			Input:       execution.Input,
			Variables:   execution.Variables,
		}
		em.observerManager.Notify(ctx, event)
	}

	execState := pkgengine.NewExecutionState(
		execution.ID,
		workflow.ID,
		workflow,
		input,
		execution.Variables,
	)

	return workflow, workflowModel, execution, execState, opts, nil
}

// runAndFinalize runs the DAG to completion, updates the execution record
// with its final status/output, and notifies observers of the outcome.
func (em *ExecutionManager) runAndFinalize(
	ctx context.Context,
	execution *models.Execution,
	execState *pkgengine.ExecutionState,
	workflow *models.Workflow,
	workflowModel *storagemodels.WorkflowModel,
	opts *pkgengine.ExecutionOptions,
) error {
	execErr := em.dagExecutor.Execute(ctx, execState, opts)

	now := time.Now()
	execution.CompletedAt = &now
	execution.Duration = execution.CalculateDuration()

	switch {
	case execErr != nil && errors.Is(execErr, context.Canceled):
		execution.Status = models.ExecutionStatusCancelled
		execution.Error = execErr.Error()
	case execErr != nil:
		execution.Status = models.ExecutionStatusFailed
		execution.Error = execErr.Error()
	default:
		execution.Status = models.ExecutionStatusCompleted
		execution.Output = em.getFinalOutput(execState)
	}

	execution.NodeExecutions = em.buildNodeExecutions(execState, workflow, workflowModel)

	executionModel := ExecutionDomainToModel(execution)
	if err := em.executionRepo.Update(ctx, executionModel); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	if em.observerManager != nil {
		duration := execution.Duration
		eventType := observer.EventTypeExecutionCompleted
		switch execution.Status {
		case models.ExecutionStatusCancelled:
			eventType = observer.EventTypeExecutionCancelled
		case models.ExecutionStatusFailed:
			eventType = observer.EventTypeExecutionFailed
		}

		event := observer.Event{
			Type:        eventType,
			ExecutionID: execution.ID,
			WorkflowID:  execution.WorkflowID,
			Timestamp:   time.Now(),
			Status:      string(execution.Status),
			Output:      execution.Output,
			DurationMs:  &duration,
			Variables:   execution.Variables,
		}

		if execErr != nil {
			event.Error = execErr
		}

		em.observerManager.Notify(ctx, event)
	}

	return execErr
}

// getFinalOutput gets output from leaf nodes (nodes with no outgoing edges)
func (em *ExecutionManager) getFinalOutput(execState *pkgengine.ExecutionState) map[string]interface{} {
	leafNodes := pkgengine.FindLeafNodes(execState.Workflow)

	if len(leafNodes) == 0 {
		return nil
	}

	// If single leaf, return its output
	if len(leafNodes) == 1 {
		if output, ok := execState.GetNodeOutput(leafNodes[0].ID); ok {
			return pkgengine.ToMapInterface(output)
		}
	}

	// Multiple leaves - merge outputs namespaced by node ID
	merged := make(map[string]interface{})
	for _, node := range leafNodes {
		if output, ok := execState.GetNodeOutput(node.ID); ok {
			merged[node.ID] = output
		}
	}

	return merged
}

// RecoverStaleExecutions runs the startup recovery sweep: every execution
// left RUNNING by a previous, now-dead engine instance is terminal, so each
// is marked failed with a RecoveryError rather than resumed. Returns the
// number of executions recovered.
func (em *ExecutionManager) RecoverStaleExecutions(ctx context.Context) (int, error) {
	running, err := em.executionRepo.FindRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load running executions: %w", err)
	}

	recovered := 0
	for _, execModel := range running {
		recoveryErr := &models.RecoveryError{
			ExecutionID: execModel.ID.String(),
			Message:     "interrupted and recovered",
		}

		if err := em.executionRepo.UpdateStatus(ctx, execModel.ID, string(models.ExecutionStatusFailed), recoveryErr.Error()); err != nil {
			return recovered, fmt.Errorf("failed to recover execution %s: %w", execModel.ID, err)
		}
		recovered++

		if em.observerManager != nil {
			em.observerManager.Notify(ctx, observer.Event{
				Type:        observer.EventTypeExecutionFailed,
				ExecutionID: execModel.ID.String(),
				WorkflowID:  execModel.WorkflowID.String(),
				Timestamp:   time.Now(),
				Status:      string(models.ExecutionStatusFailed),
				Error:       recoveryErr,
			})
		}
	}

	return recovered, nil
}

// buildNodeExecutions builds NodeExecution records from execution state
func (em *ExecutionManager) buildNodeExecutions(
	execState *pkgengine.ExecutionState,
	workflow *models.Workflow,
	workflowModel *storagemodels.WorkflowModel,
) []*models.NodeExecution {
	// Build map from logical ID to UUID
	logicalToUUID := make(map[string]string)
	for _, nodeModel := range workflowModel.Nodes {
		logicalToUUID[nodeModel.NodeID] = nodeModel.ID.String()
	}

	nodeExecs := make([]*models.NodeExecution, 0, len(workflow.Nodes))

	for _, node := range workflow.Nodes {
		// Get the UUID for this logical node ID
		nodeUUID, ok := logicalToUUID[node.ID]
		if !ok {
			// Skip nodes that don't have a UUID mapping
			continue
		}

		nodeExec := &models.NodeExecution{
			ID:          uuid.New().String(),
			ExecutionID: execState.ExecutionID,
			NodeID:      nodeUUID, // Use UUID instead of logical ID
			NodeName:    node.Name,
			NodeType:    node.Type,
		}

		if status, ok := execState.GetNodeStatus(node.ID); ok {
			nodeExec.Status = status
		}

		if output, ok := execState.GetNodeOutput(node.ID); ok {
			if outputMap, ok := output.(map[string]interface{}); ok {
				nodeExec.Output = outputMap
			}
		}

		if err, ok := execState.GetNodeError(node.ID); ok {
			nodeExec.Error = err.Error()
		}

		if startTime, ok := execState.GetNodeStartTime(node.ID); ok {
			nodeExec.StartedAt = startTime
		}
		if endTime, ok := execState.GetNodeEndTime(node.ID); ok {
			nodeExec.CompletedAt = &endTime
		}

		nodeExecs = append(nodeExecs, nodeExec)
	}

	return nodeExecs
}
