package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smilemakc/mbflow/pkg/models"
)

// DAGExecutor executes workflow nodes in topological order with wave-based parallelism.
// Uses ConditionEvaluator and ExecutionNotifier interfaces for pluggable behavior.
type DAGExecutor struct {
	nodeExecutor       *NodeExecutor
	conditionEvaluator ConditionEvaluator
	notifier           ExecutionNotifier
	workflowLoader     WorkflowLoader
}

// NewDAGExecutor creates a new DAG executor.
func NewDAGExecutor(nodeExecutor *NodeExecutor, conditionEvaluator ConditionEvaluator, notifier ExecutionNotifier, workflowLoader WorkflowLoader) *DAGExecutor {
	return &DAGExecutor{
		nodeExecutor:       nodeExecutor,
		conditionEvaluator: conditionEvaluator,
		notifier:           notifier,
		workflowLoader:     workflowLoader,
	}
}

// Execute executes the workflow DAG.
func (de *DAGExecutor) Execute(
	ctx context.Context,
	execState *ExecutionState,
	opts *ExecutionOptions,
) error {
	dag := BuildDAG(execState.Workflow)

	waves, err := TopologicalSort(dag)
	if err != nil {
		return fmt.Errorf("DAG validation failed: %w", err)
	}

	for waveIdx, wave := range waves {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}

		if err := de.executeWave(ctx, execState, wave, waveIdx, opts); err != nil {
			return fmt.Errorf("wave %d execution failed: %w", waveIdx, err)
		}
	}

	return nil
}

// executeWave executes all nodes in a wave in parallel.
func (de *DAGExecutor) executeWave(
	ctx context.Context,
	execState *ExecutionState,
	wave []*models.Node,
	waveIdx int,
	opts *ExecutionOptions,
) error {
	waveStartTime := time.Now()

	select {
	case <-ctx.Done():
		return fmt.Errorf("execution cancelled before wave %d: %w", waveIdx, ctx.Err())
	default:
	}

	sortedWave := SortNodesByPriority(wave)

	nodeCount := len(sortedWave)
	de.safeNotify(ctx, ExecutionEvent{
		Type:        EventTypeWaveStarted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   waveStartTime,
		Status:      "running",
		WaveIndex:   waveIdx,
		NodeCount:   nodeCount,
	})

	var wg sync.WaitGroup
	errChan := make(chan error, len(sortedWave))
	var errMu sync.Mutex
	var collectedErrors []error

	maxParallelism := opts.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = opts.MaxConcurrency
	}
	if maxParallelism <= 0 {
		maxParallelism = len(sortedWave)
	}
	semaphore := make(chan struct{}, maxParallelism)

	for _, node := range sortedWave {
		wg.Add(1)
		go func(n *models.Node) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				execState.SetNodeStatus(n.ID, models.NodeExecutionStatusSkipped)
				de.safeNotify(ctx, ExecutionEvent{
					Type:        EventTypeNodeSkipped,
					ExecutionID: execState.ExecutionID,
					WorkflowID:  execState.WorkflowID,
					Timestamp:   time.Now(),
					Status:      "skipped",
					NodeID:      n.ID,
					NodeName:    n.Name,
					NodeType:    n.Type,
					Message:     "execution cancelled",
				})
				return
			default:
			}

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			shouldExec, skipReason := de.shouldExecuteNode(execState, n)
			if !shouldExec {
				execState.SetNodeStatus(n.ID, models.NodeExecutionStatusSkipped)
				de.safeNotify(ctx, ExecutionEvent{
					Type:        EventTypeNodeSkipped,
					ExecutionID: execState.ExecutionID,
					WorkflowID:  execState.WorkflowID,
					Timestamp:   time.Now(),
					Status:      "skipped",
					NodeID:      n.ID,
					NodeName:    n.Name,
					NodeType:    n.Type,
					Message:     skipReason,
				})
				return
			}

			runNode := de.executeNode
			switch n.Type {
			case NodeTypeLoop:
				runNode = de.executeLoopNode
			case NodeTypeSubWorkflow:
				runNode = de.executeSubWorkflow
			}

			if err := runNode(ctx, execState, n, opts); err != nil {
				nodeErr := fmt.Errorf("node %s failed: %w", n.ID, err)
				errChan <- nodeErr

				if opts.ContinueOnError {
					errMu.Lock()
					collectedErrors = append(collectedErrors, nodeErr)
					errMu.Unlock()
				}
			}
		}(node)
	}

	wg.Wait()
	close(errChan)

	if !opts.ContinueOnError {
		for err := range errChan {
			if err != nil {
				return err
			}
		}
	} else {
		for err := range errChan {
			if err != nil {
				errMu.Lock()
				if !containsError(collectedErrors, err) {
					collectedErrors = append(collectedErrors, err)
				}
				errMu.Unlock()
			}
		}
	}

	waveDuration := time.Since(waveStartTime).Milliseconds()
	status := "completed"
	if len(collectedErrors) > 0 {
		status = "completed_with_errors"
	}

	de.safeNotify(ctx, ExecutionEvent{
		Type:        EventTypeWaveCompleted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   time.Now(),
		Status:      status,
		WaveIndex:   waveIdx,
		DurationMs:  waveDuration,
	})

	if opts.ContinueOnError && len(collectedErrors) > 0 {
		return fmt.Errorf("wave %d completed with %d error(s): %w", waveIdx, len(collectedErrors), errors.Join(collectedErrors...))
	}

	return nil
}

// containsError checks if an error is already in the slice.
func containsError(errs []error, target error) bool {
	for _, err := range errs {
		if err.Error() == target.Error() {
			return true
		}
	}
	return false
}

// executeNode executes a single node with timeout and retry support.
func (de *DAGExecutor) executeNode(
	ctx context.Context,
	execState *ExecutionState,
	node *models.Node,
	opts *ExecutionOptions,
) error {
	nodeStartTime := time.Now()

	select {
	case <-ctx.Done():
		return fmt.Errorf("execution cancelled before node start: %w", ctx.Err())
	default:
	}

	execState.SetNodeStatus(node.ID, models.NodeExecutionStatusRunning)
	execState.SetNodeStartTime(node.ID, nodeStartTime)

	de.safeNotify(ctx, ExecutionEvent{
		Type:        EventTypeNodeStarted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   nodeStartTime,
		Status:      "running",
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeType:    node.Type,
	})

	// Create node-specific context with timeout
	nodeCtx := ctx
	nodeTimeoutMs := GetNodeTimeout(node)
	if nodeTimeoutMs > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(nodeTimeoutMs)*time.Millisecond)
		defer cancel()
	} else if opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, opts.NodeTimeout)
		defer cancel()
	}

	parentNodes := GetRegularParentNodes(execState.Workflow, node)
	incomingEdges := CollectRegularIncomingEdges(execState.Workflow.Edges, node.ID)
	nodeExecCtx := PrepareNodeContext(execState, node, parentNodes, incomingEdges, opts)

	// Execute node with retry policy
	var execResult *NodeExecutionResult
	var execErr error

	// Copy so concurrent node goroutines in the same wave never share (and race on) OnRetry.
	var retryPolicy RetryPolicy
	if opts.RetryPolicy != nil {
		retryPolicy = *opts.RetryPolicy
	} else {
		retryPolicy = *NoRetryPolicy()
	}

	retryPolicy.OnRetry = func(attempt int, err error) {
		de.safeNotify(ctx, ExecutionEvent{
			Type:        EventTypeNodeRetrying,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "retrying",
			NodeID:      node.ID,
			NodeName:    node.Name,
			NodeType:    node.Type,
			Error:       err,
		})
	}

	execErr = retryPolicy.Execute(nodeCtx, func() error {
		result, err := de.nodeExecutor.Execute(nodeCtx, nodeExecCtx)
		if result != nil {
			execResult = result
		}
		return err
	})

	if execErr != nil {
		nodeEndTime := time.Now()
		execState.SetNodeError(node.ID, execErr)
		execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
		execState.SetNodeEndTime(node.ID, nodeEndTime)

		if execResult != nil {
			execState.SetNodeInput(node.ID, execResult.Input)
			execState.SetNodeConfig(node.ID, execResult.Config)
			execState.SetNodeResolvedConfig(node.ID, execResult.ResolvedConfig)
		}

		nodeDuration := time.Since(nodeStartTime).Milliseconds()
		de.safeNotify(ctx, ExecutionEvent{
			Type:        EventTypeNodeFailed,
			ExecutionID: execState.ExecutionID,
			WorkflowID:  execState.WorkflowID,
			Timestamp:   time.Now(),
			Status:      "failed",
			NodeID:      node.ID,
			NodeName:    node.Name,
			NodeType:    node.Type,
			Error:       execErr,
			DurationMs:  nodeDuration,
		})

		return execErr
	}

	nodeEndTime := time.Now()

	// Check output size
	if opts.MaxOutputSize > 0 {
		outputSize := EstimateSize(execResult.Output)
		if outputSize > opts.MaxOutputSize {
			err := fmt.Errorf("node output size (%d bytes) exceeds limit (%d bytes)", outputSize, opts.MaxOutputSize)
			execState.SetNodeError(node.ID, err)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
			execState.SetNodeEndTime(node.ID, nodeEndTime)
			return err
		}
	}

	execState.SetNodeOutput(node.ID, execResult.Output)
	execState.SetNodeInput(node.ID, execResult.Input)
	execState.SetNodeConfig(node.ID, execResult.Config)
	execState.SetNodeResolvedConfig(node.ID, execResult.ResolvedConfig)
	execState.SetNodeStatus(node.ID, models.NodeExecutionStatusCompleted)
	execState.SetNodeEndTime(node.ID, nodeEndTime)

	// Check total memory usage
	if opts.MaxTotalMemory > 0 {
		totalMemory := execState.GetTotalMemoryUsage()
		if totalMemory > opts.MaxTotalMemory {
			de.safeNotify(ctx, ExecutionEvent{
				Type:        EventTypeNodeCompleted,
				ExecutionID: execState.ExecutionID,
				WorkflowID:  execState.WorkflowID,
				Timestamp:   time.Now(),
				Status:      "warning",
				NodeID:      node.ID,
				Message:     fmt.Sprintf("Total memory usage (%d) exceeds limit (%d)", totalMemory, opts.MaxTotalMemory),
			})
		}
	}

	nodeDuration := time.Since(nodeStartTime).Milliseconds()
	de.safeNotify(ctx, ExecutionEvent{
		Type:        EventTypeNodeCompleted,
		ExecutionID: execState.ExecutionID,
		WorkflowID:  execState.WorkflowID,
		Timestamp:   time.Now(),
		Status:      "completed",
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeType:    node.Type,
		DurationMs:  nodeDuration,
		Output:      ToMapInterface(execResult.Output),
	})

	return nil
}

// executeLoopNode drives a loop-type node through the loop protocol
// (spec §4.3.5): dispatch the node, read its emitted {"loop": [...], "done":
// [...]} branches, execute the loop body subgraph while "loop" is non-empty,
// and return once "done" fires so the normal wave scheduler can carry on to
// the "done"-connected targets (shouldExecuteNode reads the same branches).
func (de *DAGExecutor) executeLoopNode(
	ctx context.Context,
	execState *ExecutionState,
	node *models.Node,
	opts *ExecutionOptions,
) error {
	workflow := execState.Workflow
	bodyNodes := loopBodySubgraph(workflow, node)
	loopBackEdges := loopBackEdges(workflow, node)

	maxIter := DefaultMaxLoopIterations
	for _, edge := range loopBackEdges {
		if edge.Loop != nil && edge.Loop.MaxIterations > 0 && edge.Loop.MaxIterations < maxIter {
			maxIter = edge.Loop.MaxIterations
		}
	}

	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}

		iteration++
		if iteration > maxIter {
			err := fmt.Errorf("loop node %s exceeded max iterations (%d)", node.ID, maxIter)
			execState.SetNodeError(node.ID, err)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
			de.safeNotify(ctx, ExecutionEvent{
				Type:        EventTypeLoopExhausted,
				ExecutionID: execState.ExecutionID,
				WorkflowID:  execState.WorkflowID,
				Timestamp:   time.Now(),
				NodeID:      node.ID,
				LoopIteration: iteration,
				LoopMaxIter:   maxIter,
				Message:     err.Error(),
			})
			return err
		}

		if err := de.executeNode(ctx, execState, node, opts); err != nil {
			return err
		}

		output, _ := execState.GetNodeOutput(node.ID)
		loopEmpty := BranchIsEmpty(output, BranchLoop)
		doneEmpty := BranchIsEmpty(output, BranchDone)

		if loopEmpty && doneEmpty {
			err := fmt.Errorf("loop node %s stuck: both loop and done branches are empty", node.ID)
			execState.SetNodeError(node.ID, err)
			execState.SetNodeStatus(node.ID, models.NodeExecutionStatusFailed)
			return err
		}

		if !loopEmpty {
			if err := de.executeLoopBody(ctx, execState, bodyNodes, opts); err != nil {
				return fmt.Errorf("loop %s body (iteration %d): %w", node.ID, iteration, err)
			}

			de.safeNotify(ctx, ExecutionEvent{
				Type:          EventTypeLoopIteration,
				ExecutionID:   execState.ExecutionID,
				WorkflowID:    execState.WorkflowID,
				Timestamp:     time.Now(),
				NodeID:        node.ID,
				LoopIteration: iteration,
				LoopMaxIter:   maxIter,
				Message:       fmt.Sprintf("loop %s iteration %d: body subgraph executed", node.ID, iteration),
			})
		}

		if !doneEmpty {
			return nil
		}

		// Another iteration: the loop node's next input comes from whichever
		// body node closes the cycle back to it (the loop-annotated edge),
		// not from its original (trigger) parents.
		for _, edge := range loopBackEdges {
			if out, ok := execState.GetNodeOutput(edge.From); ok {
				execState.SetLoopInput(node.ID, out)
			}
		}

		execState.ResetNodeForLoop(node.ID)
		for _, n := range bodyNodes {
			execState.ResetNodeForLoop(n.ID)
		}
	}
}

// executeLoopBody executes the loop body subgraph in dependency order,
// reusing the regular wave scheduler (spec §4.3.3) for each wave of nodes
// within the body.
func (de *DAGExecutor) executeLoopBody(
	ctx context.Context,
	execState *ExecutionState,
	bodyNodes []*models.Node,
	opts *ExecutionOptions,
) error {
	if len(bodyNodes) == 0 {
		return nil
	}

	waves, err := waveOrderForSubset(execState.Workflow, bodyNodes)
	if err != nil {
		return fmt.Errorf("invalid loop body graph: %w", err)
	}

	for waveIdx, wave := range waves {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}
		if err := de.executeWave(ctx, execState, wave, waveIdx, opts); err != nil {
			return err
		}
	}

	return nil
}

// loopBackEdges returns the edges that close the cycle back into node,
// i.e. the Loop-annotated edges excluded from normal adjacency.
func loopBackEdges(workflow *models.Workflow, node *models.Node) []*models.Edge {
	var edges []*models.Edge
	for _, edge := range workflow.Edges {
		if edge.IsLoop() && edge.To == node.ID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// loopBodySubgraph computes the transitive downstream closure of node's
// "loop"-branch targets, stopping at any node whose outgoing edge returns to
// node (spec §4.3.5: "BFS from loop-connected targets, skipping the loop
// node itself and any node whose outgoing edge would return to the loop
// node").
func loopBodySubgraph(workflow *models.Workflow, node *models.Node) []*models.Node {
	visited := make(map[string]*models.Node)
	var queue []*models.Node

	for _, edge := range CollectOutgoingEdges(workflow.Edges, node.ID) {
		if edge.IsLoop() || edge.SourceHandleOrMain() != BranchLoop {
			continue
		}
		if child := FindNodeByID(workflow.Nodes, edge.To); child != nil {
			if _, seen := visited[child.ID]; !seen {
				visited[child.ID] = child
				queue = append(queue, child)
			}
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range CollectOutgoingEdges(workflow.Edges, current.ID) {
			if edge.IsLoop() || edge.To == node.ID {
				continue
			}
			if _, seen := visited[edge.To]; seen {
				continue
			}
			if child := FindNodeByID(workflow.Nodes, edge.To); child != nil {
				visited[child.ID] = child
				queue = append(queue, child)
			}
		}
	}

	result := make([]*models.Node, 0, len(visited))
	for _, n := range visited {
		result = append(result, n)
	}
	return result
}

// waveOrderForSubset computes execution waves for a node subset, restricted
// to edges whose endpoints both lie within that subset.
func waveOrderForSubset(workflow *models.Workflow, nodes []*models.Node) ([][]*models.Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]*models.Node, len(nodes))
	nodeIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		nodeSet[n.ID] = n
		nodeIDs = append(nodeIDs, n.ID)
	}

	var edges []*models.Edge
	for _, edge := range workflow.Edges {
		if edge.IsLoop() {
			continue
		}
		if _, okFrom := nodeSet[edge.From]; !okFrom {
			continue
		}
		if _, okTo := nodeSet[edge.To]; !okTo {
			continue
		}
		edges = append(edges, edge)
	}

	if err := ValidateExecutionSafety(nodeIDs, edges, nil); err != nil {
		return nil, err
	}

	groups := ParallelExecutionGroups(nodeIDs, edges)

	waves := make([][]*models.Node, 0, len(groups))
	for _, group := range groups {
		wave := make([]*models.Node, 0, len(group))
		for _, id := range group {
			if n, ok := nodeSet[id]; ok {
				wave = append(wave, n)
			}
		}
		waves = append(waves, wave)
	}

	return waves, nil
}

// safeNotify wraps notifications with panic recovery.
func (de *DAGExecutor) safeNotify(ctx context.Context, event ExecutionEvent) {
	if de.notifier == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("Notifier panicked: %v\n", r)
		}
	}()

	de.notifier.Notify(ctx, event)
}

// shouldExecuteNode checks if a node should be executed based on incoming edge conditions.
// A node is executed if AT LEAST ONE incoming edge passes all checks (OR semantics).
func (de *DAGExecutor) shouldExecuteNode(
	execState *ExecutionState,
	node *models.Node,
) (bool, string) {
	// If node has loop input, it should always execute
	if _, hasLoopInput := execState.GetLoopInput(node.ID); hasLoopInput {
		return true, ""
	}

	workflow := execState.Workflow

	incomingEdges := CollectRegularIncomingEdges(workflow.Edges, node.ID)

	if len(incomingEdges) == 0 {
		return true, ""
	}

	hasValidPath := false
	allSkipReasons := []string{}

	for _, edge := range incomingEdges {
		sourceNode := FindNodeByID(workflow.Nodes, edge.From)
		if sourceNode == nil {
			continue
		}

		sourceStatus, _ := execState.GetNodeStatus(sourceNode.ID)
		if sourceStatus == models.NodeExecutionStatusSkipped {
			allSkipReasons = append(allSkipReasons, fmt.Sprintf("parent %s skipped", sourceNode.ID))
			continue
		}

		if sourceStatus != models.NodeExecutionStatusCompleted {
			allSkipReasons = append(allSkipReasons, fmt.Sprintf("parent %s not completed (%s)", sourceNode.ID, sourceStatus))
			continue
		}

		// Evaluate edge condition
		if edge.Condition != "" {
			output, _ := execState.GetNodeOutput(sourceNode.ID)
			passed, err := de.conditionEvaluator.Evaluate(edge.Condition, output)
			if err != nil {
				allSkipReasons = append(allSkipReasons, fmt.Sprintf("edge from %s: condition error: %v", sourceNode.ID, err))
				continue
			}
			if !passed {
				allSkipReasons = append(allSkipReasons, fmt.Sprintf("edge from %s: condition '%s' is false", sourceNode.ID, edge.Condition))
				continue
			}
		}

		// Branch-aware routing: a producer that emits named branches
		// ({"branches": {...}}) satisfies this edge iff its branch
		// (edge.SourceHandleOrMain()) is non-empty. This covers "loop"/
		// "done" routing out of loop nodes as well as any other branching
		// producer.
		sourceOutput, hasSourceOutput := execState.GetNodeOutput(sourceNode.ID)
		if hasSourceOutput && HasBranches(sourceOutput) {
			branch := edge.SourceHandleOrMain()
			if BranchIsEmpty(sourceOutput, branch) {
				allSkipReasons = append(allSkipReasons, fmt.Sprintf("edge from %s: branch '%s' is empty", sourceNode.ID, branch))
				continue
			}
		} else if sourceNode.Type == NodeTypeConditional && edge.SourceHandle != "" {
			// Legacy convention: a conditional node without branches-shaped
			// output routes via a plain bool or {"result": bool} output.
			passed, err := evaluateSourceHandleCondition(edge, execState, sourceNode)
			if err != nil {
				allSkipReasons = append(allSkipReasons, fmt.Sprintf("edge from %s: sourceHandle error: %v", sourceNode.ID, err))
				continue
			}
			if !passed {
				allSkipReasons = append(allSkipReasons, fmt.Sprintf("edge from %s: conditional branch '%s' not active", sourceNode.ID, edge.SourceHandle))
				continue
			}
		}

		hasValidPath = true
		break
	}

	if hasValidPath {
		return true, ""
	}

	skipReason := "no valid incoming path"
	if len(allSkipReasons) > 0 {
		skipReason = fmt.Sprintf("no valid incoming path: %v", allSkipReasons)
	}
	return false, skipReason
}

// evaluateSourceHandleCondition checks if the edge's sourceHandle matches
// the output of a conditional node.
func evaluateSourceHandleCondition(
	edge *models.Edge,
	execState *ExecutionState,
	sourceNode *models.Node,
) (bool, error) {
	output, ok := execState.GetNodeOutput(sourceNode.ID)
	if !ok {
		return false, fmt.Errorf("conditional node %s has no output", sourceNode.ID)
	}

	if boolOutput, ok := output.(bool); ok {
		switch edge.SourceHandle {
		case SourceHandleTrue:
			return boolOutput, nil
		case SourceHandleFalse:
			return !boolOutput, nil
		default:
			return true, nil
		}
	}

	if mapOutput, ok := output.(map[string]interface{}); ok {
		if result, exists := mapOutput["result"]; exists {
			if boolResult, ok := result.(bool); ok {
				switch edge.SourceHandle {
				case SourceHandleTrue:
					return boolResult, nil
				case SourceHandleFalse:
					return !boolResult, nil
				}
			}
		}
	}

	return true, nil
}
