package engine

import (
	"context"
	"fmt"

	"github.com/smilemakc/mbflow/pkg/executor"
	"github.com/smilemakc/mbflow/pkg/models"
)

// NodeExecutor executes a single node with automatic template resolution.
type NodeExecutor struct {
	executorManager executor.Manager
}

// NewNodeExecutor creates a new node executor.
func NewNodeExecutor(manager executor.Manager) *NodeExecutor {
	return &NodeExecutor{
		executorManager: manager,
	}
}

// NodeExecutionResult contains the result of node execution along with metadata.
type NodeExecutionResult struct {
	Output         interface{}
	Input          interface{}
	Config         map[string]interface{}
	ResolvedConfig map[string]interface{}
}

// NodeContext holds context for single node execution.
type NodeContext struct {
	ExecutionID        string
	NodeID             string
	Node               *models.Node
	WorkflowVariables  map[string]interface{}
	ExecutionVariables map[string]interface{}
	DirectParentOutput map[string]interface{}
	Resources          map[string]interface{}
	// ServiceInputs holds node references bound via named service-input
	// sockets (e.g. "model", "memory", "tools"), keyed by socket name.
	ServiceInputs map[string][]ServiceInputRef
	StrictMode    bool
}

// Execute executes a single node with automatic template resolution.
//
// Flow:
//  1. Get base executor from registry
//  2. Build ExecutionContextData from node context
//  3. Create template engine from ExecutionContextData
//  4. Resolve templates in config to get ResolvedConfig
//  5. Execute with resolved config
//  6. Return NodeExecutionResult with metadata
func (ne *NodeExecutor) Execute(ctx context.Context, nodeCtx *NodeContext) (*NodeExecutionResult, error) {
	baseExecutor, err := ne.executorManager.Get(nodeCtx.Node.Type)
	if err != nil {
		return nil, fmt.Errorf("executor not found for type %s: %w", nodeCtx.Node.Type, err)
	}

	serviceInputs := flattenServiceInputs(nodeCtx.ServiceInputs)

	execCtxData := &executor.ExecutionContextData{
		WorkflowVariables:  nodeCtx.WorkflowVariables,
		ExecutionVariables: nodeCtx.ExecutionVariables,
		ParentNodeOutput:   nodeCtx.DirectParentOutput,
		Resources:          nodeCtx.Resources,
		ServiceInputs:      serviceInputs,
		StrictMode:         nodeCtx.StrictMode,
	}

	templateEngine := executor.NewTemplateEngine(execCtxData)

	resolvedConfig, err := templateEngine.ResolveConfig(nodeCtx.Node.Config)
	if err != nil {
		return nil, fmt.Errorf("template resolution failed: %w", err)
	}

	inputData := nodeCtx.DirectParentOutput
	if len(serviceInputs) > 0 {
		inputData = make(map[string]interface{}, len(nodeCtx.DirectParentOutput)+len(serviceInputs))
		for k, v := range nodeCtx.DirectParentOutput {
			inputData[k] = v
		}
		for targetInput, refs := range serviceInputs {
			inputData[targetInput] = refs
		}
	}

	output, err := baseExecutor.Execute(ctx, resolvedConfig, inputData)

	result := &NodeExecutionResult{
		Output:         output,
		Input:          inputData,
		Config:         nodeCtx.Node.Config,
		ResolvedConfig: resolvedConfig,
	}

	if err != nil {
		return result, fmt.Errorf("node execution failed: %w", err)
	}

	return result, nil
}

// PrepareNodeContext builds NodeContext from execution state and node.
//
// Input merging strategy:
//   - Loop input override: a node driven by the loop protocol (pending
//     re-dispatch) always uses its pinned loop input, ignoring regular parents
//   - No parents: uses execution input
//   - Single parent: merges execution input with parent output (parent output takes precedence)
//   - Multiple parents: merges outputs namespaced by parent node ID
//
// incomingEdges supplies the edges that connect parentNodes to node, so that
// a parent emitting named branches (NodeOutput{branches: {...}}) is read
// through the branch recorded on the connecting edge's source handle rather
// than its raw output.
func PrepareNodeContext(
	execState *ExecutionState,
	node *models.Node,
	parentNodes []*models.Node,
	incomingEdges []*models.Edge,
	opts *ExecutionOptions,
) *NodeContext {
	var directParentOutput map[string]interface{}

	if loopInput, ok := execState.GetLoopInput(node.ID); ok {
		directParentOutput = make(map[string]interface{})
		for k, v := range execState.Input {
			directParentOutput[k] = v
		}
		for k, v := range ToMapInterface(loopInput) {
			directParentOutput[k] = v
		}
	} else if len(parentNodes) == 1 {
		directParentOutput = make(map[string]interface{})

		for k, v := range execState.Input {
			directParentOutput[k] = v
		}

		parentID := parentNodes[0].ID
		if output, ok := execState.GetNodeOutput(parentID); ok {
			data := selectEdgeData(output, incomingEdges, parentID)
			if outputMap, ok := data.(map[string]interface{}); ok {
				for k, v := range outputMap {
					directParentOutput[k] = v
				}
			} else if data != nil {
				directParentOutput["items"] = data
			}
		}
	} else if len(parentNodes) > 1 {
		directParentOutput = mergeParentOutputs(execState, parentNodes, incomingEdges)
	} else {
		directParentOutput = execState.Input
	}

	return &NodeContext{
		ExecutionID:        execState.ExecutionID,
		NodeID:             node.ID,
		Node:               node,
		WorkflowVariables:  execState.Workflow.Variables,
		ExecutionVariables: execState.Variables,
		DirectParentOutput: directParentOutput,
		Resources:          execState.Resources,
		ServiceInputs:      BuildServiceInputs(execState.Workflow, node),
		StrictMode:         opts.StrictMode,
	}
}

// selectEdgeData reads a parent's stored output the way the connecting edge
// addresses it: branches[edge.SourceHandleOrMain()] when the output carries
// named branches, otherwise the raw output unchanged.
func selectEdgeData(output interface{}, edges []*models.Edge, fromNodeID string) interface{} {
	if !HasBranches(output) {
		return output
	}
	for _, edge := range edges {
		if edge.From != fromNodeID {
			continue
		}
		if items, ok := BranchItems(output, edge.SourceHandleOrMain()); ok {
			return items
		}
	}
	return output
}

// mergeParentOutputs merges outputs from multiple parent nodes.
// Outputs are namespaced by parent node ID to avoid collisions.
func mergeParentOutputs(execState *ExecutionState, parentNodes []*models.Node, incomingEdges []*models.Edge) map[string]interface{} {
	merged := make(map[string]interface{})

	for _, parent := range parentNodes {
		if output, ok := execState.GetNodeOutput(parent.ID); ok {
			merged[parent.ID] = selectEdgeData(output, incomingEdges, parent.ID)
		}
	}

	return merged
}
