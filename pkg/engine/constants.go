package engine

// Source handle constants for conditional nodes
const (
	// SourceHandleTrue represents the "true" branch from a conditional node
	SourceHandleTrue = "true"

	// SourceHandleFalse represents the "false" branch from a conditional node
	SourceHandleFalse = "false"
)

// Node types
const (
	// NodeTypeConditional represents a conditional/branching node
	NodeTypeConditional = "conditional"

	// NodeTypeLoop represents a loop-controller node: it emits named
	// "loop"/"done" branches and is re-dispatched by the executor until it
	// signals "done".
	NodeTypeLoop = "loop"
)

// Branch names used by the loop protocol's {"branches": {...}} output shape.
const (
	// BranchLoop carries items for another iteration of the loop body.
	BranchLoop = "loop"

	// BranchDone carries the final items, signalling loop exit.
	BranchDone = "done"
)

// Default configuration values
const (
	// DefaultMaxParallelism is the default maximum number of concurrent nodes per wave
	DefaultMaxParallelism = 10

	// DefaultNodePriority is the default priority for nodes without explicit priority
	DefaultNodePriority = 0

	// DefaultMaxLoopIterations caps how many times a loop node is
	// re-dispatched before the executor aborts with an "exceeded max
	// iterations" error.
	DefaultMaxLoopIterations = 100000
)
