package engine

import (
	"fmt"
	"strings"

	"github.com/smilemakc/mbflow/pkg/models"
)

// CircularDependencyError reports a cycle found by the dependency resolver.
// It wraps models.ErrCyclicDependency so callers can match it with errors.Is.
type CircularDependencyError struct {
	AffectedNodes     []string
	DependencyChain   []string
	ExecutionPath     []string
	SuggestedResolution string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency among nodes [%s]: %s", strings.Join(e.AffectedNodes, ", "), e.SuggestedResolution)
}

func (e *CircularDependencyError) Unwrap() error { return models.ErrCyclicDependency }

// MissingDependencyError reports an edge whose endpoint is not in the node set.
type MissingDependencyError struct {
	AffectedNodes       []string
	DependencyChain     []string
	ExecutionPath       []string
	SuggestedResolution string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency for nodes [%s]: %s", strings.Join(e.AffectedNodes, ", "), e.SuggestedResolution)
}

func (e *MissingDependencyError) Unwrap() error { return models.ErrNodeNotFound }

// InvalidFlowStateError reports a structurally unexecutable graph (e.g. empty).
type InvalidFlowStateError struct {
	AffectedNodes       []string
	DependencyChain     []string
	ExecutionPath       []string
	SuggestedResolution string
}

func (e *InvalidFlowStateError) Error() string {
	return fmt.Sprintf("invalid flow state: %s", e.SuggestedResolution)
}

func (e *InvalidFlowStateError) Unwrap() error { return models.ErrInvalidWorkflow }
