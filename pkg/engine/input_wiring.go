package engine

import (
	"github.com/smilemakc/mbflow/pkg/models"
)

// ServiceInputRef is a node reference bound into a named service-input
// socket (e.g. "model", "memory", "tools") rather than a data edge.
// The referenced node's own configuration is carried through, not its output.
type ServiceInputRef struct {
	ID          string
	Type        string
	NodeID      string
	Parameters  map[string]interface{}
	Credentials map[string]interface{}
}

// BuildServiceInputs groups node's incoming service-input edges (every
// incoming edge whose TargetHandle is not "main"/"done") by socket name and
// builds one ServiceInputRef per edge, preserving per-edge order.
func BuildServiceInputs(workflow *models.Workflow, node *models.Node) map[string][]ServiceInputRef {
	var serviceInputs map[string][]ServiceInputRef

	for _, edge := range workflow.Edges {
		if edge.To != node.ID || !edge.IsServiceInput() {
			continue
		}

		source := GetNodeByID(workflow, edge.From)
		if source == nil {
			continue
		}

		ref := ServiceInputRef{
			ID:          edge.ID,
			Type:        source.Type,
			NodeID:      source.ID,
			Parameters:  source.Config,
			Credentials: credentialsFromParameters(source.Type, source.Config),
		}

		if serviceInputs == nil {
			serviceInputs = make(map[string][]ServiceInputRef)
		}
		serviceInputs[edge.TargetHandle] = append(serviceInputs[edge.TargetHandle], ref)
	}

	return serviceInputs
}

// flattenServiceInputs converts a socket-name -> []ServiceInputRef map into
// the generic interface{} form stored under inputData[targetInput] and
// exposed to templates, collapsing single-ref sockets to the bare ref so
// executors don't have to unwrap a one-element slice for the common case.
func flattenServiceInputs(serviceInputs map[string][]ServiceInputRef) map[string]interface{} {
	if len(serviceInputs) == 0 {
		return nil
	}

	flattened := make(map[string]interface{}, len(serviceInputs))
	for socket, refs := range serviceInputs {
		if len(refs) == 1 {
			flattened[socket] = refs[0]
			continue
		}
		flattened[socket] = refs
	}
	return flattened
}
