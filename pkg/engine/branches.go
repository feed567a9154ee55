package engine

// A node routes execution down named branches instead of (or in addition
// to) "main" by shaping its output as:
//
//	{"branches": {"loop": [...], "done": [...]}}
//
// Every upstream read of a node's output uses the branch name recorded on
// the consuming edge's SourceHandle ("main" when unset, via
// Edge.SourceHandleOrMain) to pick the right slice out of this map.

// branchesOf extracts the branches map from a node output, if shaped that way.
func branchesOf(output interface{}) (map[string]interface{}, bool) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return nil, false
	}
	branches, ok := m["branches"].(map[string]interface{})
	return branches, ok
}

// HasBranches reports whether a node output uses the branches shape at all.
func HasBranches(output interface{}) bool {
	_, ok := branchesOf(output)
	return ok
}

// BranchItems returns the data addressed to the given branch name.
func BranchItems(output interface{}, branch string) (interface{}, bool) {
	branches, ok := branchesOf(output)
	if !ok {
		return nil, false
	}
	items, ok := branches[branch]
	return items, ok
}

// BranchIsEmpty reports whether a branch is absent or holds an empty/nil
// payload. A loop node that reports both "loop" and "done" empty is stuck.
func BranchIsEmpty(output interface{}, branch string) bool {
	items, ok := BranchItems(output, branch)
	if !ok || items == nil {
		return true
	}
	switch v := items.(type) {
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	case string:
		return v == ""
	default:
		return false
	}
}
