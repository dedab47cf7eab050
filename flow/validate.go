package flow

import "fmt"

// Validate checks a workflow definition for structural errors: empty or
// duplicate node IDs, dangling dependencies, and dependency cycles. When
// types is non-nil, node types must be registered in it.
//
// Validate runs at submission and again on resume, so tampered persisted
// state is rejected before any node dispatches.
func Validate(def *WorkflowDefinition, types *Registry) error {
	if def == nil {
		return &ValidationError{Message: "definition is nil"}
	}
	if def.ID == "" {
		return &ValidationError{Message: "workflow ID is empty"}
	}
	if len(def.Nodes) == 0 {
		return &ValidationError{Message: "workflow has no nodes"}
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return &ValidationError{Message: fmt.Sprintf("node at index %d has an empty ID", i)}
		}
		if _, dup := seen[node.ID]; dup {
			return &ValidationError{Message: fmt.Sprintf("duplicate node ID %q", node.ID)}
		}
		seen[node.ID] = struct{}{}

		if node.Type == "" {
			return &ValidationError{Message: fmt.Sprintf("node %q has an empty type", node.ID)}
		}
		if types != nil && !types.Has(node.Type) {
			return &ValidationError{Message: fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type)}
		}
		if rc := node.RetryConfig; rc != nil {
			if rc.MaxAttempts < 1 {
				return &ValidationError{Message: fmt.Sprintf("node %q: maxAttempts must be >= 1", node.ID)}
			}
			if rc.Delay < 0 || rc.MaxDelay < 0 {
				return &ValidationError{Message: fmt.Sprintf("node %q: retry delays must not be negative", node.ID)}
			}
		}
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		for _, dep := range node.Dependencies {
			if _, ok := seen[dep]; !ok {
				return &ValidationError{Message: fmt.Sprintf("node %q depends on unknown node %q", node.ID, dep)}
			}
			if dep == node.ID {
				return &ValidationError{Message: fmt.Sprintf("node %q depends on itself", node.ID)}
			}
		}
	}

	if cycle := findCycle(def); cycle != "" {
		return &ValidationError{Message: "dependency cycle involving node " + cycle}
	}
	return nil
}

// findCycle runs a DFS over dependency edges and returns a node ID on a
// cycle, or "". A re-visit of a node that is not on the current path is not
// a cycle.
func findCycle(def *WorkflowDefinition) string {
	const (
		unvisited = 0
		onPath    = 1
		done      = 2
	)
	marks := make(map[string]int, len(def.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		switch marks[id] {
		case onPath:
			return id
		case done:
			return ""
		}
		marks[id] = onPath
		if node := def.node(id); node != nil {
			for _, dep := range node.Dependencies {
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		marks[id] = done
		return ""
	}

	for i := range def.Nodes {
		if hit := visit(def.Nodes[i].ID); hit != "" {
			return hit
		}
	}
	return ""
}
