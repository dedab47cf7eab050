package flow

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed definition: duplicate node IDs, a
// dangling dependency, a cycle, or an unregistered node type.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

// ConcurrencyError reports an attempt to start or resume a workflow that is
// already running, locally or per its persisted status.
type ConcurrencyError struct {
	WorkflowID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("workflow %s is already running", e.WorkflowID)
}

// NotFoundError reports an operation on a workflow or DLQ item that does
// not exist.
type NotFoundError struct {
	Kind string // "workflow" or "dead-letter item"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// StorageError wraps a storage adapter failure. The workflow is left in its
// last consistent persisted state.
type StorageError struct {
	Op  string // "save", "load", "delete", "list"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError reports a node handler exceeding its effective timeout. The
// handler's result, if any, is discarded.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Timeout)
}

// StalledError reports a workflow with no ready and no waiting nodes before
// termination. With an acyclic validated graph this indicates failed or
// blocked dependencies.
type StalledError struct {
	WorkflowID string
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("workflow %s stalled: no ready or waiting nodes remain", e.WorkflowID)
}

// NodeError wraps a handler failure with its classification. The failure
// manager recovers these according to the node's strategy; a NodeError
// surfaces to the caller only when the strategy aborts the workflow.
type NodeError struct {
	NodeID      string
	FailureType FailureType
	Err         error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed (%s): %v", e.NodeID, e.FailureType, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
