// Package flow provides a stateful DAG workflow executor.
//
// A workflow is a set of nodes with declared dependencies, inputs, and a
// node type. The executor schedules nodes in dependency order, dispatches
// each ready node to a pluggable handler, persists progress after every
// scheduler round, coordinates nodes that wait on external events, and
// applies a configurable failure-handling policy per node (retry, circuit
// breaker, dead-letter queue, poison detection, graceful degradation).
package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the lifecycle status of a single node.
type NodeStatus string

const (
	// StatusPending means the node has not run; it may be blocked on
	// dependencies or on a scheduled retry.
	StatusPending NodeStatus = "PENDING"

	// StatusRunning means the node's handler is executing.
	StatusRunning NodeStatus = "RUNNING"

	// StatusWaiting means the node is gated on events it has not yet
	// observed. Distinct from PENDING (dependency-blocked).
	StatusWaiting NodeStatus = "WAITING"

	// StatusCompleted means the handler returned a result.
	StatusCompleted NodeStatus = "COMPLETED"

	// StatusFailed means the node failed without a continuing strategy.
	StatusFailed NodeStatus = "FAILED"

	// StatusSkipped means the node was skipped (strategy decision or
	// cascade from a skipped dependency).
	StatusSkipped NodeStatus = "SKIPPED"

	// StatusCircuitOpen means the node's circuit breaker is open and the
	// node was not executed.
	StatusCircuitOpen NodeStatus = "CIRCUIT_OPEN"

	// StatusDeadLettered means the node exhausted retries and was parked
	// in the dead-letter queue.
	StatusDeadLettered NodeStatus = "DEAD_LETTERED"
)

// Terminal reports whether the status is final for a node within one
// execution session. The DLQ offers explicit re-submission.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusDeadLettered:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle status of a whole workflow.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowWaiting   WorkflowStatus = "WAITING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// FailureType classifies a node failure. Classification drives the default
// retry decision and the failure metrics breakdown.
type FailureType string

const (
	// FailureSecurity covers auth and permission failures.
	FailureSecurity FailureType = "SECURITY"

	// FailureResource covers memory, disk, quota, and rate-limit failures.
	FailureResource FailureType = "RESOURCE"

	// FailureTransient covers timeouts and network failures. The default
	// for unclassified errors.
	FailureTransient FailureType = "TRANSIENT"

	// FailureDependency covers upstream service failures (5xx-equivalent).
	FailureDependency FailureType = "DEPENDENCY"

	// FailurePermanent covers validation and malformed-input failures.
	FailurePermanent FailureType = "PERMANENT"

	// FailurePoison is assigned when a node's attempts cross the poison
	// threshold.
	FailurePoison FailureType = "POISON"
)

// Strategy selects how the failure manager reacts when a node fails.
// Resolution order: node-level override, then workflow-level, then the
// executor's global default.
type Strategy string

const (
	// FailFast aborts the workflow on the first failure.
	FailFast Strategy = "FAIL_FAST"

	// RetryAndFail retries per the retry config; permanent failure aborts
	// the workflow.
	RetryAndFail Strategy = "RETRY_AND_FAIL"

	// RetryAndDLQ retries; on exhaustion the node is parked in the
	// dead-letter queue and the workflow continues.
	RetryAndDLQ Strategy = "RETRY_AND_DLQ"

	// RetryAndSkip retries; on exhaustion the node is marked SKIPPED and
	// the workflow continues.
	RetryAndSkip Strategy = "RETRY_AND_SKIP"

	// CircuitBreaker retries behind a three-state breaker.
	CircuitBreaker Strategy = "CIRCUIT_BREAKER"

	// GracefulDegradation retries; on exhaustion a configured fallback
	// result is substituted or the node is skipped, optionally cascading
	// the skip to dependents.
	GracefulDegradation Strategy = "GRACEFUL_DEGRADATION"
)

// BreakerPhase is the state of a circuit breaker.
type BreakerPhase string

const (
	BreakerClosed   BreakerPhase = "CLOSED"
	BreakerOpen     BreakerPhase = "OPEN"
	BreakerHalfOpen BreakerPhase = "HALF_OPEN"
)

// Millis is a duration serialized as an integer count of milliseconds,
// matching the workflow JSON schema ("timeout": 30000 means 30 seconds).
type Millis time.Duration

// Duration converts to a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

// MarshalJSON writes the duration as whole milliseconds.
func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

// UnmarshalJSON reads a JSON number of milliseconds.
func (m *Millis) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a number of milliseconds: %w", err)
	}
	*m = Millis(time.Duration(ms * float64(time.Millisecond)))
	return nil
}
