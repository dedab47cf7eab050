package flow

import (
	"time"

	"github.com/dshills/dagflow/flow/event"
)

// NodeState is the mutable runtime state of one node. It is owned by its
// WorkflowState; during a round only the dispatching goroutine touches it.
type NodeState struct {
	ID     string     `json:"id"`
	Status NodeStatus `json:"status"`

	// Attempts is monotonic within an execution session; it is never reset
	// by a retry.
	Attempts int `json:"attempts"`

	// ConsecutiveFailures resets to zero on success.
	ConsecutiveFailures int `json:"consecutiveFailures"`

	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`

	// NextRetryTime defers re-dispatch of a PENDING node after a retryable
	// failure. The scheduler will not pick the node up before this instant.
	NextRetryTime *time.Time `json:"nextRetryTime,omitempty"`

	// Result holds the handler's return value once COMPLETED.
	Result any `json:"result,omitempty"`

	// Error holds the last failure message.
	Error string `json:"error,omitempty"`

	FailureType FailureType `json:"failureType,omitempty"`

	// WaitingForEvents snapshots the event types still unobserved while
	// the node is WAITING.
	WaitingForEvents []string `json:"waitingForEvents,omitempty"`

	DeadLettered    bool `json:"deadLettered,omitempty"`
	IsPoisonMessage bool `json:"isPoisonMessage,omitempty"`

	// DeadLetterRetries counts re-submissions from the dead-letter queue.
	// Once it reaches the configured MaxRetries, a re-parked item is no
	// longer retryable.
	DeadLetterRetries int `json:"deadLetterRetries,omitempty"`
}

// WorkflowState is the persisted unit: the definition plus all runtime
// state. Any snapshot taken after a scheduler round is a valid restart
// point.
type WorkflowState struct {
	Definition *WorkflowDefinition `json:"definition"`
	Status     WorkflowStatus      `json:"status"`

	// Nodes holds one entry per definition node, keyed by node ID.
	Nodes map[string]*NodeState `json:"nodes"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Context is the caller-supplied map passed at start. Read-only to
	// handlers.
	Context map[string]any `json:"context,omitempty"`

	// Events is the bounded log of observed events relevant to this
	// workflow, oldest first.
	Events []event.Event `json:"events,omitempty"`

	// Failure-manager snapshots, keyed by node ID. Written before every
	// persist and rehydrated on resume.
	CircuitBreakers map[string]*BreakerState       `json:"circuitBreakers,omitempty"`
	FailureMetrics  map[string]*NodeFailureMetrics `json:"failureMetrics,omitempty"`
	DeadLetterQueue []DeadLetterItem               `json:"deadLetterQueue,omitempty"`
}

// NewWorkflowState initializes runtime state for a definition: all nodes
// PENDING with zero attempts.
func NewWorkflowState(def *WorkflowDefinition, initialContext map[string]any, now time.Time) *WorkflowState {
	nodes := make(map[string]*NodeState, len(def.Nodes))
	for i := range def.Nodes {
		id := def.Nodes[i].ID
		nodes[id] = &NodeState{ID: id, Status: StatusPending}
	}
	return &WorkflowState{
		Definition: def,
		Status:     WorkflowRunning,
		Nodes:      nodes,
		StartedAt:  now,
		Context:    initialContext,
	}
}

// BreakerState is the persisted state of one circuit breaker.
type BreakerState struct {
	State           BreakerPhase `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	NextAttemptTime *time.Time   `json:"nextAttemptTime,omitempty"`
	LastFailureTime *time.Time   `json:"lastFailureTime,omitempty"`
}

// NodeFailureMetrics aggregates outcomes for one (workflow, node) pair.
// Updated on every success and failure.
type NodeFailureMetrics struct {
	WorkflowID string `json:"workflowId"`
	NodeID     string `json:"nodeId"`

	TotalAttempts  int `json:"totalAttempts"`
	TotalFailures  int `json:"totalFailures"`
	TotalSuccesses int `json:"totalSuccesses"`

	// FailureRate is a percentage in [0, 100].
	FailureRate float64 `json:"failureRate"`

	FailuresByType map[FailureType]int `json:"failuresByType,omitempty"`

	PoisonCount      int `json:"poisonCount,omitempty"`
	CircuitOpenCount int `json:"circuitOpenCount,omitempty"`
	DeadLetterCount  int `json:"deadLetterCount,omitempty"`

	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
	LastUpdated     time.Time  `json:"lastUpdated"`
}

// DeadLetterItem is a parked node failure that exhausted its retries but
// may be replayed via RetryDeadLetterItem.
type DeadLetterItem struct {
	ID           string      `json:"id"`
	WorkflowID   string      `json:"workflowId"`
	NodeID       string      `json:"nodeId"`
	OriginalNode Node        `json:"originalNode"`
	Error        string      `json:"error"`
	FailureType  FailureType `json:"failureType"`
	Attempts     int         `json:"attempts"`
	Timestamp    time.Time   `json:"timestamp"`

	// RetryCount counts explicit re-submissions, not execution attempts.
	RetryCount int  `json:"retryCount"`
	CanRetry   bool `json:"canRetry"`
}

// Alert is delivered to the configured alert handler.
type Alert struct {
	// Type is "CIRCUIT_OPEN" or "HIGH_FAILURE_RATE".
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflowId"`
	NodeID     string         `json:"nodeId"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// Alert types.
const (
	AlertCircuitOpen     = "CIRCUIT_OPEN"
	AlertHighFailureRate = "HIGH_FAILURE_RATE"
)

// ExecutionResult is returned by StartWorkflow and ResumeWorkflow.
type ExecutionResult struct {
	WorkflowID string
	Status     WorkflowStatus

	// Duration covers this start/resume call, not the workflow's total
	// lifetime.
	Duration time.Duration

	// NodeResults holds the result of every node that reached COMPLETED.
	NodeResults map[string]any

	// Err is the workflow-fatal error, if any.
	Err error

	FailureMetrics  map[string]*NodeFailureMetrics
	DeadLetterItems []DeadLetterItem
}
