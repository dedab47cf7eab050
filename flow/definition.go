package flow

import "encoding/json"

// WorkflowDefinition is the immutable description of a workflow: its nodes,
// their dependency edges, and optional workflow-level failure defaults.
//
// Definitions are never mutated after submission. Fields not recognized by
// this engine survive a persist/load round-trip through Extra.
type WorkflowDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`

	// Nodes in submission order. Order does not affect scheduling.
	Nodes []Node `json:"nodes"`

	// FailureHandling supplies workflow-level defaults for nodes without
	// their own override.
	FailureHandling *FailureHandling `json:"failureHandling,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Extra holds fields this engine does not recognize, preserved verbatim
	// on round-trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// Node is the immutable description of a single workflow node.
type Node struct {
	ID string `json:"id"`

	// Type selects the handler via the registry.
	Type string `json:"type"`

	Name string `json:"name,omitempty"`

	// Inputs are passed to the handler unchanged.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Dependencies lists node IDs that must complete (or be skipped)
	// before this node becomes ready.
	Dependencies []string `json:"dependencies,omitempty"`

	// WaitForEvents lists event types this node must observe before it is
	// ready.
	WaitForEvents []string `json:"waitForEvents,omitempty"`

	// Timeout bounds handler execution. Zero means the executor's global
	// ceiling applies.
	Timeout Millis `json:"timeout,omitempty"`

	RetryConfig     *RetryConfig     `json:"retryConfig,omitempty"`
	FailureHandling *FailureHandling `json:"failureHandling,omitempty"`

	// Extra holds unrecognized fields, preserved on round-trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// RetryConfig controls retry behavior for one node.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt; 1 means no retries.
	MaxAttempts int `json:"maxAttempts"`

	// Delay is the base delay before the first retry.
	Delay Millis `json:"delay"`

	// BackoffMultiplier scales the delay per attempt
	// (delay * multiplier^(attempts-1)). Values below 1 are treated as 1.
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay Millis `json:"maxDelay,omitempty"`

	// Jitter adds a uniform random offset in +-25% of the computed delay.
	Jitter bool `json:"jitter,omitempty"`

	// RetryableErrors, when non-empty, whitelists failures by message
	// substring. When empty, TRANSIENT and DEPENDENCY failures retry.
	RetryableErrors []string `json:"retryableErrors,omitempty"`

	// NonRetryableErrors blacklists failures by message substring and
	// takes precedence over RetryableErrors.
	NonRetryableErrors []string `json:"nonRetryableErrors,omitempty"`
}

// FailureHandling bundles the strategy and its supporting configuration.
// It appears at three levels (node, workflow, executor default); unset
// sections fall through to the next level.
type FailureHandling struct {
	Strategy Strategy `json:"strategy,omitempty"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty"`
	DeadLetter     *DeadLetterConfig     `json:"deadLetter,omitempty"`
	Monitoring     *MonitoringConfig     `json:"monitoring,omitempty"`

	// PoisonMessageThreshold blocks a node once attempts reach it.
	// Zero means the default of 10.
	PoisonMessageThreshold int `json:"poisonMessageThreshold,omitempty"`

	GracefulDegradation *DegradationConfig `json:"gracefulDegradationConfig,omitempty"`
}

// CircuitBreakerConfig tunes the three-state breaker kept per
// (workflow, node) pair.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit when the failure count reaches it.
	FailureThreshold int `json:"failureThreshold,omitempty"`

	// TimeWindow bounds the failure-counting window.
	TimeWindow Millis `json:"timeWindow,omitempty"`

	// RecoveryTimeout is how long the circuit stays OPEN before a probe
	// attempt is allowed (HALF_OPEN).
	RecoveryTimeout Millis `json:"recoveryTimeout,omitempty"`

	// SuccessThreshold closes a HALF_OPEN circuit after this many
	// consecutive successes.
	SuccessThreshold int `json:"successThreshold,omitempty"`
}

// DeadLetterConfig tunes the per-workflow dead-letter queue.
type DeadLetterConfig struct {
	Enabled bool `json:"enabled"`

	// MaxRetries bounds explicit re-submissions of a parked item.
	MaxRetries int `json:"maxRetries,omitempty"`

	// RetentionPeriod prunes parked items older than this.
	RetentionPeriod Millis `json:"retentionPeriod,omitempty"`

	// Handler is invoked when an item is parked. Panics are recovered and
	// logged. Not serialized.
	Handler func(DeadLetterItem) `json:"-"`
}

// MonitoringConfig tunes the periodic failure-rate sweep.
type MonitoringConfig struct {
	Enabled bool `json:"enabled"`

	// MetricsCollectionInterval is the sweep period. Zero means 60s.
	MetricsCollectionInterval Millis `json:"metricsCollectionInterval,omitempty"`

	// FailureRateThreshold (percent) triggers HIGH_FAILURE_RATE alerts.
	// Zero means 50.
	FailureRateThreshold float64 `json:"failureRateThreshold,omitempty"`

	AlertingEnabled bool `json:"alertingEnabled,omitempty"`

	// AlertHandler receives alerts. Panics are recovered and logged.
	// Not serialized.
	AlertHandler func(Alert) `json:"-"`

	// RetentionPeriod prunes metrics not updated within this period.
	RetentionPeriod Millis `json:"retentionPeriod,omitempty"`
}

// DegradationConfig tunes the GRACEFUL_DEGRADATION strategy.
type DegradationConfig struct {
	// FallbackResults maps node ID to the result substituted when the
	// node exhausts retries. A node with a fallback still completes.
	FallbackResults map[string]any `json:"fallbackResults,omitempty"`

	// ContinueOnNodeFailure keeps the workflow running when a node
	// without a fallback exhausts retries (the node is skipped).
	ContinueOnNodeFailure bool `json:"continueOnNodeFailure,omitempty"`

	// SkipDependentNodes cascades a skip to the transitive closure of
	// still-pending dependents.
	SkipDependentNodes bool `json:"skipDependentNodes,omitempty"`
}

// Known JSON keys; anything else lands in Extra.
var (
	definitionKnownFields = []string{
		"id", "name", "version", "description", "nodes",
		"failureHandling", "metadata",
	}
	nodeKnownFields = []string{
		"id", "type", "name", "inputs", "dependencies", "waitForEvents",
		"timeout", "retryConfig", "failureHandling",
	}
)

type definitionAlias WorkflowDefinition

// UnmarshalJSON decodes the definition and stashes unrecognized fields in
// Extra so they survive a round-trip.
func (d *WorkflowDefinition) UnmarshalJSON(data []byte) error {
	var alias definitionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownFields(data, definitionKnownFields)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*d = WorkflowDefinition(alias)
	return nil
}

// MarshalJSON re-emits any preserved unrecognized fields alongside the known
// ones.
func (d WorkflowDefinition) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(definitionAlias(d), d.Extra)
}

type nodeAlias Node

// UnmarshalJSON decodes the node and stashes unrecognized fields in Extra.
func (n *Node) UnmarshalJSON(data []byte) error {
	var alias nodeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownFields(data, nodeKnownFields)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*n = Node(alias)
	return nil
}

// MarshalJSON re-emits any preserved unrecognized fields alongside the known
// ones.
func (n Node) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(nodeAlias(n), n.Extra)
}

func unknownFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, key := range known {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func marshalWithExtra(alias any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		// Known fields win on a key collision.
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// node returns the definition node with the given ID, or nil.
func (d *WorkflowDefinition) node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// dependents returns the IDs of nodes that list id as a dependency.
func (d *WorkflowDefinition) dependents(id string) []string {
	var out []string
	for i := range d.Nodes {
		for _, dep := range d.Nodes[i].Dependencies {
			if dep == id {
				out = append(out, d.Nodes[i].ID)
				break
			}
		}
	}
	return out
}
