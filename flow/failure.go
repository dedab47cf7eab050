package flow

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/dagflow/flow/clock"
	"github.com/dshills/dagflow/flow/emit"
)

// defaultPoisonThreshold blocks a node once attempts reach it.
const defaultPoisonThreshold = 10

// FailureManager owns three concerns per (workflow, node) pair: circuit
// state, failure metrics, and the dead-letter queue, plus a process-level
// poison set. The executor consults it before every dispatch and reports
// every outcome back.
//
// All maps are guarded by one mutex; individual operations are short and
// never call handlers or storage while holding it.
type FailureManager struct {
	mu         sync.Mutex
	clk        clock.Clock
	classifier Classifier
	emitter    emit.Emitter
	defaults   FailureHandling
	rng        *rand.Rand

	breakers map[pairKey]*breaker
	metrics  map[pairKey]*NodeFailureMetrics
	dlq      *deadLetterQueue
	poison   map[pairKey]struct{}

	monitorStop chan struct{}
}

type pairKey struct {
	workflowID string
	nodeID     string
}

func newFailureManager(clk clock.Clock, classifier Classifier, emitter emit.Emitter, defaults FailureHandling) *FailureManager {
	if classifier == nil {
		classifier = defaultClassifier{}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &FailureManager{
		clk:        clk,
		classifier: classifier,
		emitter:    emitter,
		defaults:   defaults,
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())), // #nosec G404 -- retry jitter, not security
		breakers:   make(map[pairKey]*breaker),
		metrics:    make(map[pairKey]*NodeFailureMetrics),
		dlq:        newDeadLetterQueue(),
		poison:     make(map[pairKey]struct{}),
	}
}

// blockReason says why shouldExecute refused a node.
type blockReason int

const (
	blockNone blockReason = iota
	blockCircuitOpen
	blockPoison
)

// shouldExecute reports whether the node may run now. Poisoned nodes are
// permanently blocked in-session; an open circuit blocks until its recovery
// timeout passes.
func (f *FailureManager) shouldExecute(workflowID string, node *Node, handling FailureHandling) (bool, blockReason) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairKey{workflowID, node.ID}
	if _, poisoned := f.poison[key]; poisoned {
		return false, blockPoison
	}
	if handling.Strategy == CircuitBreaker {
		if !f.breakerFor(key, handling).allow(f.clk.Now()) {
			return false, blockCircuitOpen
		}
	}
	return true, blockNone
}

// handleSuccess records a successful attempt: metrics update plus breaker
// bookkeeping (a HALF_OPEN circuit may close).
func (f *FailureManager) handleSuccess(workflowID string, node *Node, handling FailureHandling) {
	f.mu.Lock()
	key := pairKey{workflowID, node.ID}
	m := f.metricsFor(key)
	m.TotalAttempts++
	m.TotalSuccesses++
	f.finishMetrics(m)

	closed := false
	if handling.Strategy == CircuitBreaker {
		closed = f.breakerFor(key, handling).onSuccess()
	}
	f.mu.Unlock()

	if closed {
		f.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Level:      emit.LevelInfo,
			Msg:        "circuit_closed",
		})
	}
}

// failAction is what the executor should do with a failed node.
type failAction int

const (
	// actionFail marks the node FAILED and aborts the workflow.
	actionFail failAction = iota

	// actionRetry flips the node back to PENDING after the decision's
	// retry delay.
	actionRetry

	// actionSkip marks the node SKIPPED; the workflow continues.
	actionSkip

	// actionDeadLetter marks the node DEAD_LETTERED; the workflow
	// continues.
	actionDeadLetter

	// actionFallback completes the node with the decision's fallback
	// result; the workflow continues.
	actionFallback

	// actionCircuitOpen marks the node CIRCUIT_OPEN; the workflow exits
	// WAITING and can be resumed after the recovery timeout.
	actionCircuitOpen
)

// decision is the failure manager's verdict on one failed attempt.
type decision struct {
	Action         failAction
	RetryDelay     time.Duration
	FailureType    FailureType
	Fallback       any
	SkipDependents bool
}

// handleFailure classifies the error, updates metrics, applies poison and
// breaker bookkeeping, and resolves the node's strategy into a decision.
// Emitter and caller-supplied callbacks (DLQ handler, alert handler) run
// after the lock is released, so they may call back into the executor.
//
// st.Attempts must already include the failed attempt.
func (f *FailureManager) handleFailure(workflowID string, node *Node, st *NodeState, handling FailureHandling, err error) decision {
	f.mu.Lock()
	dec, after := f.failureDecision(workflowID, node, st, handling, err)
	f.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return dec
}

// failureDecision is the locked body of handleFailure. Callbacks are
// returned for the caller to invoke once f.mu is released.
func (f *FailureManager) failureDecision(workflowID string, node *Node, st *NodeState, handling FailureHandling, err error) (decision, []func()) {
	var after []func()
	now := f.clk.Now()
	key := pairKey{workflowID, node.ID}
	failureType := f.classifier.Classify(err)

	m := f.metricsFor(key)
	m.TotalAttempts++
	m.TotalFailures++
	if m.FailuresByType == nil {
		m.FailuresByType = make(map[FailureType]int)
	}
	m.FailuresByType[failureType]++
	m.LastFailureTime = &now
	f.finishMetrics(m)

	poisonThreshold := handling.PoisonMessageThreshold
	if poisonThreshold <= 0 {
		poisonThreshold = defaultPoisonThreshold
	}
	poisoned := st.Attempts >= poisonThreshold
	if poisoned {
		if _, known := f.poison[key]; !known {
			f.poison[key] = struct{}{}
			m.PoisonCount++
			attempts := st.Attempts
			after = append(after, func() {
				f.emitter.Emit(emit.Event{
					WorkflowID: workflowID,
					NodeID:     node.ID,
					Level:      emit.LevelError,
					Msg:        "poison_detected",
					Meta:       map[string]any{"attempts": attempts},
				})
			})
		}
		failureType = FailurePoison
	}

	cfg := retryConfigFor(node)
	retryable := !poisoned && isRetryable(cfg, err, failureType, st.Attempts)

	if handling.Strategy == CircuitBreaker {
		br := f.breakerFor(key, handling)
		if br.onFailure(now) {
			m.CircuitOpenCount++
			after = append(after, f.alertTask(handling, Alert{
				Type:       AlertCircuitOpen,
				WorkflowID: workflowID,
				NodeID:     node.ID,
				Message:    fmt.Sprintf("circuit opened for node %s", node.ID),
				Timestamp:  now,
				Details:    map[string]any{"error": errMessage(err)},
			}))
			return decision{Action: actionCircuitOpen, FailureType: failureType}, after
		}
	}

	if retryable {
		return decision{
			Action:      actionRetry,
			RetryDelay:  computeRetryDelay(cfg, st.Attempts, f.rng),
			FailureType: failureType,
		}, after
	}

	// Retries exhausted (or the failure was never retryable); the strategy
	// decides the exhaustion path.
	switch handling.Strategy {
	case FailFast:
		return decision{Action: actionFail, FailureType: failureType}, after

	case RetryAndSkip:
		return decision{Action: actionSkip, FailureType: failureType}, after

	case RetryAndDLQ:
		dlCfg := handling.DeadLetter
		if dlCfg != nil && !dlCfg.Enabled {
			return decision{Action: actionFail, FailureType: failureType}, after
		}
		item := f.dlq.park(workflowID, *node, errMessage(err), failureType, st.Attempts, st.DeadLetterRetries, dlCfg, now)
		m.DeadLetterCount++
		after = append(after, func() {
			f.emitter.Emit(emit.Event{
				WorkflowID: workflowID,
				NodeID:     node.ID,
				Level:      emit.LevelWarn,
				Msg:        "node_dead_lettered",
				Meta:       map[string]any{"item_id": item.ID, "attempts": item.Attempts},
			})
		})
		if dlCfg != nil && dlCfg.Handler != nil {
			handler := dlCfg.Handler
			after = append(after, func() { f.invokeDLQHandler(handler, item) })
		}
		return decision{Action: actionDeadLetter, FailureType: failureType}, after

	case GracefulDegradation:
		deg := handling.GracefulDegradation
		if deg != nil {
			if fallback, ok := deg.FallbackResults[node.ID]; ok {
				return decision{Action: actionFallback, FailureType: failureType, Fallback: fallback}, after
			}
			if deg.ContinueOnNodeFailure {
				return decision{
					Action:         actionSkip,
					FailureType:    failureType,
					SkipDependents: deg.SkipDependentNodes,
				}, after
			}
		}
		return decision{Action: actionFail, FailureType: failureType}, after

	default:
		// RETRY_AND_FAIL, CIRCUIT_BREAKER below threshold, and the unset
		// strategy all abort on exhaustion.
		return decision{Action: actionFail, FailureType: failureType}, after
	}
}

// invokeDLQHandler calls the caller-supplied handler; a panic is logged and
// swallowed.
func (f *FailureManager) invokeDLQHandler(handler func(DeadLetterItem), item DeadLetterItem) {
	defer func() {
		if r := recover(); r != nil {
			f.emitter.Emit(emit.Event{
				WorkflowID: item.WorkflowID,
				NodeID:     item.NodeID,
				Level:      emit.LevelError,
				Msg:        "dlq_handler_panic",
				Meta:       map[string]any{"panic": fmt.Sprintf("%v", r)},
			})
		}
	}()
	handler(item)
}

// alertTask builds the delivery of one alert: the emitter record plus the
// configured handler, with a panic logged and swallowed. The returned func
// must be invoked without f.mu held, since the handler may call back into
// the executor.
func (f *FailureManager) alertTask(handling FailureHandling, a Alert) func() {
	return func() {
		f.emitter.Emit(emit.Event{
			WorkflowID: a.WorkflowID,
			NodeID:     a.NodeID,
			Level:      emit.LevelWarn,
			Msg:        "alert",
			Meta:       map[string]any{"alert_type": a.Type, "message": a.Message},
		})

		mon := handling.Monitoring
		if mon == nil || mon.AlertHandler == nil {
			return
		}
		if a.Type == AlertHighFailureRate && !mon.AlertingEnabled {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				f.emitter.Emit(emit.Event{
					WorkflowID: a.WorkflowID,
					NodeID:     a.NodeID,
					Level:      emit.LevelError,
					Msg:        "alert_handler_panic",
					Meta:       map[string]any{"panic": fmt.Sprintf("%v", r)},
				})
			}
		}()
		mon.AlertHandler(a)
	}
}

func (f *FailureManager) breakerFor(key pairKey, handling FailureHandling) *breaker {
	br, ok := f.breakers[key]
	if !ok {
		br = newBreaker(handling.CircuitBreaker)
		f.breakers[key] = br
	}
	return br
}

func (f *FailureManager) metricsFor(key pairKey) *NodeFailureMetrics {
	m, ok := f.metrics[key]
	if !ok {
		m = &NodeFailureMetrics{
			WorkflowID:     key.workflowID,
			NodeID:         key.nodeID,
			FailuresByType: make(map[FailureType]int),
		}
		f.metrics[key] = m
	}
	return m
}

func (f *FailureManager) finishMetrics(m *NodeFailureMetrics) {
	if m.TotalAttempts > 0 {
		m.FailureRate = float64(m.TotalFailures) / float64(m.TotalAttempts) * 100
	}
	m.LastUpdated = f.clk.Now()
}

// Metrics returns copies of the failure metrics for one workflow, keyed by
// node ID.
func (f *FailureManager) Metrics(workflowID string) map[string]*NodeFailureMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]*NodeFailureMetrics)
	for key, m := range f.metrics {
		if key.workflowID == workflowID {
			out[key.nodeID] = copyMetrics(m)
		}
	}
	return out
}

// DeadLetters returns a copy of the workflow's parked items, oldest first.
func (f *FailureManager) DeadLetters(workflowID string) []DeadLetterItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dlq.items(workflowID)
}

// takeDeadLetter removes the item and clears the node's poison mark so a
// resumed workflow may re-execute it. An item whose retry budget is
// exhausted stays parked and the call fails.
func (f *FailureManager) takeDeadLetter(itemID string) (DeadLetterItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.dlq.peek(itemID)
	if !ok {
		return DeadLetterItem{}, &NotFoundError{Kind: "dead-letter item", ID: itemID}
	}
	if !item.CanRetry {
		return DeadLetterItem{}, &ValidationError{Message: "dead-letter item " + itemID + " has exhausted its retry budget"}
	}
	item, _ = f.dlq.take(itemID)
	delete(f.poison, pairKey{item.WorkflowID, item.NodeID})
	return item, nil
}

// snapshotInto copies the workflow's breaker states, metrics, and DLQ into
// the state about to be persisted.
func (f *FailureManager) snapshotInto(state *WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	workflowID := state.Definition.ID
	state.CircuitBreakers = nil
	state.FailureMetrics = nil

	for key, br := range f.breakers {
		if key.workflowID != workflowID {
			continue
		}
		if state.CircuitBreakers == nil {
			state.CircuitBreakers = make(map[string]*BreakerState)
		}
		snapshot := br.state
		state.CircuitBreakers[key.nodeID] = &snapshot
	}
	for key, m := range f.metrics {
		if key.workflowID != workflowID {
			continue
		}
		if state.FailureMetrics == nil {
			state.FailureMetrics = make(map[string]*NodeFailureMetrics)
		}
		state.FailureMetrics[key.nodeID] = copyMetrics(m)
	}
	state.DeadLetterQueue = f.dlq.items(workflowID)
}

// rehydrate restores breaker states, metrics, DLQ items, and poison marks
// from a loaded state, so a resumed workflow picks up where it left off.
func (f *FailureManager) rehydrate(state *WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	def := state.Definition
	workflowID := def.ID

	for nodeID, snapshot := range state.CircuitBreakers {
		node := def.node(nodeID)
		if node == nil {
			continue
		}
		handling := resolveHandling(f.defaults, def, node)
		br := newBreaker(handling.CircuitBreaker)
		br.state = *snapshot
		f.breakers[pairKey{workflowID, nodeID}] = br
	}
	for nodeID, m := range state.FailureMetrics {
		f.metrics[pairKey{workflowID, nodeID}] = copyMetrics(m)
	}
	f.dlq.replace(workflowID, state.DeadLetterQueue)
	for nodeID, st := range state.Nodes {
		if st.IsPoisonMessage {
			f.poison[pairKey{workflowID, nodeID}] = struct{}{}
		}
	}
}

// forget drops all bookkeeping for a deleted workflow.
func (f *FailureManager) forget(workflowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key := range f.breakers {
		if key.workflowID == workflowID {
			delete(f.breakers, key)
		}
	}
	for key := range f.metrics {
		if key.workflowID == workflowID {
			delete(f.metrics, key)
		}
	}
	for key := range f.poison {
		if key.workflowID == workflowID {
			delete(f.poison, key)
		}
	}
	f.dlq.replace(workflowID, nil)
}

func copyMetrics(m *NodeFailureMetrics) *NodeFailureMetrics {
	out := *m
	out.FailuresByType = make(map[FailureType]int, len(m.FailuresByType))
	for ft, count := range m.FailuresByType {
		out.FailuresByType[ft] = count
	}
	if m.LastFailureTime != nil {
		t := *m.LastFailureTime
		out.LastFailureTime = &t
	}
	return &out
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resolveHandling merges the three configuration levels: executor defaults,
// workflow-level, then node-level. Set sections at a more specific level
// win whole.
func resolveHandling(defaults FailureHandling, def *WorkflowDefinition, node *Node) FailureHandling {
	out := defaults
	layers := make([]*FailureHandling, 0, 2)
	if def != nil && def.FailureHandling != nil {
		layers = append(layers, def.FailureHandling)
	}
	if node != nil && node.FailureHandling != nil {
		layers = append(layers, node.FailureHandling)
	}
	for _, layer := range layers {
		if layer.Strategy != "" {
			out.Strategy = layer.Strategy
		}
		if layer.CircuitBreaker != nil {
			out.CircuitBreaker = layer.CircuitBreaker
		}
		if layer.DeadLetter != nil {
			out.DeadLetter = layer.DeadLetter
		}
		if layer.Monitoring != nil {
			out.Monitoring = layer.Monitoring
		}
		if layer.PoisonMessageThreshold > 0 {
			out.PoisonMessageThreshold = layer.PoisonMessageThreshold
		}
		if layer.GracefulDegradation != nil {
			out.GracefulDegradation = layer.GracefulDegradation
		}
	}
	if out.Strategy == "" {
		out.Strategy = RetryAndFail
	}
	return out
}
