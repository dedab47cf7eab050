package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/dagflow/flow/clock"
	"github.com/dshills/dagflow/flow/emit"
	"github.com/dshills/dagflow/flow/event"
	"github.com/dshills/dagflow/flow/store"
)

// ErrWorkflowCompleted is returned when resuming a workflow that already
// finished.
var ErrWorkflowCompleted = errors.New("workflow is already completed")

// Executor runs workflows: it computes ready sets, dispatches ready nodes
// to handlers in parallel, persists state after every round, and delegates
// failure handling to the failure manager.
//
// An Executor may run many workflows concurrently, but each workflow ID has
// at most one live execution; concurrent StartWorkflow or ResumeWorkflow
// calls for the same ID fail with a ConcurrencyError.
type Executor struct {
	store    store.Store[*WorkflowState]
	registry *Registry
	bus      *event.Bus
	failures *FailureManager
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	clk      clock.Clock

	maxExecutionTime time.Duration
	maxConcurrent    int
	defaults         FailureHandling
	classifier       Classifier

	mu      sync.Mutex
	running map[string]struct{}
}

// NewExecutor assembles an executor. Without options it uses an in-memory
// store, the built-in handler registry, a private event bus, the system
// clock, and a discard emitter.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		registry: NewRegistry(),
		emitter:  emit.NewNullEmitter(),
		clk:      clock.NewSystem(),
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.NewMemoryStore[*WorkflowState]()
	}
	if e.bus == nil {
		e.bus = event.NewBus(event.WithClock(e.clk))
	}
	e.failures = newFailureManager(e.clk, e.classifier, e.emitter, e.defaults)
	e.failures.startMonitor()
	return e
}

// Close stops background work (the monitoring sweep). Running workflows are
// not interrupted.
func (e *Executor) Close() {
	e.failures.stopMonitor()
}

// StartWorkflow validates the definition, initializes state (all nodes
// PENDING), persists it, and runs the execution loop until the workflow
// reaches a terminal or waiting status.
func (e *Executor) StartWorkflow(ctx context.Context, def *WorkflowDefinition, initialContext map[string]any) (*ExecutionResult, error) {
	if err := Validate(def, e.registry); err != nil {
		return nil, err
	}

	if !e.markRunning(def.ID) {
		return nil, &ConcurrencyError{WorkflowID: def.ID}
	}
	defer e.unmarkRunning(def.ID)

	// A state persisted as RUNNING belongs to another live execution.
	if existing, err := e.store.Load(ctx, def.ID); err == nil && existing.Status == WorkflowRunning {
		return nil, &ConcurrencyError{WorkflowID: def.ID}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &StorageError{Op: "load", Err: err}
	}

	state := NewWorkflowState(def, initialContext, e.clk.Now())
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.emitter.Emit(emit.Event{
		WorkflowID: def.ID,
		Level:      emit.LevelInfo,
		Msg:        "workflow_started",
		Meta:       map[string]any{"nodes": len(def.Nodes)},
	})
	return e.run(ctx, state)
}

// ResumeWorkflow reloads persisted state and continues execution. It
// refuses workflows that are already running locally or already completed.
// The definition inside the loaded state is re-validated, so a tampered
// snapshot is rejected.
func (e *Executor) ResumeWorkflow(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	if !e.markRunning(workflowID) {
		return nil, &ConcurrencyError{WorkflowID: workflowID}
	}
	defer e.unmarkRunning(workflowID)

	state, err := e.store.Load(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if state.Status == WorkflowCompleted {
		return nil, ErrWorkflowCompleted
	}
	if err := Validate(state.Definition, e.registry); err != nil {
		return nil, err
	}

	// Nodes persisted as RUNNING were interrupted mid-round; they dispatch
	// again.
	for _, st := range state.Nodes {
		if st.Status == StatusRunning {
			st.Status = StatusPending
		}
	}
	state.Status = WorkflowRunning
	e.failures.rehydrate(state)

	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Level:      emit.LevelInfo,
		Msg:        "workflow_resumed",
	})
	return e.run(ctx, state)
}

// GetWorkflowState loads the persisted state for a workflow.
func (e *Executor) GetWorkflowState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	state, err := e.store.Load(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	return state, nil
}

// DeleteWorkflow removes a workflow's persisted state and all
// failure-manager bookkeeping. A locally running workflow cannot be
// deleted.
func (e *Executor) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if e.isRunning(workflowID) {
		return &ConcurrencyError{WorkflowID: workflowID}
	}
	err := e.store.Delete(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	e.failures.forget(workflowID)
	return nil
}

// ListWorkflows returns the IDs of all persisted workflows.
func (e *Executor) ListWorkflows(ctx context.Context) ([]string, error) {
	ids, err := e.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return ids, nil
}

// GetFailureMetrics returns per-node failure metrics for a workflow.
func (e *Executor) GetFailureMetrics(workflowID string) map[string]*NodeFailureMetrics {
	return e.failures.Metrics(workflowID)
}

// GetDeadLetterQueue returns the workflow's parked items, oldest first.
func (e *Executor) GetDeadLetterQueue(workflowID string) []DeadLetterItem {
	return e.failures.DeadLetters(workflowID)
}

// RetryDeadLetterItem removes a parked item, increments its retry count,
// and resets the node in persisted state to PENDING so the next
// ResumeWorkflow re-executes it. A second call with the same ID fails with
// a NotFoundError; an item past its MaxRetries budget stays parked and the
// call fails with a ValidationError.
func (e *Executor) RetryDeadLetterItem(ctx context.Context, itemID string) (DeadLetterItem, error) {
	item, err := e.failures.takeDeadLetter(itemID)
	if err != nil {
		return DeadLetterItem{}, err
	}

	if e.isRunning(item.WorkflowID) {
		return DeadLetterItem{}, &ConcurrencyError{WorkflowID: item.WorkflowID}
	}

	state, err := e.store.Load(ctx, item.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		return DeadLetterItem{}, &NotFoundError{Kind: "workflow", ID: item.WorkflowID}
	}
	if err != nil {
		return DeadLetterItem{}, &StorageError{Op: "load", Err: err}
	}

	if st := state.Nodes[item.NodeID]; st != nil {
		st.Status = StatusPending
		st.DeadLettered = false
		st.IsPoisonMessage = false
		st.NextRetryTime = nil
		st.Error = ""
		st.FailureType = ""
		st.DeadLetterRetries = item.RetryCount
	}
	if state.Status == WorkflowCompleted || state.Status == WorkflowFailed {
		state.Status = WorkflowWaiting
		state.CompletedAt = nil
	}
	if err := e.persist(ctx, state); err != nil {
		return DeadLetterItem{}, err
	}
	return item, nil
}

// EmitEvent publishes an event on the executor's bus, which may unblock
// waiting nodes on the next round or resume. Missing ID and timestamp
// fields are stamped.
func (e *Executor) EmitEvent(evt event.Event) event.Event {
	return e.bus.Emit(evt)
}

// EventSystem exposes the executor's event bus.
func (e *Executor) EventSystem() *event.Bus {
	return e.bus
}

func (e *Executor) markRunning(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[workflowID]; ok {
		return false
	}
	e.running[workflowID] = struct{}{}
	return true
}

func (e *Executor) unmarkRunning(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, workflowID)
}

func (e *Executor) isRunning(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workflowID]
	return ok
}

// persist snapshots the failure manager's sections into the state and
// saves it.
func (e *Executor) persist(ctx context.Context, state *WorkflowState) error {
	e.failures.snapshotInto(state)
	if err := e.store.Save(ctx, state.Definition.ID, state); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// roundPlan is the scheduler's view of one round.
type roundPlan struct {
	ready []*Node

	// blocked counts nodes WAITING on events or behind an open circuit;
	// they keep the workflow resumable rather than stalled.
	blocked int

	// earliestRetry is the soonest NextRetryTime among retry-deferred
	// nodes, when no node is ready.
	earliestRetry *time.Time
}

// run is the execution loop: compute the ready set, dispatch it in
// parallel, persist, repeat until the workflow is terminal or only blocked
// nodes remain.
func (e *Executor) run(ctx context.Context, state *WorkflowState) (*ExecutionResult, error) {
	started := e.clk.Now()
	workflowID := state.Definition.ID
	round := 0

	for {
		e.cascadeDeadLetterSkips(state)
		plan := e.planRound(state, round+1)

		if len(plan.ready) == 0 {
			if plan.earliestRetry != nil {
				// Nothing to do until the next scheduled retry.
				if delay := plan.earliestRetry.Sub(e.clk.Now()); delay > 0 {
					select {
					case <-e.clk.After(delay):
					case <-ctx.Done():
						return e.finish(ctx, state, started, WorkflowWaiting, ctx.Err())
					}
				}
				continue
			}
			if plan.blocked > 0 {
				return e.finish(ctx, state, started, WorkflowWaiting, nil)
			}
			if allTerminal(state) {
				status := WorkflowCompleted
				if anyFailed(state) {
					status = WorkflowFailed
				}
				return e.finish(ctx, state, started, status, nil)
			}
			return e.finish(ctx, state, started, WorkflowFailed, &StalledError{WorkflowID: workflowID})
		}

		round++
		fatal := e.dispatchRound(ctx, state, plan.ready, round)
		if err := e.persist(ctx, state); err != nil {
			return e.buildResult(state, started, err), err
		}
		e.metrics.roundCompleted(workflowID)

		if fatal != nil {
			return e.finish(ctx, state, started, WorkflowFailed, fatal)
		}
		if ctx.Err() != nil {
			return e.finish(ctx, state, started, WorkflowWaiting, ctx.Err())
		}
	}
}

// finish stamps the terminal (or waiting) status, persists, and builds the
// result.
func (e *Executor) finish(ctx context.Context, state *WorkflowState, started time.Time, status WorkflowStatus, cause error) (*ExecutionResult, error) {
	state.Status = status
	if status == WorkflowCompleted || status == WorkflowFailed {
		now := e.clk.Now()
		state.CompletedAt = &now
	}
	if err := e.persist(ctx, state); err != nil {
		if cause == nil {
			cause = err
		}
	}

	e.metrics.workflowFinished(status)
	level := emit.LevelInfo
	if status == WorkflowFailed {
		level = emit.LevelError
	}
	meta := map[string]any{"status": string(status)}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	e.emitter.Emit(emit.Event{
		WorkflowID: state.Definition.ID,
		Level:      level,
		Msg:        "workflow_finished",
		Meta:       meta,
	})

	return e.buildResult(state, started, cause), cause
}

func (e *Executor) buildResult(state *WorkflowState, started time.Time, cause error) *ExecutionResult {
	workflowID := state.Definition.ID
	nodeResults := make(map[string]any)
	for id, st := range state.Nodes {
		if st.Status == StatusCompleted {
			nodeResults[id] = st.Result
		}
	}
	return &ExecutionResult{
		WorkflowID:      workflowID,
		Status:          state.Status,
		Duration:        e.clk.Now().Sub(started),
		NodeResults:     nodeResults,
		Err:             cause,
		FailureMetrics:  e.failures.Metrics(workflowID),
		DeadLetterItems: e.failures.DeadLetters(workflowID),
	}
}

// planRound classifies every non-terminal node: ready to dispatch, blocked
// on events or an open circuit, or deferred to a scheduled retry. round is
// the 1-indexed number of the round being planned.
func (e *Executor) planRound(state *WorkflowState, round int) roundPlan {
	var plan roundPlan
	now := e.clk.Now()
	def := state.Definition

	for i := range def.Nodes {
		node := &def.Nodes[i]
		st := state.Nodes[node.ID]

		switch st.Status {
		case StatusPending, StatusWaiting, StatusCircuitOpen:
		default:
			continue
		}

		if !depsSatisfied(state, node) {
			continue
		}

		if st.Status == StatusCircuitOpen {
			handling := resolveHandling(e.defaults, def, node)
			if ok, _ := e.failures.shouldExecute(def.ID, node, handling); !ok {
				plan.blocked++
				continue
			}
			// Recovery timeout passed; the breaker allows a probe.
			st.Status = StatusPending
		}

		if st.NextRetryTime != nil && st.NextRetryTime.After(now) {
			if plan.earliestRetry == nil || st.NextRetryTime.Before(*plan.earliestRetry) {
				plan.earliestRetry = st.NextRetryTime
			}
			continue
		}

		if len(node.WaitForEvents) > 0 {
			unsatisfied := e.unsatisfiedEvents(state, node, st)
			if len(unsatisfied) > 0 {
				if st.Status != StatusWaiting {
					st.Status = StatusWaiting
					e.emitter.Emit(emit.Event{
						WorkflowID: def.ID,
						NodeID:     node.ID,
						Round:      round,
						Level:      emit.LevelDebug,
						Msg:        "node_waiting",
						Meta:       map[string]any{"events": unsatisfied},
					})
				}
				st.WaitingForEvents = unsatisfied
				plan.blocked++
				continue
			}
			st.WaitingForEvents = nil
			st.Status = StatusPending
		}

		plan.ready = append(plan.ready, node)
	}
	return plan
}

// depsSatisfied reports whether every dependency is COMPLETED or SKIPPED.
func depsSatisfied(state *WorkflowState, node *Node) bool {
	for _, dep := range node.Dependencies {
		depState := state.Nodes[dep]
		if depState == nil {
			return false
		}
		if depState.Status != StatusCompleted && depState.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// unsatisfiedEvents returns the node's required event types not yet
// observed since the node's last start (or workflow start). Satisfying
// events found on the bus are copied into the state's bounded event log so
// a resume in a fresh process still sees them.
func (e *Executor) unsatisfiedEvents(state *WorkflowState, node *Node, st *NodeState) []string {
	since := state.StartedAt
	if st.StartedAt != nil {
		since = *st.StartedAt
	}
	// Events targeted at a specific node only satisfy that node.
	pred := func(evt event.Event) bool {
		return evt.NodeID == "" || evt.NodeID == node.ID
	}

	var unsatisfied []string
	for _, eventType := range node.WaitForEvents {
		if evt, ok := e.bus.HasEventOccurred(eventType, pred, since); ok {
			e.recordEvent(state, evt)
			continue
		}
		if stateHasEvent(state, eventType, node.ID, since) {
			continue
		}
		unsatisfied = append(unsatisfied, eventType)
	}
	return unsatisfied
}

// stateHasEvent consults the persisted event log, which survives process
// restarts when the bus history does not.
func stateHasEvent(state *WorkflowState, eventType, nodeID string, since time.Time) bool {
	for i := len(state.Events) - 1; i >= 0; i-- {
		evt := state.Events[i]
		if evt.Type != eventType || evt.Timestamp.Before(since) {
			continue
		}
		if evt.NodeID == "" || evt.NodeID == nodeID {
			return true
		}
	}
	return false
}

// recordEvent appends an event to the state's bounded log, deduplicating by
// event ID.
func (e *Executor) recordEvent(state *WorkflowState, evt event.Event) {
	for _, existing := range state.Events {
		if existing.ID == evt.ID {
			return
		}
	}
	state.Events = append(state.Events, evt)
	if len(state.Events) > event.DefaultHistoryLimit {
		state.Events = state.Events[len(state.Events)-event.DefaultHistoryLimit:]
	}
}

// cascadeDeadLetterSkips marks still-pending dependents of DEAD_LETTERED
// nodes as SKIPPED, transitively.
func (e *Executor) cascadeDeadLetterSkips(state *WorkflowState) {
	def := state.Definition
	for {
		changed := false
		for i := range def.Nodes {
			node := &def.Nodes[i]
			st := state.Nodes[node.ID]
			if st.Status != StatusPending && st.Status != StatusWaiting {
				continue
			}
			for _, dep := range node.Dependencies {
				if state.Nodes[dep].Status == StatusDeadLettered {
					st.Status = StatusSkipped
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// skipDependents marks the transitive closure of still-pending dependents
// of nodeID as SKIPPED (graceful degradation with skipDependentNodes).
func (e *Executor) skipDependents(state *WorkflowState, nodeID string) {
	def := state.Definition
	queue := def.dependents(nodeID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		st := state.Nodes[id]
		if st.Status != StatusPending && st.Status != StatusWaiting {
			continue
		}
		st.Status = StatusSkipped
		queue = append(queue, def.dependents(id)...)
	}
}

// dispatchRound runs every ready node concurrently, bounded by
// maxConcurrent when set, and waits for all of them. Skip cascades are
// applied after the barrier, when this goroutine again owns all node
// state. The first workflow-fatal error is returned.
func (e *Executor) dispatchRound(ctx context.Context, state *WorkflowState, ready []*Node, round int) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fatal error
		skips []string
		sem   chan struct{}
	)
	if e.maxConcurrent > 0 {
		sem = make(chan struct{}, e.maxConcurrent)
	}
	for _, node := range ready {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			cascade, err := e.dispatchNode(ctx, state, node, round)
			mu.Lock()
			if cascade {
				skips = append(skips, node.ID)
			}
			if err != nil && fatal == nil {
				fatal = err
			}
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	for _, id := range skips {
		e.skipDependents(state, id)
	}
	return fatal
}

// dispatchNode executes one node: failure-manager gate, RUNNING
// transition, handler race against the timeout, then success or failure
// bookkeeping. Only this goroutine touches the node's state during the
// round.
//
// The boolean asks the caller to cascade a skip to the node's dependents
// after the round barrier; dispatchNode never touches another node's
// state. A non-nil error is workflow-fatal.
func (e *Executor) dispatchNode(ctx context.Context, state *WorkflowState, node *Node, round int) (bool, error) {
	workflowID := state.Definition.ID
	st := state.Nodes[node.ID]
	handling := resolveHandling(e.defaults, state.Definition, node)

	if ok, reason := e.failures.shouldExecute(workflowID, node, handling); !ok {
		switch reason {
		case blockCircuitOpen:
			st.Status = StatusCircuitOpen
			e.metrics.circuitTransition(workflowID, node.ID, BreakerOpen)
			e.emitter.Emit(emit.Event{
				WorkflowID: workflowID,
				NodeID:     node.ID,
				Round:      round,
				Level:      emit.LevelWarn,
				Msg:        "node_blocked_circuit_open",
			})
			return false, nil
		default: // blockPoison
			st.Status = StatusFailed
			st.IsPoisonMessage = true
			st.FailureType = FailurePoison
			st.Error = "node is marked as a poison message"
			return false, &NodeError{
				NodeID:      node.ID,
				FailureType: FailurePoison,
				Err:         errors.New(st.Error),
			}
		}
	}

	handler, ok := e.registry.Lookup(node.Type)
	if !ok {
		// Validation catches this at submit; a hit here means the registry
		// changed underneath a running workflow.
		st.Status = StatusFailed
		st.Error = "no handler registered for type " + node.Type
		return false, &ValidationError{Message: st.Error}
	}

	now := e.clk.Now()
	st.Status = StatusRunning
	st.StartedAt = &now
	st.Attempts++
	st.NextRetryTime = nil

	e.metrics.nodeStarted(workflowID)
	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		NodeID:     node.ID,
		Round:      round,
		Level:      emit.LevelDebug,
		Msg:        "node_started",
		Meta:       map[string]any{"attempt": st.Attempts},
	})

	ec := ExecContext{
		WorkflowID: workflowID,
		Node:       node,
		Inputs:     node.Inputs,
		Context:    state.Context,
		Results:    dependencyResults(state, node),
		Clock:      e.clk,
	}
	timeout := effectiveTimeout(node, e.maxExecutionTime)
	result, err := e.runHandler(ctx, handler, ec, timeout)
	finished := e.clk.Now()
	elapsed := finished.Sub(now)

	if err == nil {
		st.Status = StatusCompleted
		st.Result = result
		st.CompletedAt = &finished
		st.ConsecutiveFailures = 0
		st.Error = ""
		st.FailureType = ""
		e.failures.handleSuccess(workflowID, node, handling)
		e.metrics.nodeFinished(workflowID, node.Type, "completed", elapsed)
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelInfo,
			Msg:        "node_completed",
			Meta:       map[string]any{"duration": elapsed},
		})
		return false, nil
	}

	st.ConsecutiveFailures++
	st.Error = err.Error()
	st.LastFailureTime = &finished

	dispatchStatus := "failed"
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		dispatchStatus = "timeout"
	}
	e.metrics.nodeFinished(workflowID, node.Type, dispatchStatus, elapsed)

	dec := e.failures.handleFailure(workflowID, node, st, handling, err)
	st.FailureType = dec.FailureType
	if dec.FailureType == FailurePoison {
		st.IsPoisonMessage = true
	}

	switch dec.Action {
	case actionRetry:
		retryAt := finished.Add(dec.RetryDelay)
		st.Status = StatusPending
		st.NextRetryTime = &retryAt
		e.metrics.retryScheduled(workflowID, node.ID, dec.FailureType)
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelWarn,
			Msg:        "retry_scheduled",
			Meta: map[string]any{
				"attempt": st.Attempts,
				"delay":   dec.RetryDelay,
				"error":   st.Error,
			},
		})
		return false, nil

	case actionSkip:
		st.Status = StatusSkipped
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelWarn,
			Msg:        "node_skipped",
			Meta:       map[string]any{"error": st.Error},
		})
		return dec.SkipDependents, nil

	case actionDeadLetter:
		st.Status = StatusDeadLettered
		st.DeadLettered = true
		e.metrics.deadLettered(workflowID)
		return false, nil

	case actionFallback:
		st.Status = StatusCompleted
		st.Result = dec.Fallback
		st.CompletedAt = &finished
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelWarn,
			Msg:        "node_fallback_applied",
		})
		return false, nil

	case actionCircuitOpen:
		st.Status = StatusCircuitOpen
		e.metrics.circuitTransition(workflowID, node.ID, BreakerOpen)
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelWarn,
			Msg:        "circuit_opened",
			Meta:       map[string]any{"error": st.Error},
		})
		return false, nil

	default: // actionFail
		st.Status = StatusFailed
		e.emitter.Emit(emit.Event{
			WorkflowID: workflowID,
			NodeID:     node.ID,
			Round:      round,
			Level:      emit.LevelError,
			Msg:        "node_failed",
			Meta:       map[string]any{"error": st.Error, "failure_type": string(dec.FailureType)},
		})
		return false, &NodeError{NodeID: node.ID, FailureType: dec.FailureType, Err: err}
	}
}

// dependencyResults collects the results of the node's completed
// dependencies.
func dependencyResults(state *WorkflowState, node *Node) map[string]any {
	results := make(map[string]any, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		if depState := state.Nodes[dep]; depState != nil && depState.Status == StatusCompleted {
			results[dep] = depState.Result
		}
	}
	return results
}

func allTerminal(state *WorkflowState) bool {
	for _, st := range state.Nodes {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

func anyFailed(state *WorkflowState) bool {
	for _, st := range state.Nodes {
		if st.Status == StatusFailed {
			return true
		}
	}
	return false
}
