package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/dagflow/flow/emit"
	"github.com/dshills/dagflow/flow/event"
)

// failTimes returns a handler that fails its first n calls with the given
// message, then succeeds with result.
func failTimes(n int, errMsg string, result any) HandlerFunc {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, ec ExecContext) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return nil, errors.New(errMsg)
		}
		return result, nil
	}
}

// fastRetry is a deterministic retry config for tests: tight delays, no
// jitter.
func fastRetry(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       maxAttempts,
		Delay:             Millis(10 * time.Millisecond),
		BackoffMultiplier: 2,
		MaxDelay:          Millis(time.Second),
	}
}

func TestStartWorkflow_LinearSuccess(t *testing.T) {
	exec := NewExecutor(
		WithHandler("upper", HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
			// The middle node sees its dependency's result.
			return ec.Results["extract"], nil
		})),
	)
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-linear",
		Nodes: []Node{
			{ID: "extract", Type: "data", Inputs: map[string]any{"value": "payload"}},
			{ID: "transform", Type: "upper", Dependencies: []string{"extract"}},
			{ID: "load", Type: "data", Dependencies: []string{"transform"}},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, map[string]any{"env": "test"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}
	if len(result.NodeResults) != 3 {
		t.Fatalf("node results = %v", result.NodeResults)
	}

	transformed, ok := result.NodeResults["transform"].(map[string]any)
	if !ok || transformed["value"] != "payload" {
		t.Errorf("transform result = %v, want the extract output", result.NodeResults["transform"])
	}

	state, err := exec.GetWorkflowState(context.Background(), "wf-linear")
	if err != nil {
		t.Fatalf("GetWorkflowState: %v", err)
	}
	if state.Status != WorkflowCompleted || state.CompletedAt == nil {
		t.Errorf("persisted status = %v, completedAt = %v", state.Status, state.CompletedAt)
	}
	for id, st := range state.Nodes {
		if st.Status != StatusCompleted || st.Attempts != 1 {
			t.Errorf("node %s = %v attempts %d", id, st.Status, st.Attempts)
		}
	}

	ids, err := exec.ListWorkflows(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "wf-linear" {
		t.Errorf("ListWorkflows = (%v, %v)", ids, err)
	}
}

func TestStartWorkflow_ParallelBranchesShareARound(t *testing.T) {
	// Both branch handlers block until the other has started. If the
	// executor dispatched them sequentially the workflow would hang, so a
	// timeout guards the rendezvous.
	var ready sync.WaitGroup
	ready.Add(2)
	rendezvous := func(ctx context.Context, ec ExecContext) (any, error) {
		ready.Done()
		done := make(chan struct{})
		go func() { ready.Wait(); close(done) }()
		select {
		case <-done:
			return ec.Node.ID, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("branches did not run concurrently")
		}
	}

	exec := NewExecutor(WithHandler("branch", HandlerFunc(rendezvous)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-parallel",
		Nodes: []Node{
			{ID: "root", Type: "data"},
			{ID: "left", Type: "branch", Dependencies: []string{"root"}},
			{ID: "right", Type: "branch", Dependencies: []string{"root"}},
			{ID: "join", Type: "data", Dependencies: []string{"left", "right"}},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}
}

func TestStartWorkflow_RetryThenSucceed(t *testing.T) {
	exec := NewExecutor(WithHandler("flaky", failTimes(2, "connection refused", "recovered")))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-retry",
		Nodes: []Node{
			{ID: "fetch", Type: "flaky", RetryConfig: fastRetry(3)},
		},
	}

	started := time.Now()
	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}
	if result.NodeResults["fetch"] != "recovered" {
		t.Errorf("result = %v", result.NodeResults["fetch"])
	}

	// Two retries with 10ms and 20ms backoff must have elapsed.
	if elapsed := time.Since(started); elapsed < 30*time.Millisecond {
		t.Errorf("workflow finished in %v, want >= 30ms of backoff", elapsed)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-retry")
	if st := state.Nodes["fetch"]; st.Attempts != 3 || st.ConsecutiveFailures != 0 {
		t.Errorf("attempts = %d, consecutive failures = %d", st.Attempts, st.ConsecutiveFailures)
	}

	metrics := exec.GetFailureMetrics("wf-retry")["fetch"]
	if metrics == nil || metrics.TotalFailures != 2 || metrics.TotalSuccesses != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestStartWorkflow_RetryExhaustedFails(t *testing.T) {
	exec := NewExecutor(WithHandler("broken", failTimes(100, "connection refused", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-exhausted",
		Nodes: []Node{
			{ID: "fetch", Type: "broken", RetryConfig: fastRetry(2)},
			{ID: "after", Type: "data", Dependencies: []string{"fetch"}},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err == nil {
		t.Fatal("exhausted workflow returned no error")
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.NodeID != "fetch" {
		t.Fatalf("error = %v, want NodeError for fetch", err)
	}
	if result.Status != WorkflowFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-exhausted")
	if state.Nodes["fetch"].Status != StatusFailed {
		t.Errorf("fetch status = %v", state.Nodes["fetch"].Status)
	}
	// The dependent never ran.
	if state.Nodes["after"].Status != StatusPending {
		t.Errorf("after status = %v, want PENDING", state.Nodes["after"].Status)
	}
}

func TestStartWorkflow_DeadLetterContinues(t *testing.T) {
	exec := NewExecutor(WithHandler("broken", failTimes(100, "card declined, connection dropped", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-dlq",
		FailureHandling: &FailureHandling{
			Strategy:   RetryAndDLQ,
			DeadLetter: &DeadLetterConfig{Enabled: true},
		},
		Nodes: []Node{
			{ID: "independent", Type: "data"},
			{ID: "charge", Type: "broken", RetryConfig: fastRetry(2)},
			{ID: "receipt", Type: "data", Dependencies: []string{"charge"}},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	// Dead-lettering is terminal for the node but not fatal for the
	// workflow; the independent branch completed.
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-dlq")
	if st := state.Nodes["charge"]; st.Status != StatusDeadLettered || !st.DeadLettered {
		t.Errorf("charge = %+v", st)
	}
	// Dependents of a dead-lettered node cascade to SKIPPED.
	if state.Nodes["receipt"].Status != StatusSkipped {
		t.Errorf("receipt status = %v, want SKIPPED", state.Nodes["receipt"].Status)
	}
	if state.Nodes["independent"].Status != StatusCompleted {
		t.Errorf("independent status = %v", state.Nodes["independent"].Status)
	}

	items := exec.GetDeadLetterQueue("wf-dlq")
	if len(items) != 1 {
		t.Fatalf("DLQ items = %d, want 1", len(items))
	}
	if items[0].NodeID != "charge" || items[0].Attempts != 2 || !items[0].CanRetry {
		t.Errorf("item = %+v", items[0])
	}
	if len(result.DeadLetterItems) != 1 {
		t.Errorf("result DLQ items = %d", len(result.DeadLetterItems))
	}
}

func TestRetryDeadLetterItem_FullCycle(t *testing.T) {
	// Fails twice (exhausting maxAttempts), succeeds on the third call
	// after the item is re-submitted.
	exec := NewExecutor(WithHandler("flaky", failTimes(2, "connection refused", "done")))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-dlq-retry",
		FailureHandling: &FailureHandling{
			Strategy:   RetryAndDLQ,
			DeadLetter: &DeadLetterConfig{Enabled: true},
		},
		Nodes: []Node{
			{ID: "charge", Type: "flaky", RetryConfig: fastRetry(2)},
		},
	}

	ctx := context.Background()
	if _, err := exec.StartWorkflow(ctx, def, nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	items := exec.GetDeadLetterQueue("wf-dlq-retry")
	if len(items) != 1 {
		t.Fatalf("DLQ items = %d, want 1", len(items))
	}

	item, err := exec.RetryDeadLetterItem(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("RetryDeadLetterItem: %v", err)
	}
	if item.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", item.RetryCount)
	}

	// The node is reset in persisted state, ready for resume.
	state, _ := exec.GetWorkflowState(ctx, "wf-dlq-retry")
	if st := state.Nodes["charge"]; st.Status != StatusPending || st.DeadLettered {
		t.Fatalf("charge after re-submit = %+v", st)
	}
	if state.Status != WorkflowWaiting {
		t.Fatalf("workflow status = %v, want WAITING", state.Status)
	}

	result, err := exec.ResumeWorkflow(ctx, "wf-dlq-retry")
	if err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted || result.NodeResults["charge"] != "done" {
		t.Fatalf("resume result = %v %v", result.Status, result.NodeResults)
	}

	// The item was consumed; a second re-submit fails.
	if _, err := exec.RetryDeadLetterItem(ctx, items[0].ID); err == nil {
		t.Fatal("second RetryDeadLetterItem succeeded")
	} else {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("error = %v, want NotFoundError", err)
		}
	}
}

// Caller-supplied callbacks may read executor state; a DLQ handler that
// queries the queue must not block the workflow.
func TestStartWorkflow_DLQHandlerReadsExecutorState(t *testing.T) {
	var exec *Executor
	var seen []DeadLetterItem
	done := make(chan struct{})

	exec = NewExecutor(WithHandler("broken", failTimes(100, "connection dropped", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-dlq-callback",
		FailureHandling: &FailureHandling{
			Strategy: RetryAndDLQ,
			DeadLetter: &DeadLetterConfig{
				Enabled: true,
				Handler: func(item DeadLetterItem) {
					seen = exec.GetDeadLetterQueue(item.WorkflowID)
					close(done)
				},
			},
		},
		Nodes: []Node{
			{ID: "charge", Type: "broken", RetryConfig: fastRetry(1)},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DLQ handler never ran")
	}
	if len(seen) != 1 || seen[0].NodeID != "charge" {
		t.Fatalf("handler saw queue = %v, want the parked item", seen)
	}
}

// Same contract for the alert handler: it may call back into the executor.
func TestStartWorkflow_AlertHandlerReadsExecutorState(t *testing.T) {
	var exec *Executor
	var metrics map[string]*NodeFailureMetrics
	done := make(chan struct{})

	exec = NewExecutor(WithHandler("broken", failTimes(100, "service unavailable", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-alert-callback",
		FailureHandling: &FailureHandling{
			Strategy: CircuitBreaker,
			CircuitBreaker: &CircuitBreakerConfig{
				FailureThreshold: 1,
				RecoveryTimeout:  Millis(time.Minute),
			},
			Monitoring: &MonitoringConfig{
				AlertHandler: func(a Alert) {
					metrics = exec.GetFailureMetrics(a.WorkflowID)
					close(done)
				},
			},
		},
		Nodes: []Node{
			{ID: "call", Type: "broken", RetryConfig: fastRetry(5)},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowWaiting {
		t.Fatalf("status = %v, want WAITING", result.Status)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("alert handler never ran")
	}
	if m := metrics["call"]; m == nil || m.TotalFailures != 1 {
		t.Fatalf("handler saw metrics = %+v", metrics)
	}
}

func TestStartWorkflow_CircuitBreakerOpensAndRecovers(t *testing.T) {
	exec := NewExecutor(WithHandler("api", failTimes(1, "service unavailable", "payload")))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-breaker",
		FailureHandling: &FailureHandling{
			Strategy: CircuitBreaker,
			CircuitBreaker: &CircuitBreakerConfig{
				FailureThreshold: 1,
				RecoveryTimeout:  Millis(50 * time.Millisecond),
				SuccessThreshold: 1,
			},
		},
		Nodes: []Node{
			{ID: "call", Type: "api", RetryConfig: fastRetry(5)},
		},
	}

	ctx := context.Background()
	result, err := exec.StartWorkflow(ctx, def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	// The first failure trips the breaker; the workflow parks as WAITING
	// instead of failing, so it can be resumed after the recovery timeout.
	if result.Status != WorkflowWaiting {
		t.Fatalf("status = %v, want WAITING", result.Status)
	}

	state, _ := exec.GetWorkflowState(ctx, "wf-breaker")
	if state.Nodes["call"].Status != StatusCircuitOpen {
		t.Fatalf("node status = %v, want CIRCUIT_OPEN", state.Nodes["call"].Status)
	}
	if state.CircuitBreakers["call"] == nil || state.CircuitBreakers["call"].State != BreakerOpen {
		t.Fatalf("persisted breaker = %+v", state.CircuitBreakers["call"])
	}

	// Resuming inside the recovery window leaves the workflow WAITING.
	result, err = exec.ResumeWorkflow(ctx, "wf-breaker")
	if err != nil {
		t.Fatalf("early resume: %v", err)
	}
	if result.Status != WorkflowWaiting {
		t.Fatalf("early resume status = %v, want WAITING", result.Status)
	}

	// After the recovery timeout the probe runs and the handler succeeds.
	time.Sleep(60 * time.Millisecond)
	result, err = exec.ResumeWorkflow(ctx, "wf-breaker")
	if err != nil {
		t.Fatalf("resume after recovery: %v", err)
	}
	if result.Status != WorkflowCompleted || result.NodeResults["call"] != "payload" {
		t.Fatalf("resume result = %v %v", result.Status, result.NodeResults)
	}
}

func TestStartWorkflow_EventGating(t *testing.T) {
	exec := NewExecutor()
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-events",
		Nodes: []Node{
			{ID: "prepare", Type: "data"},
			{
				ID:            "publish",
				Type:          "data",
				Dependencies:  []string{"prepare"},
				WaitForEvents: []string{"approval_granted"},
			},
		},
	}

	ctx := context.Background()
	result, err := exec.StartWorkflow(ctx, def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowWaiting {
		t.Fatalf("status = %v, want WAITING", result.Status)
	}

	state, _ := exec.GetWorkflowState(ctx, "wf-events")
	st := state.Nodes["publish"]
	if st.Status != StatusWaiting {
		t.Fatalf("publish status = %v, want WAITING", st.Status)
	}
	if len(st.WaitingForEvents) != 1 || st.WaitingForEvents[0] != "approval_granted" {
		t.Fatalf("waitingForEvents = %v", st.WaitingForEvents)
	}

	// An event targeted at a different node does not unblock it.
	exec.EmitEvent(event.Event{Type: "approval_granted", NodeID: "someone-else"})
	result, err = exec.ResumeWorkflow(ctx, "wf-events")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.Status != WorkflowWaiting {
		t.Fatalf("status after mistargeted event = %v, want WAITING", result.Status)
	}

	// An untargeted event of the right type satisfies the gate.
	exec.EmitEvent(event.Event{Type: "approval_granted", Data: map[string]any{"by": "reviewer"}})
	result, err = exec.ResumeWorkflow(ctx, "wf-events")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status after approval = %v, want COMPLETED", result.Status)
	}

	// The satisfying event was copied into persisted state.
	state, _ = exec.GetWorkflowState(ctx, "wf-events")
	found := false
	for _, evt := range state.Events {
		if evt.Type == "approval_granted" {
			found = true
		}
	}
	if !found {
		t.Error("satisfying event not recorded in persisted state")
	}
}

func TestStartWorkflow_Concurrency(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	exec := NewExecutor(WithHandler("block", HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return "ok", nil
	})))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID:    "wf-conc",
		Nodes: []Node{{ID: "a", Type: "block"}},
	}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, err := exec.StartWorkflow(ctx, def, nil)
		errCh <- err
	}()
	<-started

	_, err := exec.StartWorkflow(ctx, def, nil)
	var conc *ConcurrencyError
	if !errors.As(err, &conc) {
		t.Fatalf("second start error = %v, want ConcurrencyError", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first start: %v", err)
	}
}

func TestStartWorkflow_RefusesPersistedRunning(t *testing.T) {
	// A state persisted as RUNNING looks like another process's live
	// execution.
	exec := NewExecutor()
	defer exec.Close()

	def := &WorkflowDefinition{ID: "wf-ghost", Nodes: []Node{{ID: "a", Type: "data"}}}
	state := NewWorkflowState(def, nil, time.Now())
	if err := exec.store.Save(context.Background(), def.ID, state); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	_, err := exec.StartWorkflow(context.Background(), def, nil)
	var conc *ConcurrencyError
	if !errors.As(err, &conc) {
		t.Fatalf("error = %v, want ConcurrencyError", err)
	}
}

func TestResumeWorkflow_Errors(t *testing.T) {
	exec := NewExecutor()
	defer exec.Close()
	ctx := context.Background()

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := exec.ResumeWorkflow(ctx, "nope")
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("error = %v, want NotFoundError", err)
		}
	})

	t.Run("already completed", func(t *testing.T) {
		def := &WorkflowDefinition{ID: "wf-done", Nodes: []Node{{ID: "a", Type: "data"}}}
		if _, err := exec.StartWorkflow(ctx, def, nil); err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		if _, err := exec.ResumeWorkflow(ctx, "wf-done"); !errors.Is(err, ErrWorkflowCompleted) {
			t.Fatalf("error = %v, want ErrWorkflowCompleted", err)
		}
	})
}

func TestStartWorkflow_Timeout(t *testing.T) {
	exec := NewExecutor(WithHandler("slow", HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-timeout",
		Nodes: []Node{
			{
				ID:          "slow",
				Type:        "slow",
				Timeout:     Millis(20 * time.Millisecond),
				RetryConfig: &RetryConfig{MaxAttempts: 1},
			},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err == nil {
		t.Fatal("timed-out workflow returned no error")
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.NodeID != "slow" {
		t.Fatalf("error = %v, want TimeoutError for slow", err)
	}
	if result.Status != WorkflowFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-timeout")
	st := state.Nodes["slow"]
	if st.Status != StatusFailed {
		t.Errorf("node status = %v, want FAILED", st.Status)
	}
	// The handler's eventual result is discarded.
	if st.Result != nil {
		t.Errorf("node result = %v, want discarded", st.Result)
	}
}

func TestStartWorkflow_PoisonDetection(t *testing.T) {
	exec := NewExecutor(WithHandler("broken", failTimes(100, "connection refused", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-poison",
		FailureHandling: &FailureHandling{
			Strategy:               RetryAndFail,
			PoisonMessageThreshold: 2,
		},
		Nodes: []Node{
			{ID: "a", Type: "broken", RetryConfig: fastRetry(10)},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err == nil {
		t.Fatal("poisoned workflow returned no error")
	}
	if result.Status != WorkflowFailed {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-poison")
	st := state.Nodes["a"]
	if !st.IsPoisonMessage || st.FailureType != FailurePoison {
		t.Errorf("node = %+v, want poison marks", st)
	}
	if st.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (stopped at the threshold)", st.Attempts)
	}
}

func TestStartWorkflow_GracefulDegradation(t *testing.T) {
	t.Run("fallback result feeds dependents", func(t *testing.T) {
		exec := NewExecutor(
			WithHandler("broken", failTimes(100, "timeout", nil)),
			WithHandler("render", HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
				return ec.Results["recommend"], nil
			})),
		)
		defer exec.Close()

		def := &WorkflowDefinition{
			ID: "wf-fallback",
			FailureHandling: &FailureHandling{
				Strategy: GracefulDegradation,
				GracefulDegradation: &DegradationConfig{
					FallbackResults: map[string]any{"recommend": "top-sellers"},
				},
			},
			Nodes: []Node{
				{ID: "recommend", Type: "broken", RetryConfig: fastRetry(1)},
				{ID: "render", Type: "render", Dependencies: []string{"recommend"}},
			},
		}

		result, err := exec.StartWorkflow(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		if result.Status != WorkflowCompleted {
			t.Fatalf("status = %v, want COMPLETED", result.Status)
		}
		if result.NodeResults["recommend"] != "top-sellers" {
			t.Errorf("recommend result = %v, want the fallback", result.NodeResults["recommend"])
		}
		if result.NodeResults["render"] != "top-sellers" {
			t.Errorf("render result = %v, want the fallback passed through", result.NodeResults["render"])
		}
	})

	t.Run("skip cascades to dependents", func(t *testing.T) {
		exec := NewExecutor(WithHandler("broken", failTimes(100, "timeout", nil)))
		defer exec.Close()

		def := &WorkflowDefinition{
			ID: "wf-degrade-skip",
			FailureHandling: &FailureHandling{
				Strategy: GracefulDegradation,
				GracefulDegradation: &DegradationConfig{
					ContinueOnNodeFailure: true,
					SkipDependentNodes:    true,
				},
			},
			Nodes: []Node{
				{ID: "optional", Type: "broken", RetryConfig: fastRetry(1)},
				{ID: "child", Type: "data", Dependencies: []string{"optional"}},
				{ID: "grandchild", Type: "data", Dependencies: []string{"child"}},
				{ID: "main", Type: "data"},
			},
		}

		result, err := exec.StartWorkflow(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		if result.Status != WorkflowCompleted {
			t.Fatalf("status = %v, want COMPLETED", result.Status)
		}

		state, _ := exec.GetWorkflowState(context.Background(), "wf-degrade-skip")
		for _, id := range []string{"optional", "child", "grandchild"} {
			if got := state.Nodes[id].Status; got != StatusSkipped {
				t.Errorf("node %s = %v, want SKIPPED", id, got)
			}
		}
		if state.Nodes["main"].Status != StatusCompleted {
			t.Errorf("main = %v, want COMPLETED", state.Nodes["main"].Status)
		}
	})
}

// Two nodes exhausting retries in the same round may both cascade skips to
// a shared dependent; the cascades are applied after the round barrier.
func TestStartWorkflow_ConcurrentSkipCascades(t *testing.T) {
	exec := NewExecutor(WithHandler("broken", failTimes(100, "timeout", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-dual-skip",
		FailureHandling: &FailureHandling{
			Strategy: GracefulDegradation,
			GracefulDegradation: &DegradationConfig{
				ContinueOnNodeFailure: true,
				SkipDependentNodes:    true,
			},
		},
		Nodes: []Node{
			{ID: "left", Type: "broken", RetryConfig: fastRetry(1)},
			{ID: "right", Type: "broken", RetryConfig: fastRetry(1)},
			{ID: "join", Type: "data", Dependencies: []string{"left", "right"}},
			{ID: "after", Type: "data", Dependencies: []string{"join"}},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("status = %v, want COMPLETED", result.Status)
	}

	state, _ := exec.GetWorkflowState(context.Background(), "wf-dual-skip")
	for _, id := range []string{"left", "right", "join", "after"} {
		if got := state.Nodes[id].Status; got != StatusSkipped {
			t.Errorf("node %s = %v, want SKIPPED", id, got)
		}
	}
}

// MaxRetries bounds dead-letter re-submissions: once the budget is spent, a
// re-parked item is not retryable and stays in the queue.
func TestRetryDeadLetterItem_BudgetExhausted(t *testing.T) {
	exec := NewExecutor(WithHandler("broken", failTimes(100, "connection refused", nil)))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-dlq-budget",
		FailureHandling: &FailureHandling{
			Strategy:   RetryAndDLQ,
			DeadLetter: &DeadLetterConfig{Enabled: true, MaxRetries: 1},
		},
		Nodes: []Node{
			{ID: "charge", Type: "broken", RetryConfig: fastRetry(1)},
		},
	}

	ctx := context.Background()
	if _, err := exec.StartWorkflow(ctx, def, nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	items := exec.GetDeadLetterQueue("wf-dlq-budget")
	if len(items) != 1 || !items[0].CanRetry {
		t.Fatalf("first park = %v", items)
	}

	// First re-submission consumes the budget.
	item, err := exec.RetryDeadLetterItem(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("RetryDeadLetterItem: %v", err)
	}
	if item.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", item.RetryCount)
	}
	if _, err := exec.ResumeWorkflow(ctx, "wf-dlq-budget"); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}

	items = exec.GetDeadLetterQueue("wf-dlq-budget")
	if len(items) != 1 {
		t.Fatalf("queue after failed re-submission = %v", items)
	}
	if items[0].RetryCount != 1 || items[0].CanRetry {
		t.Fatalf("re-parked item = %+v, want retryCount 1 and canRetry false", items[0])
	}

	// The exhausted item cannot be re-submitted and is not consumed by the
	// attempt.
	_, err = exec.RetryDeadLetterItem(ctx, items[0].ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if got := exec.GetDeadLetterQueue("wf-dlq-budget"); len(got) != 1 {
		t.Fatal("rejected re-submission removed the item")
	}
}

// Emitted events carry the 1-indexed scheduler round they occurred in.
func TestStartWorkflow_EmitsRoundNumbers(t *testing.T) {
	buffered := emit.NewBufferedEmitter()
	exec := NewExecutor(WithEmitter(buffered))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-rounds",
		Nodes: []Node{
			{ID: "a", Type: "data"},
			{ID: "b", Type: "data", Dependencies: []string{"a"}},
			{ID: "c", Type: "data", Dependencies: []string{"b"}},
		},
	}

	if _, err := exec.StartWorkflow(context.Background(), def, nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	rounds := make(map[string]int)
	for _, evt := range buffered.GetHistory("wf-rounds") {
		if evt.Msg == "node_started" {
			rounds[evt.NodeID] = evt.Round
		}
	}
	want := map[string]int{"a": 1, "b": 2, "c": 3}
	for id, round := range want {
		if rounds[id] != round {
			t.Errorf("node %s started in round %d, want %d", id, rounds[id], round)
		}
	}
}

func TestDeleteWorkflow(t *testing.T) {
	exec := NewExecutor()
	defer exec.Close()
	ctx := context.Background()

	def := &WorkflowDefinition{ID: "wf-del", Nodes: []Node{{ID: "a", Type: "data"}}}
	if _, err := exec.StartWorkflow(ctx, def, nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := exec.DeleteWorkflow(ctx, "wf-del"); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}

	var nf *NotFoundError
	if _, err := exec.GetWorkflowState(ctx, "wf-del"); !errors.As(err, &nf) {
		t.Fatalf("GetWorkflowState after delete = %v, want NotFoundError", err)
	}
	if err := exec.DeleteWorkflow(ctx, "wf-del"); !errors.As(err, &nf) {
		t.Fatalf("second delete = %v, want NotFoundError", err)
	}
	if len(exec.GetFailureMetrics("wf-del")) != 0 {
		t.Error("failure metrics survived delete")
	}
}

func TestStartWorkflow_RejectsInvalidDefinition(t *testing.T) {
	exec := NewExecutor()
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-bad",
		Nodes: []Node{
			{ID: "a", Type: "data", Dependencies: []string{"missing"}},
		},
	}

	_, err := exec.StartWorkflow(context.Background(), def, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}

	// Nothing was persisted.
	var nf *NotFoundError
	if _, err := exec.GetWorkflowState(context.Background(), "wf-bad"); !errors.As(err, &nf) {
		t.Fatal("invalid workflow left persisted state behind")
	}
}

func TestStartWorkflow_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	observe := HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return nil, nil
	})

	exec := NewExecutor(WithHandler("observe", observe), WithMaxConcurrent(2))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-bounded",
		Nodes: []Node{
			{ID: "a", Type: "observe"},
			{ID: "b", Type: "observe"},
			{ID: "c", Type: "observe"},
			{ID: "d", Type: "observe"},
			{ID: "e", Type: "observe"},
		},
	}

	result, err := exec.StartWorkflow(context.Background(), def, nil)
	if err != nil || result.Status != WorkflowCompleted {
		t.Fatalf("run = (%v, %v)", result, err)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestStartWorkflow_ContextCancellationParksWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	exec := NewExecutor(WithHandler("block", HandlerFunc(func(ctx context.Context, ec ExecContext) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})))
	defer exec.Close()

	def := &WorkflowDefinition{
		ID: "wf-cancel",
		Nodes: []Node{
			{ID: "a", Type: "block", RetryConfig: &RetryConfig{MaxAttempts: 1}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := exec.StartWorkflow(ctx, def, nil)
	if result == nil {
		t.Fatalf("no result on cancellation, err = %v", err)
	}
	// Cancellation fails the attempt; with maxAttempts 1 and a context
	// error the node lands FAILED and the workflow does not complete.
	if result.Status == WorkflowCompleted {
		t.Fatalf("status = %v after cancellation", result.Status)
	}
}
