package flow

import (
	"context"
	"fmt"
	"time"
)

// effectiveTimeout resolves the timeout for one node: the node's own
// timeout when set, otherwise the executor's global ceiling. A node timeout
// above the ceiling is clamped to it. Zero means unbounded.
func effectiveTimeout(node *Node, ceiling time.Duration) time.Duration {
	timeout := node.Timeout.Duration()
	if timeout <= 0 {
		return ceiling
	}
	if ceiling > 0 && timeout > ceiling {
		return ceiling
	}
	return timeout
}

// handlerOutcome carries a handler's return values across the timeout race.
type handlerOutcome struct {
	result any
	err    error
}

// runHandler races the handler against the effective timeout. On timeout
// the handler's eventual result is discarded and a TimeoutError is
// returned; the handler goroutine sees its context canceled. A handler
// panic is converted to an error.
func (e *Executor) runHandler(ctx context.Context, handler Handler, ec ExecContext, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	// Buffered so a timed-out handler can still deliver and exit.
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := handler.Execute(ctx, ec)
		done <- handlerOutcome{result: result, err: err}
	}()

	if timeout <= 0 {
		select {
		case outcome := <-done:
			return outcome.result, outcome.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-e.clk.After(timeout):
		return nil, &TimeoutError{NodeID: ec.Node.ID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
