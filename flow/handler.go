package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/dagflow/flow/clock"
)

// ExecContext is everything a handler may read while executing one node.
// Handlers must treat all of it as read-only; concurrent handlers for
// different nodes run in parallel.
type ExecContext struct {
	WorkflowID string

	// Node is the definition node being executed.
	Node *Node

	// Inputs is node.Inputs.
	Inputs map[string]any

	// Context is the caller-supplied map passed at workflow start.
	Context map[string]any

	// Results holds the results of this node's completed dependencies,
	// keyed by node ID.
	Results map[string]any

	// Clock is the executor's time source. Handlers that sleep or stamp
	// times should use it so tests stay deterministic.
	Clock clock.Clock
}

// Handler executes one node's operation. The engine defines no operation
// semantics beyond this contract; built-in operation catalogues are
// supplied by the caller through the registry.
//
// Any returned error is classified by the failure manager and handled per
// the node's strategy.
type Handler interface {
	Execute(ctx context.Context, ec ExecContext) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec ExecContext) (any, error)

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, ec ExecContext) (any, error) {
	return f(ctx, ec)
}

// Registry maps node types to handlers.
//
// NewRegistry pre-registers two handlers the engine also uses internally:
//
//   - "data": pass-through, returns a copy of the node's inputs
//   - "delay": sleeps for inputs["duration"] milliseconds, then returns
//     the remaining inputs
//
// Both may be overwritten by Register.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry with the built-in "data" and "delay"
// handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("data", HandlerFunc(dataHandler))
	r.Register("delay", HandlerFunc(delayHandler))
	return r
}

// Register installs a handler for a node type, replacing any previous one.
func (r *Registry) Register(nodeType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = handler
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Has reports whether a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.Lookup(nodeType)
	return ok
}

// Types returns the registered node types, in unspecified order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// dataHandler returns a copy of the node's inputs unchanged.
func dataHandler(ctx context.Context, ec ExecContext) (any, error) {
	out := make(map[string]any, len(ec.Inputs))
	for k, v := range ec.Inputs {
		out[k] = v
	}
	return out, nil
}

// delayHandler sleeps for inputs["duration"] milliseconds, honoring
// cancellation, then returns the remaining inputs.
func delayHandler(ctx context.Context, ec ExecContext) (any, error) {
	duration, err := durationInput(ec.Inputs["duration"])
	if err != nil {
		return nil, err
	}

	if duration > 0 {
		select {
		case <-ec.Clock.After(duration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make(map[string]any, len(ec.Inputs))
	for k, v := range ec.Inputs {
		if k != "duration" {
			out[k] = v
		}
	}
	return out, nil
}

// durationInput accepts the numeric types JSON decoding can produce.
func durationInput(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, fmt.Errorf("validation: delay node requires a duration input")
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("validation: duration must be a number of milliseconds, got %T", raw)
	}
}
