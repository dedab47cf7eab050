package flow

import (
	"time"

	"github.com/dshills/dagflow/flow/clock"
	"github.com/dshills/dagflow/flow/emit"
	"github.com/dshills/dagflow/flow/event"
	"github.com/dshills/dagflow/flow/store"
)

// Option configures an Executor.
type Option func(*Executor)

// WithStore sets the persistence adapter (default: in-memory).
func WithStore(s store.Store[*WorkflowState]) Option {
	return func(e *Executor) { e.store = s }
}

// WithRegistry replaces the handler registry. The default registry carries
// the built-in "data" and "delay" handlers.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithHandler registers a handler for a node type on the executor's
// registry.
func WithHandler(nodeType string, h Handler) Option {
	return func(e *Executor) { e.registry.Register(nodeType, h) }
}

// WithEventBus shares an existing bus with the executor. By default each
// executor creates its own.
func WithEventBus(b *event.Bus) Option {
	return func(e *Executor) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithEmitter sets the observability emitter (default: discard).
func WithEmitter(em emit.Emitter) Option {
	return func(e *Executor) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithClock injects the time source used for timestamps, timeouts, retry
// delays, and breaker recovery. Tests use clock.NewManual.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clk = c
		}
	}
}

// WithMaxConcurrent caps how many nodes of one workflow run at the same
// time within a round. Zero or negative means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) { e.maxConcurrent = n }
}

// WithMaxExecutionTime sets the global per-node timeout ceiling. Node
// timeouts above it are clamped; nodes without a timeout inherit it. Zero
// means unbounded.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(e *Executor) { e.maxExecutionTime = d }
}

// WithFailureHandling sets the global failure-handling defaults applied to
// nodes without a node-level or workflow-level override.
func WithFailureHandling(h FailureHandling) Option {
	return func(e *Executor) { e.defaults = h }
}

// WithClassifier replaces the keyword-based failure classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithMetrics attaches a Prometheus collector. Nil disables collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}
