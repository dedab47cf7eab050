// Package emit provides pluggable observability for workflow execution.
//
// The executor reports node dispatches, retries, breaker transitions, and
// persistence activity as emit.Events. Backends implement Emitter:
// structured logs (LogEmitter), in-memory capture for tests and dashboards
// (BufferedEmitter), OpenTelemetry spans (OTelEmitter), or nothing at all
// (NullEmitter).
package emit

import "strings"

// Level classifies the severity of an emitted event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a level name to a Level. Unknown names default to
// LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is a single observability record from the executor.
type Event struct {
	// WorkflowID identifies the workflow execution that produced the event.
	WorkflowID string

	// NodeID identifies the node involved. Empty for workflow-level events
	// such as start, persistence, and completion.
	NodeID string

	// Round is the scheduler round during which the event occurred
	// (1-indexed). Zero when no round applies: workflow lifecycle events
	// and failure-manager bookkeeping.
	Round int

	// Level is the event severity.
	Level Level

	// Msg is a short machine-greppable description, e.g. "node_completed",
	// "retry_scheduled", "circuit_opened".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   "error"       failure message
	//   "attempts"    node attempt counter
	//   "delay_ms"    scheduled retry delay
	//   "duration_ms" handler execution time
	//   "status"      node or workflow status after the event
	Meta map[string]any
}

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use, must not block the
// executor, and must not panic; failures are handled internally.
type Emitter interface {
	Emit(event Event)
}
