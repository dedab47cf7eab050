package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// workflow ID.
//
// Intended for tests, debugging, and post-run analysis. All events are held
// in memory; long-running deployments should prefer LogEmitter or
// OTelEmitter, or clear buffers periodically.
//
// Example:
//
//	emitter := emit.NewBufferedEmitter()
//	// ... run a workflow with this emitter ...
//	retries := emitter.GetHistoryWithFilter("wf-001", emit.HistoryFilter{Msg: "retry_scheduled"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events in emission order
}

// HistoryFilter selects a subset of a workflow's events. All set fields
// must match (AND logic); zero fields are ignored.
type HistoryFilter struct {
	// NodeID filters by node (empty = all nodes).
	NodeID string

	// Msg filters by message (empty = all messages).
	Msg string

	// MinLevel drops events below the given level when non-nil.
	MinLevel *Level

	// MinRound / MaxRound bound the scheduler round when non-nil.
	MinRound *int
	MaxRound *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its workflow's buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory returns all events recorded for a workflow, in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the workflow's events matching the filter,
// in emission order.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinLevel != nil && event.Level < *filter.MinLevel {
		return false
	}
	if filter.MinRound != nil && event.Round < *filter.MinRound {
		return false
	}
	if filter.MaxRound != nil && event.Round > *filter.MaxRound {
		return false
	}
	return true
}

// Clear removes stored events for one workflow, or for all workflows when
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, workflowID)
	}
}
