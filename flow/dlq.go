package flow

import (
	"time"

	"github.com/google/uuid"
)

// deadLetterQueue parks node failures that exhausted their retries, grouped
// per workflow. Callers hold the failure manager's lock.
type deadLetterQueue struct {
	byWorkflow map[string][]DeadLetterItem
}

func newDeadLetterQueue() *deadLetterQueue {
	return &deadLetterQueue{byWorkflow: make(map[string][]DeadLetterItem)}
}

// park adds an item for the failed node and returns it. priorRetries is how
// many times the node has already been re-submitted from the queue; once it
// reaches the configured MaxRetries the item parks as non-retryable.
func (q *deadLetterQueue) park(workflowID string, node Node, errMsg string, failureType FailureType, attempts, priorRetries int, cfg *DeadLetterConfig, now time.Time) DeadLetterItem {
	maxRetries := 3
	if cfg != nil && cfg.MaxRetries > 0 {
		maxRetries = cfg.MaxRetries
	}
	item := DeadLetterItem{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		NodeID:       node.ID,
		OriginalNode: node,
		Error:        errMsg,
		FailureType:  failureType,
		Attempts:     attempts,
		Timestamp:    now,
		RetryCount:   priorRetries,
		CanRetry:     priorRetries < maxRetries,
	}
	q.byWorkflow[workflowID] = append(q.byWorkflow[workflowID], item)
	return item
}

// peek returns the item with the given ID without removing it.
func (q *deadLetterQueue) peek(itemID string) (DeadLetterItem, bool) {
	for _, items := range q.byWorkflow {
		for _, item := range items {
			if item.ID == itemID {
				return item, true
			}
		}
	}
	return DeadLetterItem{}, false
}

// items returns a copy of the workflow's parked items, oldest first.
func (q *deadLetterQueue) items(workflowID string) []DeadLetterItem {
	items := q.byWorkflow[workflowID]
	out := make([]DeadLetterItem, len(items))
	copy(out, items)
	return out
}

// take removes the item with the given ID and returns it with an
// incremented retry count. Returns false if no such item exists, which
// makes a second take of the same ID fail cleanly.
func (q *deadLetterQueue) take(itemID string) (DeadLetterItem, bool) {
	for workflowID, items := range q.byWorkflow {
		for i, item := range items {
			if item.ID != itemID {
				continue
			}
			q.byWorkflow[workflowID] = append(items[:i:i], items[i+1:]...)
			if len(q.byWorkflow[workflowID]) == 0 {
				delete(q.byWorkflow, workflowID)
			}
			item.RetryCount++
			return item, true
		}
	}
	return DeadLetterItem{}, false
}

// replace installs a workflow's items from a persisted snapshot.
func (q *deadLetterQueue) replace(workflowID string, items []DeadLetterItem) {
	if len(items) == 0 {
		delete(q.byWorkflow, workflowID)
		return
	}
	copied := make([]DeadLetterItem, len(items))
	copy(copied, items)
	q.byWorkflow[workflowID] = copied
}

// prune drops items older than the retention period.
func (q *deadLetterQueue) prune(retention time.Duration, now time.Time) {
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	for workflowID, items := range q.byWorkflow {
		kept := items[:0]
		for _, item := range items {
			if item.Timestamp.After(cutoff) {
				kept = append(kept, item)
			}
		}
		if len(kept) == 0 {
			delete(q.byWorkflow, workflowID)
		} else {
			q.byWorkflow[workflowID] = kept
		}
	}
}
