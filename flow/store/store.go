// Package store provides keyed persistence for workflow state.
//
// The executor saves the complete workflow state once per scheduler round;
// any persisted snapshot is a valid restart point. Adapters only need the
// four keyed operations below: no transactions, no partial updates.
//
// Reference implementations:
//   - MemoryStore: process-local map (tests, short-lived workflows)
//   - FileStore: one JSON file per workflow under a prefix, atomic rename
//   - HTTPStore: remote REST persistence service
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: shared relational persistence via go-sql-driver/mysql
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested workflow ID does not exist.
var ErrNotFound = errors.New("not found")

// Store persists workflow state keyed by workflow ID.
//
// At-most-one writer per workflow ID is assumed; the executor's local
// running-set enforces it, so adapters do not have to.
//
// Serialization is JSON with RFC 3339 timestamps. Type parameter S is the
// state type to persist.
type Store[S any] interface {
	// Save persists the state under the given workflow ID, replacing any
	// previous snapshot.
	Save(ctx context.Context, id string, state S) error

	// Load retrieves the state for a workflow ID. Returns ErrNotFound
	// when the ID has never been saved or was deleted.
	Load(ctx context.Context, id string) (S, error)

	// Delete removes the state for a workflow ID. Returns ErrNotFound
	// when the ID does not exist.
	Delete(ctx context.Context, id string) error

	// List returns the IDs of all persisted workflows.
	List(ctx context.Context) ([]string, error)
}
