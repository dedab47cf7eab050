package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory implementation of Store[S].
//
// State is held as marshaled JSON so every Save/Load round-trips through the
// same serialization path as the durable adapters. Serialization bugs surface
// in tests instead of in production, and callers cannot mutate stored state
// through shared pointers.
//
// Designed for:
//   - Unit tests
//   - Short-lived workflows where durability is not required
//   - Prototyping before switching to FileStore or a database adapter
//
// All data is lost when the process exits.
type MemoryStore[S any] struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore[S any]() *MemoryStore[S] {
	return &MemoryStore[S]{
		items: make(map[string][]byte),
	}
}

// Save persists the state under the given ID, replacing any previous value.
func (m *MemoryStore[S]) Save(ctx context.Context, id string, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = data
	return nil
}

// Load retrieves the state for an ID. Returns ErrNotFound if the ID has
// never been saved.
func (m *MemoryStore[S]) Load(ctx context.Context, id string) (S, error) {
	m.mu.RLock()
	data, ok := m.items[id]
	m.mu.RUnlock()

	var state S
	if !ok {
		return state, ErrNotFound
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// Delete removes the state for an ID. Returns ErrNotFound if the ID does
// not exist.
func (m *MemoryStore[S]) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

// List returns the IDs of all stored workflows, in unspecified order.
func (m *MemoryStore[S]) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	return ids, nil
}

// Len returns the number of stored workflows. Useful in tests.
func (m *MemoryStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
