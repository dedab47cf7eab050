package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a filesystem implementation of Store[S].
//
// Each workflow is written to its own JSON file named <prefix><id>.json in
// the configured directory. Writes go to a temporary file in the same
// directory followed by a rename, so readers never observe a partially
// written snapshot.
//
// Designed for:
//   - Single-process deployments that must survive restarts
//   - Development and debugging (snapshots are plain JSON, inspectable
//     with any text editor)
//
// Workflow IDs become filenames, so IDs containing path separators are
// rejected.
type FileStore[S any] struct {
	mu     sync.Mutex
	dir    string
	prefix string
}

// NewFileStore creates a FileStore rooted at dir, creating the directory if
// needed. Files are named <prefix><id>.json; an empty prefix is allowed.
func NewFileStore[S any](dir, prefix string) (*FileStore[S], error) {
	if dir == "" {
		return nil, fmt.Errorf("directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return &FileStore[S]{dir: dir, prefix: prefix}, nil
}

func (f *FileStore[S]) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid workflow ID %q", id)
	}
	return filepath.Join(f.dir, f.prefix+id+".json"), nil
}

// Save writes the state to <prefix><id>.json atomically.
func (f *FileStore[S]) Save(ctx context.Context, id string, state S) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(f.dir, f.prefix+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load reads and decodes <prefix><id>.json. Returns ErrNotFound if the file
// does not exist.
func (f *FileStore[S]) Load(ctx context.Context, id string) (S, error) {
	var state S

	path, err := f.path(id)
	if err != nil {
		return state, err
	}

	f.mu.Lock()
	data, err := os.ReadFile(path)
	f.mu.Unlock()

	if os.IsNotExist(err) {
		return state, ErrNotFound
	}
	if err != nil {
		return state, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// Delete removes <prefix><id>.json. Returns ErrNotFound if the file does
// not exist.
func (f *FileStore[S]) Delete(ctx context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// List returns the IDs of all persisted workflows, derived from the
// filenames in the store directory.
func (f *FileStore[S]) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, f.prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, f.prefix), ".json")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Dir returns the store's root directory. Useful for debugging and logging.
func (f *FileStore[S]) Dir() string {
	return f.dir
}
