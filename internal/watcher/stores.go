package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PendingStore is the flat-file list of tasks awaiting execution. It is
// owned by a single watcher process; external submitters append records and
// the loop rewrites the file on claim and id assignment.
type PendingStore struct {
	path string
}

func NewPendingStore(path string) *PendingStore {
	return &PendingStore{path: path}
}

// Load reads all pending records. A missing file is an empty list.
func (s *PendingStore) Load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse pending store: %w", err)
	}
	return tasks, nil
}

// Save rewrites the store with the given records.
func (s *PendingStore) Save(tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	return writeJSON(s.path, tasks)
}

// Append adds a record to the end of the store.
func (s *PendingStore) Append(t Task) error {
	tasks, err := s.Load()
	if err != nil {
		return err
	}
	return s.Save(append(tasks, t))
}

// Remove deletes the record with the given id, if present.
func (s *PendingStore) Remove(taskID string) error {
	tasks, err := s.Load()
	if err != nil {
		return err
	}
	kept := tasks[:0]
	for _, t := range tasks {
		if t.TaskID != taskID {
			kept = append(kept, t)
		}
	}
	return s.Save(kept)
}

// Update replaces the record with the same id in place.
func (s *PendingStore) Update(task Task) error {
	tasks, err := s.Load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].TaskID == task.TaskID {
			tasks[i] = task
		}
	}
	return s.Save(tasks)
}

// CompletedStore is the append-only flat file of terminated tasks.
type CompletedStore struct {
	path string
}

func NewCompletedStore(path string) *CompletedStore {
	return &CompletedStore{path: path}
}

// Load reads all completed records.
func (s *CompletedStore) Load() ([]CompletedTask, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read completed store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []CompletedTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse completed store: %w", err)
	}
	return tasks, nil
}

// Append adds a terminated task. Every terminal outcome is written exactly
// once; callers remove the task from the pending store afterwards.
func (s *CompletedStore) Append(t CompletedTask) error {
	tasks, err := s.Load()
	if err != nil {
		return err
	}
	return writeJSON(s.path, append(tasks, t))
}

// IDs returns the set of terminated task ids.
func (s *CompletedStore) IDs() (map[string]bool, error) {
	tasks, err := s.Load()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.TaskID] = true
	}
	return ids, nil
}

// RunningSnapshot is the single-slot record of the task currently being
// dispatched. It is advisory only: a crash leaves it stale.
type RunningSnapshot struct {
	path string
}

func NewRunningSnapshot(path string) *RunningSnapshot {
	return &RunningSnapshot{path: path}
}

// Write records the in-flight task.
func (s *RunningSnapshot) Write(t Task) error {
	return writeJSON(s.path, t)
}

// Clear removes the snapshot. Clearing an absent snapshot is not an error.
func (s *RunningSnapshot) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear running snapshot: %w", err)
	}
	return nil
}

// Read returns the current snapshot, or nil when idle.
func (s *RunningSnapshot) Read() (*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read running snapshot: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse running snapshot: %w", err)
	}
	return &t, nil
}

// writeJSON writes via a temp file and rename so readers never observe a
// partial write.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
