// Package artifact stores binary outputs received from workers. File parts
// are never inlined into conversational transcripts; they are written here
// and referenced by id.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store writes artifacts under a single directory, one file per artifact,
// keyed by a generated id.
type Store struct {
	dir string

	mu    sync.Mutex
	names map[string]string // id -> sanitized file name
}

// NewStore creates the artifact directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir, names: make(map[string]string)}, nil
}

// Save writes the content under its declared name and returns the artifact
// id. The declared name is sanitized to its base so a worker cannot steer
// the write outside the store.
func (s *Store) Save(name string, content []byte) (string, error) {
	id := uuid.NewString()
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "artifact.bin"
	}
	fileName := id + "-" + base
	if err := os.WriteFile(filepath.Join(s.dir, fileName), content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", base, err)
	}
	s.mu.Lock()
	s.names[id] = fileName
	s.mu.Unlock()
	return id, nil
}

// Open returns the content of a stored artifact.
func (s *Store) Open(id string) ([]byte, error) {
	s.mu.Lock()
	fileName, ok := s.names[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown artifact id %s", id)
	}
	return os.ReadFile(filepath.Join(s.dir, fileName))
}

// Path returns the on-disk path for a stored artifact.
func (s *Store) Path(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fileName, ok := s.names[id]
	if !ok {
		return "", false
	}
	return filepath.Join(s.dir, fileName), true
}
