package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists checkpoints as JSON files under root/<runID>/.
// Writes go through a temp file plus rename so a crash never leaves a
// truncated checkpoint behind.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Filenames embed the index zero-padded so lexical order equals index order.
func (s *FileStore) path(runID, checkpointID string, index int) string {
	return filepath.Join(s.root, runID, fmt.Sprintf("%08d-%s.json", index, checkpointID))
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(s.root, cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.ID, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: write %s: %w", cp.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.RunID, cp.ID, cp.Index)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, runID, checkpointID string) (*Checkpoint, error) {
	name, err := s.find(runID, checkpointID)
	if err != nil {
		return nil, err
	}
	return s.read(filepath.Join(s.root, runID, name))
}

// Latest implements Store.
func (s *FileStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	names, err := s.names(runID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.read(filepath.Join(s.root, runID, names[len(names)-1]))
}

// List implements Store.
func (s *FileStore) List(_ context.Context, runID string) ([]string, error) {
	names, err := s.names(runID)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, len(names))
	for i, name := range names {
		ids[i] = idFromName(name)
	}
	return ids, nil
}

func (s *FileStore) names(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) find(runID, checkpointID string) (string, error) {
	names, err := s.names(runID)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if idFromName(name) == checkpointID {
			return name, nil
		}
	}
	return "", ErrNotFound
}

func (s *FileStore) read(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &cp, nil
}

// idFromName strips the zero-padded index prefix and the .json suffix.
func idFromName(name string) string {
	name = strings.TrimSuffix(name, ".json")
	if i := strings.Index(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}
