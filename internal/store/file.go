package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// FileStore persists checkpoints as YAML files with atomic writes.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory and recovers interrupted
// writes.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string { return s.dir }

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

func (s *FileStore) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+".yaml"), nil
}

// Save persists cp atomically (write-then-rename).
func (s *FileStore) Save(ctx context.Context, cp *types.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mainPath, err := s.path(cp.RunID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tmpPath := mainPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return ferrors.IOWriteError(tmpPath, err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return ferrors.IOWriteError(mainPath, err)
	}
	return nil
}

// Load reads the checkpoint for runID.
func (s *FileStore) Load(ctx context.Context, runID string) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(runID)
		}
		return nil, ferrors.IOReadError(path, err)
	}
	var cp types.Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for runID.
func (s *FileStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return notFound(runID)
		}
		return err
	}
	return nil
}

// List returns the run ids with a saved checkpoint.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	return ids, nil
}
