package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

func sampleCheckpoint(runID string) *types.Checkpoint {
	return &types.Checkpoint{
		RunID:      runID,
		WorkflowID: "power",
		NextIndex:  2,
		StepsRun:   2,
		Status:     types.RunStatusRunning,
		Params:     map[string]any{"exponent": 10},
		Context: map[string]any{
			"a":    1024,
			"p":    1024,
			"list": []any{"x", 2},
			"obj":  map[string]any{"ok": true},
		},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// exerciseStore runs the contract every CheckpointStore must satisfy.
func exerciseStore(t *testing.T, s CheckpointStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "load missing: %v", err)

	cp := sampleCheckpoint("run-1")
	require.NoError(t, s.Save(ctx, cp))

	got, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, cp.WorkflowID, got.WorkflowID)
	assert.Equal(t, cp.NextIndex, got.NextIndex)
	assert.Equal(t, cp.Status, got.Status)
	assert.Equal(t, cp.Context, got.Context)
	assert.Equal(t, cp.Params, got.Params)
	assert.True(t, cp.UpdatedAt.Equal(got.UpdatedAt))

	cp.NextIndex = 3
	cp.Context["b"] = "new"
	require.NoError(t, s.Save(ctx, cp))
	got, err = s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.NextIndex)
	assert.Equal(t, "new", got.Context["b"])

	require.NoError(t, s.Delete(ctx, "run-1"))
	_, err = s.Load(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "run-1"), ErrNotFound))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_Copies(t *testing.T) {
	s := NewMemoryStore()
	cp := sampleCheckpoint("r")
	require.NoError(t, s.Save(context.Background(), cp))
	cp.Context["a"] = "mutated"

	got, err := s.Load(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, 1024, got.Context["a"])
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_RejectsBadRunIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../x", "a/b", `a\b`} {
		assert.Error(t, s.Save(context.Background(), sampleCheckpoint(id)), id)
	}
}

func TestFileStore_RecoversInterruptedWrites(t *testing.T) {
	dir := t.TempDir()

	// Orphan temp with no main file is promoted.
	data := []byte("run_id: lost\nworkflow_id: wf\nnext_index: 1\nsteps_run: 1\nstatus: running\ncontext: {}\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lost.yaml.tmp"), data, 0644))

	// Temp next to a main file is discarded.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.yaml"), []byte("run_id: kept\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.yaml.tmp"), []byte("garbage"), 0644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	got, err := s.Load(context.Background(), "lost")
	require.NoError(t, err)
	assert.Equal(t, 1, got.NextIndex)

	_, err = os.Stat(filepath.Join(dir, "kept.yaml.tmp"))
	assert.True(t, os.IsNotExist(err))

	ids, err := s.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lost", "kept"}, ids)
}

func TestNew_Backends(t *testing.T) {
	cfg := config.Default()
	s, err := New(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Store.Backend = config.StoreBackendFile
	s, err = New(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	cfg.Store.Backend = "etcd"
	_, err = New(context.Background(), cfg, t.TempDir())
	assert.Error(t, err)
}
