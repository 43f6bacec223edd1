// Package store persists run checkpoints so an interrupted run can resume
// from the step after the last completed one.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// ErrNotFound is returned when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore saves and restores run checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp *types.Checkpoint) error
	Load(ctx context.Context, runID string) (*types.Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// New builds the store selected by cfg.Store.Backend. It returns nil for
// the "none" backend.
func New(ctx context.Context, cfg *config.Config, baseDir string) (CheckpointStore, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendNone, "":
		return nil, nil
	case config.StoreBackendFile:
		return NewFileStore(cfg.CheckpointDir(baseDir))
	case config.StoreBackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			KeyPrefix: cfg.Store.KeyPrefix,
			TTL:       cfg.Store.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func notFound(runID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, runID)
}
