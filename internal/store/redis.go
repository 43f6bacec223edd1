package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flytohub/flyto-core-sub001/internal/types"
	"github.com/flytohub/flyto-core-sub001/internal/workflow"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// TTL expires checkpoints; zero keeps them forever.
	TTL time.Duration

	PoolSize    int
	IdleTimeout time.Duration
}

// RedisStore keeps checkpoints as JSON values under KeyPrefix+runID.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		IdleTimeout: opts.IdleTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + runID
}

// Save writes cp with the configured TTL.
func (s *RedisStore) Save(ctx context.Context, cp *types.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint %s: %w", cp.RunID, err)
	}
	if err := s.client.Set(ctx, s.key(cp.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// Load reads the checkpoint for runID. Numbers come back as int when
// integral, matching the YAML store.
func (s *RedisStore) Load(ctx context.Context, runID string) (*types.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if err == redis.Nil {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", runID, err)
	}

	var cp types.Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", runID, err)
	}
	if cp.Context != nil {
		cp.Context = workflow.NormalizeValue(cp.Context).(map[string]any)
	}
	if cp.Params != nil {
		cp.Params = workflow.NormalizeValue(cp.Params).(map[string]any)
	}
	return &cp, nil
}

// Delete removes the checkpoint for runID.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	n, err := s.client.Del(ctx, s.key(runID)).Result()
	if err != nil {
		return fmt.Errorf("deleting checkpoint %s: %w", runID, err)
	}
	if n == 0 {
		return notFound(runID)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
