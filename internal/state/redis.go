package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

const redisKeyPrefix = "chainflow:state:"

// RedisStore keeps records as JSON values under a key prefix with a
// configurable TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis with the given settings.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func runKey(runID string) string     { return redisKeyPrefix + "run:" + runID }
func latestKey(flowID string) string { return redisKeyPrefix + "latest:" + flowID }
func varsKey(scope string) string    { return redisKeyPrefix + "vars:" + scope }

func (s *RedisStore) SaveRun(ctx context.Context, record RunRecord) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(record.RunID), payload, s.ttl)
	if record.FlowID != "" {
		pipe.Set(ctx, latestKey(record.FlowID), record.RunID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	payload, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record RunRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to decode run record %s: %w", runID, err)
	}
	return &record, nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, flowID string) (*RunRecord, error) {
	runID, err := s.client.Get(ctx, latestKey(flowID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.LoadRun(ctx, runID)
}

func (s *RedisStore) SaveVariables(ctx context.Context, scope string, vars map[string]variable.Variable) error {
	payload, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	return s.client.Set(ctx, varsKey(scope), payload, s.ttl).Err()
}

func (s *RedisStore) LoadVariables(ctx context.Context, scope string) (map[string]variable.Variable, error) {
	payload, err := s.client.Get(ctx, varsKey(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	vars := make(map[string]variable.Variable)
	if err := json.Unmarshal(payload, &vars); err != nil {
		return nil, fmt.Errorf("failed to decode variables for scope %s: %w", scope, err)
	}
	return vars, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
