package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRedisPrefix namespaces checkpoint keys.
const DefaultRedisPrefix = "gh-harvest:checkpoint"

// RedisStore keeps one JSON value per run plus a pointer to the latest run.
type RedisStore struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
	logger    zerolog.Logger
}

// NewRedisStore creates a Redis checkpoint store. A zero retention keeps
// checkpoints forever.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix,
		retention: retention,
		logger:    log.With().Str("component", "checkpoint-redis").Logger(),
	}
}

func (s *RedisStore) runKey(runID string) string {
	return s.prefix + ":run:" + runID
}

func (s *RedisStore) latestKey() string {
	return s.prefix + ":latest"
}

// Save replaces the checkpoint of c.RunID and marks it as latest.
func (s *RedisStore) Save(ctx context.Context, c *Checkpoint) error {
	if c.RunID == "" {
		return errors.New("checkpoint has no run id")
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now()
	}

	data, err := json.Marshal(c)
	if err != nil {
		savesTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(c.RunID), data, s.retention)
		pipe.Set(ctx, s.latestKey(), c.RunID, s.retention)
		return nil
	})
	if err != nil {
		savesTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("store checkpoint in redis: %w", err)
	}

	savesTotal.WithLabelValues("redis", "ok").Inc()
	checkpointBytes.WithLabelValues("redis").Set(float64(len(data)))
	s.logger.Debug().
		Str("run_id", c.RunID).
		Int("completed", len(c.CompletedBatchIDs)).
		Msg("Checkpoint saved")
	return nil
}

// Load returns the checkpoint of runID.
func (s *RedisStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := s.redis.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", runID, err)
	}
	return &c, nil
}

// Latest returns the checkpoint of the most recently saved run.
func (s *RedisStore) Latest(ctx context.Context) (*Checkpoint, error) {
	runID, err := s.redis.Get(ctx, s.latestKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return s.Load(ctx, runID)
}
