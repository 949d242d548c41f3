package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// DefaultKeyPrefix prefixes the broker's Redis keys.
const DefaultKeyPrefix = "gh-harvest:queue"

// maxReadyTokens caps the wake-up list when nobody is consuming.
const maxReadyTokens = 1024

// KEYS: pending, deliveries, leases. ARGV: lease id, deadline score.
var leaseScript = redis.NewScript(`
local payload = redis.call('RPOP', KEYS[1])
if not payload then
	return false
end
redis.call('HSET', KEYS[2], ARGV[1], payload)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return payload
`)

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	// Prefix namespaces the keys, e.g. per deployment.
	Prefix string

	// LeaseTimeout is how long a delivery stays leased without Extend.
	LeaseTimeout time.Duration

	// BlockTimeout bounds one blocking Redis call so Close is noticed.
	BlockTimeout time.Duration
}

// RedisBroker is a Broker shared by processes through Redis.
//
// Keys:
//
//	<prefix>:pending      list of task JSON (LPUSH / RPOP)
//	<prefix>:ready        wake-up tokens, one per enqueue (LPUSH / BRPOP)
//	<prefix>:leases       sorted set lease id -> deadline (unix ms)
//	<prefix>:deliveries   hash lease id -> task JSON
//	<prefix>:completions  list of completion JSON (LPUSH / BRPOP)
//
// A task leaves pending and gets its lease in one script, so a consumer
// that dies at any point leaves either a pending task or a lease Reap will
// find.
type RedisBroker struct {
	redis  *redis.Client
	cfg    RedisConfig
	closed atomic.Bool
	logger zerolog.Logger
}

// NewRedisBroker creates a Redis-backed broker.
func NewRedisBroker(client *redis.Client, cfg RedisConfig) *RedisBroker {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultKeyPrefix
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	return &RedisBroker{
		redis:  client,
		cfg:    cfg,
		logger: log.With().Str("component", "redis-broker").Logger(),
	}
}

func (b *RedisBroker) key(name string) string {
	return b.cfg.Prefix + ":" + name
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, t Task) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, b.key("pending"), data)
		pipe.LPush(ctx, b.key("ready"), "1")
		pipe.LTrim(ctx, b.key("ready"), 0, maxReadyTokens-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	opsTotal.WithLabelValues("redis", "enqueue").Inc()
	return nil
}

// Dequeue implements Broker.
func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}

		d, err := b.lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			opsTotal.WithLabelValues("redis", "dequeue").Inc()
			return d, nil
		}

		// Nothing pending: sleep until an enqueue leaves a token.
		err = b.redis.BRPop(ctx, b.cfg.BlockTimeout, b.key("ready")).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis brpop: %w", err)
		}
	}
}

// lease pops the oldest pending task and leases it. A nil delivery means
// the queue was empty.
func (b *RedisBroker) lease(ctx context.Context) (*Delivery, error) {
	for {
		id := uuid.NewString()
		deadline := time.Now().Add(b.cfg.LeaseTimeout)

		payload, err := leaseScript.Run(ctx, b.redis,
			[]string{b.key("pending"), b.key("deliveries"), b.key("leases")},
			id, score(deadline),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lease task: %w", err)
		}

		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			b.logger.Error().Err(err).Msg("Dropping malformed task")
			b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, b.key("leases"), id)
				pipe.HDel(ctx, b.key("deliveries"), id)
				return nil
			})
			continue
		}
		return &Delivery{Task: t, LeaseID: id, Deadline: deadline}, nil
	}
}

// Extend implements Broker.
func (b *RedisBroker) Extend(ctx context.Context, d *Delivery) error {
	if err := b.redis.ZScore(ctx, b.key("leases"), d.LeaseID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
		return fmt.Errorf("redis zscore: %w", err)
	}

	deadline := time.Now().Add(b.cfg.LeaseTimeout)
	n, err := b.redis.ZAddArgs(ctx, b.key("leases"), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: score(deadline), Member: d.LeaseID}},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	if n == 0 {
		// Reaped between the check and the update.
		if err := b.redis.ZScore(ctx, b.key("leases"), d.LeaseID).Err(); errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
	}
	d.Deadline = deadline
	opsTotal.WithLabelValues("redis", "extend").Inc()
	return nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery, result model.BatchResult) error {
	data, err := json.Marshal(Completion{BatchID: d.Task.BatchID, Attempt: d.Task.Attempt, Result: &result})
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key("leases"), d.LeaseID)
		pipe.HDel(ctx, b.key("deliveries"), d.LeaseID)
		pipe.LPush(ctx, b.key("completions"), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Task.BatchID, err)
	}
	opsTotal.WithLabelValues("redis", "ack").Inc()
	return nil
}

// Nack implements Broker.
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, reason string) error {
	claimed, err := b.release(ctx, d.LeaseID, Completion{BatchID: d.Task.BatchID, Attempt: d.Task.Attempt, Err: reason})
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.Task.BatchID, err)
	}
	if claimed {
		opsTotal.WithLabelValues("redis", "nack").Inc()
	}
	return nil
}

// release removes a lease and publishes c if this caller removed it. ZREM
// decides between a Nack and a concurrent Reap.
func (b *RedisBroker) release(ctx context.Context, leaseID string, c Completion) (bool, error) {
	n, err := b.redis.ZRem(ctx, b.key("leases"), leaseID).Result()
	if err != nil {
		return false, fmt.Errorf("redis zrem: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal completion: %w", err)
	}
	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.key("deliveries"), leaseID)
		pipe.LPush(ctx, b.key("completions"), data)
		return nil
	})
	return err == nil, err
}

// Completions implements Broker.
func (b *RedisBroker) Completions(ctx context.Context) (Completion, error) {
	for {
		if b.closed.Load() {
			return Completion{}, ErrClosed
		}
		vals, err := b.redis.BRPop(ctx, b.cfg.BlockTimeout, b.key("completions")).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Completion{}, ctx.Err()
			}
			return Completion{}, fmt.Errorf("redis brpop: %w", err)
		}

		var c Completion
		if err := json.Unmarshal([]byte(vals[1]), &c); err != nil {
			b.logger.Error().Err(err).Msg("Dropping malformed completion")
			continue
		}
		return c, nil
	}
}

// Reap implements Broker.
func (b *RedisBroker) Reap(ctx context.Context, now time.Time) (int, error) {
	ids, err := b.redis.ZRangeByScore(ctx, b.key("leases"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(now), 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		raw, err := b.redis.HGet(ctx, b.key("deliveries"), id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return reaped, fmt.Errorf("redis hget: %w", err)
		}
		var t Task
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				b.logger.Error().Err(err).Str("lease", id).Msg("Malformed delivery record")
			}
		}

		claimed, err := b.release(ctx, id, Completion{BatchID: t.BatchID, Attempt: t.Attempt, Err: ReasonLeaseExpired})
		if err != nil {
			return reaped, err
		}
		if claimed {
			reaped++
			b.logger.Warn().
				Str("batch_id", t.BatchID).
				Int("attempt", t.Attempt).
				Msg("Lease expired")
		}
	}
	if reaped > 0 {
		leasesExpired.WithLabelValues("redis").Add(float64(reaped))
	}
	return reaped, nil
}

// Purge deletes every key of the broker.
func (b *RedisBroker) Purge(ctx context.Context) error {
	keys := []string{b.key("pending"), b.key("ready"), b.key("leases"), b.key("deliveries"), b.key("completions")}
	if err := b.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close implements Broker. The Redis client stays open; it belongs to the
// caller.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
