package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/cache"
	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/collector"
	"github.com/Sternrassler/gh-harvest/pkg/config"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/queue"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvest/pkg/worker"
)

// engine holds the components shared by the collect and worker commands.
type engine struct {
	cfg    *config.Config
	redis  *redis.Client
	pool   *credential.Pool
	client *client.Client
	broker queue.Broker
}

// newEngine connects to Redis when configured and builds the credential
// pool, the GitHub client and the broker.
func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{cfg: cfg}

	if cfg.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		e.redis = rdb
	}

	poolCfg := credential.DefaultConfig()
	var tracker *ratelimit.Tracker
	if e.redis != nil {
		tracker = ratelimit.NewTracker(e.redis, log.With().Str("component", "quota-mirror").Logger())
		poolCfg.Observer = tracker
	}
	pool, err := credential.NewPool(cfg.Tokens, poolCfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.pool = pool
	if tracker != nil {
		n, err := pool.Restore(ctx, tracker)
		if err != nil {
			log.Warn().Err(err).Msg("Quota restore failed, starting from defaults")
		} else if n > 0 {
			log.Info().Int("restored", n).Msg("Restored quota state from Redis")
		}
	}
	log.Info().Int("credentials", pool.Len()).Msg("Credential pool ready")

	clientCfg := client.Config{
		BaseURL:   cfg.GitHub.BaseURL,
		UserAgent: cfg.GitHub.UserAgent,
		Timeout:   cfg.GitHub.Timeout,
	}
	if cfg.Cache.Enabled {
		clientCfg.Transport = cache.NewTransport(cache.NewManagerWithPrefix(e.redis, cfg.Redis.Prefix+":http"), http.DefaultTransport, cfg.Cache.TTL)
	}
	e.client, err = client.New(clientCfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	if e.redis != nil {
		e.broker = queue.NewRedisBroker(e.redis, queue.RedisConfig{
			Prefix:       cfg.Redis.Prefix + ":queue",
			LeaseTimeout: cfg.Collect.LeaseTimeout,
		})
	} else {
		e.broker = queue.NewMemoryBroker(cfg.Collect.LeaseTimeout)
	}
	return e, nil
}

// connectRedis opens and pings the shared Redis.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	return rdb, nil
}

// store returns the configured checkpoint store.
func (e *engine) store() (checkpoint.Store, error) {
	switch e.cfg.Checkpoint.Backend {
	case "redis":
		if e.redis == nil {
			return nil, fmt.Errorf("redis checkpoint backend needs redis.addr")
		}
		return checkpoint.NewRedisStore(e.redis, e.cfg.Redis.Prefix+":checkpoint", 0), nil
	default:
		return checkpoint.NewFileStore(e.cfg.Checkpoint.Dir)
	}
}

// workers builds a worker pool executing batches with the collector.
func (e *engine) workers(id string) *worker.Pool {
	c := e.cfg.Collect
	exec := collector.NewExecutor(e.client, e.pool, collector.Config{
		Concurrency:     c.Concurrency,
		MaxRetries:      c.AccountRetries,
		AllowList:       collector.NewAllowList(c.AllowList...),
		IncludeForks:    c.IncludeForks,
		IncludeArchived: c.IncludeArchived,
		WorkerID:        id,
	})
	return worker.NewPool(e.broker, exec, worker.Config{
		Workers:           c.Workers,
		BatchTimeout:      c.BatchTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		ID:                id,
	})
}

// Close releases the broker and the Redis connection.
func (e *engine) Close() {
	if e.broker != nil {
		if err := e.broker.Close(); err != nil {
			log.Warn().Err(err).Msg("Broker close failed")
		}
	}
	if e.redis != nil {
		e.redis.Close()
	}
}
