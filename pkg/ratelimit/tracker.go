package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoState is returned by Load when nothing is mirrored for the pair.
var ErrNoState = errors.New("no quota state")

// Prometheus metrics for the quota mirror.
var (
	quotaSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_quota_sync_total",
		Help: "Quota mirror operations by operation and result",
	}, []string{"op", "result"})
)

// DefaultRetention keeps a mirrored state this long past its reset time.
const DefaultRetention = time.Hour

// Tracker mirrors credential quota state in Redis.
type Tracker struct {
	redis     *redis.Client
	logger    zerolog.Logger
	retention time.Duration
}

// NewTracker creates a new quota mirror.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:     redisClient,
		logger:    logger,
		retention: DefaultRetention,
	}
}

// Record stores the state of a (credential, class) pair.
func (t *Tracker) Record(ctx context.Context, credentialID, class string, state QuotaState) error {
	key := QuotaKey(credentialID, class)

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"remaining":     state.Remaining,
		"limit":         state.Limit,
		"reset_at":      unixOrZero(state.ResetAt),
		"backoff_until": unixOrZero(state.BackoffUntil),
		"status":        state.Status,
		"last_update":   state.LastUpdate.UnixMilli(),
	})

	// Invalid credentials stay marked until the retention passes; others expire
	// once their window is long gone.
	expireAt := state.ResetAt
	if state.BackoffUntil.After(expireAt) {
		expireAt = state.BackoffUntil
	}
	if expireAt.IsZero() {
		expireAt = state.LastUpdate
	}
	pipe.ExpireAt(ctx, key, expireAt.Add(t.retention))

	if _, err := pipe.Exec(ctx); err != nil {
		quotaSyncTotal.WithLabelValues("record", "error").Inc()
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	quotaSyncTotal.WithLabelValues("record", "ok").Inc()

	t.logger.Debug().
		Str("credential", credentialID).
		Str("class", class).
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Str("status", state.Status).
		Msg("Quota state mirrored")

	return nil
}

// Load retrieves the mirrored state of a (credential, class) pair.
// Returns ErrNoState if nothing is stored.
func (t *Tracker) Load(ctx context.Context, credentialID, class string) (*QuotaState, error) {
	vals, err := t.redis.HGetAll(ctx, QuotaKey(credentialID, class)).Result()
	if err != nil {
		quotaSyncTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("get quota state: %w", err)
	}
	if len(vals) == 0 {
		quotaSyncTotal.WithLabelValues("load", "miss").Inc()
		return nil, ErrNoState
	}

	state := &QuotaState{Status: vals["status"]}
	if state.Remaining, err = strconv.Atoi(vals["remaining"]); err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	if state.Limit, err = strconv.Atoi(vals["limit"]); err != nil {
		return nil, fmt.Errorf("parse limit: %w", err)
	}
	if state.ResetAt, err = parseUnix(vals["reset_at"]); err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	if state.BackoffUntil, err = parseUnix(vals["backoff_until"]); err != nil {
		return nil, fmt.Errorf("parse backoff_until: %w", err)
	}
	ms, err := strconv.ParseInt(vals["last_update"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last_update: %w", err)
	}
	state.LastUpdate = time.UnixMilli(ms)

	quotaSyncTotal.WithLabelValues("load", "ok").Inc()
	return state, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func parseUnix(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
