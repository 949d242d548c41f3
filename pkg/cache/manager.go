package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is returned when no usable entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry marks a stored value that no longer decodes. The value
	// is dropped when it is found.
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNoValidator rejects entries without ETag or Last-Modified; they
	// could never be revalidated.
	ErrNoValidator = errors.New("cache entry has no validator")
)

// quotaHeaders describe the caller's quota, not the resource. A 304 carries
// current values for them.
var quotaHeaders = []string{
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"X-RateLimit-Used",
	"X-RateLimit-Resource",
	"Date",
}

// Manager keeps GitHub responses in Redis so that later requests for the
// same page can be revalidated instead of charged. Each entry is one JSON
// value whose Redis TTL ends with the entry.
type Manager struct {
	redis  *redis.Client
	prefix string
}

// NewManager stores entries under KeyPrefix.
func NewManager(redisClient *redis.Client) *Manager {
	return NewManagerWithPrefix(redisClient, KeyPrefix)
}

// NewManagerWithPrefix stores entries under prefix, so several deployments
// can share one Redis.
func NewManagerWithPrefix(redisClient *redis.Client, prefix string) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = KeyPrefix
	}
	return &Manager{redis: redisClient, prefix: prefix}
}

func (m *Manager) key(k CacheKey) string {
	return k.Under(m.prefix)
}

// Lookup returns the entry stored for key, or ErrCacheMiss.
func (m *Manager) Lookup(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	k := m.key(key)
	raw, err := m.redis.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues("lookup").Inc()
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		CacheErrors.WithLabelValues("lookup").Inc()
		m.redis.Del(ctx, k)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, k, err)
	}
	// Redis expires keys in milliseconds; a read at the edge is a miss.
	if entry.IsExpired() {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Store saves entry until entry.Expires. An entry that has already expired
// is not written.
func (m *Manager) Store(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	if !ShouldMakeConditionalRequest(entry) {
		return ErrNoValidator
	}
	return m.write(ctx, key, entry, "store")
}

// Revalidated records a 304 Not Modified for entry. The quota headers of
// the 304 replace the stored ones and the entry lives for another ttl.
// The updated entry is returned even when writing it back fails.
func (m *Manager) Revalidated(ctx context.Context, key CacheKey, entry *CacheEntry, notModified http.Header, ttl time.Duration) (*CacheEntry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	updated := *entry
	updated.Headers = entry.Headers.Clone()
	if updated.Headers == nil {
		updated.Headers = http.Header{}
	}
	for _, h := range quotaHeaders {
		if v := notModified.Get(h); v != "" {
			updated.Headers.Set(h, v)
		}
	}
	updated.Expires = time.Now().Add(ttl)
	NotModifiedResponses.Inc()

	return &updated, m.write(ctx, key, &updated, "revalidate")
}

// Forget removes the entry for key.
func (m *Manager) Forget(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, m.key(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("forget").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (m *Manager) write(ctx context.Context, key CacheKey, entry *CacheEntry, op string) error {
	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := m.redis.Set(ctx, m.key(key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}
