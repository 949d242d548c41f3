// Package cache provides a Redis-backed ETag cache for GitHub REST calls.
//
// GitHub does not charge a conditional request that comes back 304 Not
// Modified against the primary rate limit. Re-running a collection over the
// same accounts therefore costs almost no quota for unchanged repository
// pages when responses are revalidated with If-None-Match.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	// Wrap the transport used by the GitHub client.
//	transport := cache.NewTransport(manager, http.DefaultTransport, 24*time.Hour)
//	httpClient := &http.Client{Transport: transport}
//
// # Manual Use
//
//	key := cache.KeyFromRequest(req)
//	entry, err := manager.Lookup(ctx, key)
//	if err == nil && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - gh_harvest_cache_hits_total{layer="redis"} - Entries found
//   - gh_harvest_cache_misses_total - Entries not found
//   - gh_harvest_cache_size_bytes{layer="redis"} - Bytes written
//   - gh_harvest_conditional_requests_total - Requests sent with If-None-Match
//   - gh_harvest_304_responses_total - Responses served from cache after 304
//   - gh_harvest_cache_errors_total{operation} - Cache operation errors
package cache
