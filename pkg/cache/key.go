package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix prefixes every cache key in Redis.
const KeyPrefix = "gh-harvest:http"

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Path is the API path (e.g., "/users/octocat/repos")
	Path string

	// QueryParams are the query parameters (e.g., {"page": "2"})
	QueryParams url.Values

	// Accept is the requested media type; GitHub varies bodies by it.
	Accept string
}

// KeyFromRequest builds the key of a GET request. Credentials are not part
// of the key: the cached resources are public.
func KeyFromRequest(req *http.Request) CacheKey {
	return CacheKey{
		Path:        req.URL.Path,
		QueryParams: req.URL.Query(),
		Accept:      req.Header.Get("Accept"),
	}
}

// String generates a deterministic cache key string under KeyPrefix.
// Format: gh-harvest:http:path:query1=val1:query2=val2[:accept=...]
//
// Example:
//
//	gh-harvest:http:users/octocat/repos:page=2:per_page=100
func (k CacheKey) String() string {
	return k.Under(KeyPrefix)
}

// Under generates the key string below prefix.
func (k CacheKey) Under(prefix string) string {
	parts := []string{prefix}

	path := strings.Trim(k.Path, "/")
	if path != "" {
		parts = append(parts, path)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			vals := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(vals)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(vals, ",")))
		}
	}

	if k.Accept != "" {
		parts = append(parts, "accept="+k.Accept)
	}

	return strings.Join(parts, ":")
}
