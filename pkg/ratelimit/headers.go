package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// GitHub rate limit headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderUsed       = "X-RateLimit-Used"
	HeaderResource   = "X-RateLimit-Resource"
	HeaderRetryAfter = "Retry-After"
)

// Observation is the quota reported by one upstream response.
type Observation struct {
	Remaining  int
	Limit      int
	Used       int
	ResetAt    time.Time
	Resource   string
	RetryAfter time.Duration
}

// Known reports whether the response carried quota headers.
func (o Observation) Known() bool {
	return o.Limit > 0 || !o.ResetAt.IsZero()
}

// ParseHeaders extracts the quota observation from response headers.
// Missing headers are not an error; malformed ones are.
func ParseHeaders(headers http.Header) (Observation, error) {
	var obs Observation

	if v := headers.Get(HeaderRetryAfter); v != "" {
		d, err := parseRetryAfter(v)
		if err != nil {
			return obs, err
		}
		obs.RetryAfter = d
	}

	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return obs, nil
	}

	remain, err := parseIntHeader(remainStr)
	if err != nil {
		return obs, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}
	obs.Remaining = remain

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return obs, fmt.Errorf("%s header missing", HeaderReset)
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return obs, fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}
	obs.ResetAt = time.Unix(reset, 0)

	if v := headers.Get(HeaderLimit); v != "" {
		if obs.Limit, err = parseIntHeader(v); err != nil {
			return obs, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}
	if v := headers.Get(HeaderUsed); v != "" {
		if obs.Used, err = parseIntHeader(v); err != nil {
			return obs, fmt.Errorf("parse %s header: %w", HeaderUsed, err)
		}
	}
	obs.Resource = headers.Get(HeaderResource)

	return obs, nil
}

func parseIntHeader(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return d, nil
}
