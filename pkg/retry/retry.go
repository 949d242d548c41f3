// Package retry holds the retry policies evaluated by the executor (transient
// errors on a single API call) and the coordinator (failed batches).
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_retries_total",
		Help: "Total number of retry attempts by scope",
	}, []string{"scope"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gh_harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by scope",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	}, []string{"scope"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by scope",
	}, []string{"scope"})
)

// BackoffFunc returns the wait before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Policy bounds how often an operation is attempted and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	MaxAttempts int

	// Backoff computes the delay before each retry.
	Backoff BackoffFunc
}

// Config parameterizes Exponential.
type Config struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// Jitter is the +/- fraction applied to each delay (0.2 = ±20%).
	Jitter float64
}

// TransientConfig is the short backoff used for network and 5xx errors on a
// single account call.
func TransientConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// BatchConfig is the backoff used by the coordinator before resubmitting a
// failed batch.
func BatchConfig() Config {
	return Config{
		InitialBackoff: 60 * time.Second,
		MaxBackoff:     15 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// New returns a policy allowing maxRetries retries after the first attempt.
func New(maxRetries int, cfg Config) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{
		MaxAttempts: maxRetries + 1,
		Backoff:     Exponential(cfg),
	}
}

// Exponential returns a jittered exponential BackoffFunc.
func Exponential(cfg Config) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := float64(cfg.InitialBackoff)
		for i := 1; i < attempt; i++ {
			backoff *= cfg.Multiplier
			if cfg.MaxBackoff > 0 && backoff >= float64(cfg.MaxBackoff) {
				backoff = float64(cfg.MaxBackoff)
				break
			}
		}
		if cfg.Jitter > 0 {
			backoff *= 1 - cfg.Jitter + rand.Float64()*2*cfg.Jitter
		}
		return time.Duration(backoff)
	}
}

// Constant returns a BackoffFunc that always waits d.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// ShouldRetry reports whether another attempt is allowed after attempts
// attempts have been made.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns the backoff before retry number attempt and records it.
func (p Policy) Delay(scope string, attempt int) time.Duration {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(attempt)
	}
	retriesTotal.WithLabelValues(scope).Inc()
	retryBackoffSeconds.WithLabelValues(scope).Observe(d.Seconds())
	return d
}

// Wait sleeps for the backoff before retry number attempt.
func (p Policy) Wait(ctx context.Context, scope string, attempt int) error {
	return Sleep(ctx, p.Delay(scope, attempt))
}

// Exhausted records that an operation ran out of attempts.
func Exhausted(scope string) {
	retryExhaustedTotal.WithLabelValues(scope).Inc()
}

// Sleep waits for d with context cancellation support.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
