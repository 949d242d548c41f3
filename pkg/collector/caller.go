package collector

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gh_harvest_api_calls_total",
	Help: "Upstream calls issued by resource class",
}, []string{"class"})

// Caller issues upstream calls under credentials leased from the pool and
// feeds every response back into the pool's quota bookkeeping.
type Caller struct {
	pool   Credentials
	policy retry.Policy
	scope  string
}

// NewCaller creates a caller. policy bounds transient retries; scope labels
// its retry metrics.
func NewCaller(pool Credentials, policy retry.Policy, scope string) *Caller {
	return &Caller{pool: pool, policy: policy, scope: scope}
}

// Budget counts transient failures across related calls, e.g. every call
// made for one account.
type Budget struct {
	transient int
}

// Call runs fn under a credential of class until it succeeds, fails
// permanently or exhausts the transient budget. Quota and auth failures
// move the credential in the pool and retry without touching the budget.
func (c *Caller) Call(ctx context.Context, class credential.ResourceClass, budget *Budget, logger zerolog.Logger, fn func(h *credential.Handle) (ratelimit.Observation, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := c.pool.Acquire(ctx, class)
		if err != nil {
			return err
		}

		callsTotal.WithLabelValues(string(class)).Inc()
		obs, err := fn(h)
		c.pool.ReportUsage(h, class, 1)

		errClass := client.ClassOf(err)
		if obs.Known() && errClass != client.ErrorClassRateLimit {
			c.pool.ReportLimit(h, class, obs.Remaining, obs.Limit, obs.ResetAt)
		}

		switch errClass {
		case "":
			return nil

		case client.ErrorClassRateLimit:
			var apiErr *client.APIError
			resetAt := obs.ResetAt
			if errors.As(err, &apiErr) && !apiErr.Quota.ResetAt.IsZero() {
				resetAt = apiErr.Quota.ResetAt
			}
			c.pool.ReportRateLimited(h, class, resetAt)

		case client.ErrorClassSecondary:
			var apiErr *client.APIError
			retryAfter := obs.RetryAfter
			if errors.As(err, &apiErr) {
				retryAfter = apiErr.RetryAfter
			}
			c.pool.ReportSecondary(h, class, retryAfter)

		case client.ErrorClassAuth:
			logger.Warn().Str("credential", h.ID()).Msg("Credential rejected, marking invalid")
			c.pool.MarkInvalid(h)

		case client.ErrorClassNetwork, client.ErrorClassServer:
			budget.transient++
			if !c.policy.ShouldRetry(budget.transient) {
				retry.Exhausted(c.scope)
				return err
			}
			logger.Debug().
				Err(err).
				Str("class", string(class)).
				Int("attempt", budget.transient).
				Msg("Transient error, retrying")
			if werr := c.policy.Wait(ctx, c.scope, budget.transient); werr != nil {
				return werr
			}

		default:
			return err
		}
	}
}
