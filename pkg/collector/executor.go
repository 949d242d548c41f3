// Package collector executes batches: for every account it looks up the
// profile, checks eligibility and fetches all public repositories, leasing a
// credential from the pool for each call.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/model"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

var (
	accountsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_accounts_total",
		Help: "Accounts processed by outcome and failure reason",
	}, []string{"outcome", "reason"})

	accountDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gh_harvest_account_duration_seconds",
		Help:    "Time to process one account including credential waits",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600, 3600},
	})
)

// API is the part of the GitHub client the executor needs.
type API interface {
	LookupAccount(ctx context.Context, h *credential.Handle, login string) (*model.Account, ratelimit.Observation, error)
	ListRepositories(ctx context.Context, h *credential.Handle, account *model.Account, page int) (*client.RepositoryPage, ratelimit.Observation, error)
}

// Credentials is the part of the credential pool the executor needs.
type Credentials interface {
	Acquire(ctx context.Context, class credential.ResourceClass) (*credential.Handle, error)
	ReportUsage(h *credential.Handle, class credential.ResourceClass, consumed int)
	ReportLimit(h *credential.Handle, class credential.ResourceClass, remaining, limit int, resetAt time.Time)
	ReportRateLimited(h *credential.Handle, class credential.ResourceClass, resetAt time.Time)
	ReportSecondary(h *credential.Handle, class credential.ResourceClass, retryAfter time.Duration)
	MarkInvalid(h *credential.Handle)
}

// Config holds executor settings.
type Config struct {
	// Concurrency bounds accounts processed in parallel within one batch.
	Concurrency int

	// MaxRetries is the number of retries after a transient error
	// (network, 5xx) for one account.
	MaxRetries int

	// Backoff overrides the transient retry backoff. Nil uses
	// retry.TransientConfig.
	Backoff retry.BackoffFunc

	// AllowList decides eligibility.
	AllowList AllowList

	// IncludeForks and IncludeArchived keep repositories that are skipped
	// by default.
	IncludeForks    bool
	IncludeArchived bool

	// WorkerID is stamped on batch results.
	WorkerID string
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		MaxRetries:  3,
	}
}

// Executor runs batches against the API.
type Executor struct {
	api    API
	pool   Credentials
	cfg    Config
	caller *Caller
	logger zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(api API, pool Credentials, cfg Config) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	policy := retry.New(cfg.MaxRetries, retry.TransientConfig())
	if cfg.Backoff != nil {
		policy.Backoff = cfg.Backoff
	}
	return &Executor{
		api:    api,
		pool:   pool,
		cfg:    cfg,
		caller: NewCaller(pool, policy, "account"),
		logger: log.With().Str("component", "collector").Logger(),
	}
}

// Execute processes every account of the batch and returns one outcome per
// login, in batch order. Account failures are recorded, never returned.
func (e *Executor) Execute(ctx context.Context, batch model.Batch) model.BatchResult {
	result := model.BatchResult{
		BatchID:   batch.ID,
		Attempt:   batch.AttemptCount,
		Worker:    e.cfg.WorkerID,
		Outcomes:  make([]model.AccountOutcome, len(batch.Logins)),
		StartedAt: time.Now(),
	}

	logger := e.logger.With().Str("batch_id", batch.ID).Int("attempt", batch.AttemptCount).Logger()
	logger.Debug().Int("accounts", len(batch.Logins)).Msg("Executing batch")

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, login := range batch.Logins {
		i, login := i, login
		g.Go(func() error {
			result.Outcomes[i] = e.processAccount(ctx, login, logger)
			return nil
		})
	}
	_ = g.Wait()

	result.FinishedAt = time.Now()
	succeeded, failed, ineligible := result.Counts()
	logger.Info().
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("ineligible", ineligible).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Batch executed")
	return result
}

func (e *Executor) processAccount(ctx context.Context, login string, logger zerolog.Logger) model.AccountOutcome {
	start := time.Now()
	defer func() { accountDuration.Observe(time.Since(start).Seconds()) }()

	logger = logger.With().Str("login", login).Logger()
	budget := &Budget{}

	var acct *model.Account
	err := e.caller.Call(ctx, credential.ClassAccountLookup, budget, logger, func(h *credential.Handle) (ratelimit.Observation, error) {
		a, obs, err := e.api.LookupAccount(ctx, h, login)
		acct = a
		return obs, err
	})
	if err != nil {
		return e.failed(login, err, logger)
	}

	acct.Eligible = e.cfg.AllowList.Allows(acct)
	if !acct.Eligible {
		accountsTotal.WithLabelValues(string(model.OutcomeIneligible), "").Inc()
		return model.Ineligible(login)
	}

	// All pages or nothing: a partial listing is reported as a failure.
	var projects []model.ProjectRecord
	for page := 1; page != 0; {
		var rp *client.RepositoryPage
		err := e.caller.Call(ctx, credential.ClassRepositoryFetch, budget, logger, func(h *credential.Handle) (ratelimit.Observation, error) {
			p, obs, err := e.api.ListRepositories(ctx, h, acct, page)
			rp = p
			return obs, err
		})
		if err != nil {
			return e.failed(login, err, logger)
		}
		for _, p := range rp.Projects {
			if (p.Fork && !e.cfg.IncludeForks) || (p.Archived && !e.cfg.IncludeArchived) {
				continue
			}
			projects = append(projects, p)
		}
		page = rp.NextPage
	}

	accountsTotal.WithLabelValues(string(model.OutcomeSuccess), "").Inc()
	return model.Succeeded(login, projects)
}

func (e *Executor) failed(login string, err error, logger zerolog.Logger) model.AccountOutcome {
	reason := Reason(err)
	accountsTotal.WithLabelValues(string(model.OutcomeFailure), string(reason)).Inc()
	logger.Debug().Err(err).Str("reason", string(reason)).Msg("Account failed")
	return model.Failed(login, reason, err.Error())
}

// Reason maps an account error to its recorded failure reason.
func Reason(err error) model.FailureReason {
	switch {
	case errors.Is(err, credential.ErrNoCredentials):
		return model.ReasonNoCredentials
	case errors.Is(err, client.ErrAccountNotFound):
		return model.ReasonNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.ReasonCanceled
	}
	switch client.ClassOf(err) {
	case client.ErrorClassNetwork, client.ErrorClassServer:
		return model.ReasonTransientNetwork
	case client.ErrorClassCanceled:
		return model.ReasonCanceled
	default:
		return model.ReasonAPIError
	}
}
