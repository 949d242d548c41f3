package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/model"
	"github.com/Sternrassler/gh-harvest/pkg/queue"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

const retryScope = "batch"

// Wait runs the control loop until every batch is terminal and returns the
// deduplicated result. After Stop it returns the partial result with
// ErrStopped once in-flight batches completed. On context cancellation the
// last checkpoint stays valid for Resume.
func (c *Coordinator) Wait(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return nil, ErrNoRun
	}
	if c.waiting {
		c.mu.Unlock()
		return nil, fmt.Errorf("wait: %w", ErrRunActive)
	}
	c.waiting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting = false
		c.mu.Unlock()
	}()

	logger := c.logger.With().Str("run_id", r.id).Logger()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	completions, pumpErr := c.pump(loopCtx)

	stopCh := c.stopCh
	stopped := false
	lastProgress := c.cfg.Clock.Now()
	idleWarned := false
	reapC := c.cfg.Clock.After(c.cfg.ReapInterval)

	for {
		if r.finished() {
			return c.finish(logger), nil
		}
		if stopped && r.inFlight() == 0 {
			if err := c.save(ctx, r); err != nil {
				logger.Error().Err(err).Msg("Failed to write checkpoint on stop")
			}
			logger.Info().
				Int("pending", len(r.retries)).
				Int("completed", len(r.completed)).
				Msg("Run stopped")
			return c.Result(), ErrStopped
		}

		var retryC <-chan time.Time
		if !stopped {
			if _, due, ok := r.nextRetry(); ok {
				retryC = c.cfg.Clock.After(due.Sub(c.cfg.Clock.Now()))
			}
		}

		select {
		case <-ctx.Done():
			logger.Warn().
				Int("completed", len(r.completed)).
				Int("in_flight", r.inFlight()).
				Msg("Wait canceled, resume from the last checkpoint")
			return nil, ctx.Err()

		case <-stopCh:
			stopped = true
			stopCh = nil

		case err := <-pumpErr:
			return nil, fmt.Errorf("receive completions: %w", err)

		case comp := <-completions:
			c.handle(ctx, r, comp, logger)
			lastProgress = c.cfg.Clock.Now()
			idleWarned = false

		case <-retryC:
			c.submitDue(ctx, r, logger)

		case <-reapC:
			now := c.cfg.Clock.Now()
			if n, err := c.cfg.Broker.Reap(ctx, now); err != nil {
				logger.Warn().Err(err).Msg("Reaping expired leases failed")
			} else if n > 0 {
				logger.Warn().Int("reaped", n).Msg("Expired leases reaped")
			}

			if c.cfg.IdleTimeout > 0 && !idleWarned && now.Sub(lastProgress) >= c.cfg.IdleTimeout {
				logger.Warn().
					Dur("idle", now.Sub(lastProgress)).
					Strs("in_flight", r.inFlightIDs()).
					Msg("No batch completed recently")
				idleWarned = true
			}
			reapC = c.cfg.Clock.After(c.cfg.ReapInterval)
		}
	}
}

// pump forwards broker completions until ctx is done.
func (c *Coordinator) pump(ctx context.Context) (<-chan queue.Completion, <-chan error) {
	out := make(chan queue.Completion)
	errc := make(chan error, 1)

	go func() {
		for {
			comp, err := c.cfg.Broker.Completions(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errc <- err
				}
				return
			}
			select {
			case out <- comp:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

// handle applies one completion.
func (c *Coordinator) handle(ctx context.Context, r *runState, comp queue.Completion, logger zerolog.Logger) {
	b, ok := r.byID[comp.BatchID]
	if !ok {
		completionsTotal.WithLabelValues(outcomeUnknown).Inc()
		logger.Debug().Str("batch_id", comp.BatchID).Msg("Ignoring completion of unknown batch")
		return
	}

	logger = logger.With().
		Str("batch_id", b.ID).
		Int("attempt", comp.Attempt).
		Logger()

	if b.Status.IsTerminal() {
		completionsTotal.WithLabelValues(outcomeDuplicate).Inc()
		logger.Debug().Str("status", string(b.Status)).Msg("Ignoring completion of terminal batch")
		return
	}

	if comp.Failed() {
		c.handleFailure(ctx, r, b, comp, logger)
	} else {
		c.handleSuccess(ctx, r, b, comp, logger)
	}
	c.updateGauges(r)
}

// handleSuccess merges a result, including one from an older attempt.
func (c *Coordinator) handleSuccess(ctx context.Context, r *runState, b *model.Batch, comp queue.Completion, logger zerolog.Logger) {
	if r.completedSet[b.ID] {
		completionsTotal.WithLabelValues(outcomeDuplicate).Inc()
		return
	}
	res := comp.Result

	c.mu.Lock()
	added := r.agg.merge(res.Projects())
	succeeded, failed, ineligible := res.Counts()
	r.counters.AccountsSucceeded += succeeded
	r.counters.AccountsFailed += failed
	r.counters.AccountsIneligible += ineligible
	r.counters.ProjectsCollected = r.agg.len()
	r.accountsProcessed += len(res.Outcomes)
	for _, o := range res.Outcomes {
		if o.Status == model.OutcomeFailure {
			r.failures = append(r.failures, checkpoint.Failure{
				Login:   o.Login,
				BatchID: b.ID,
				Reason:  o.Reason,
				Detail:  o.Detail,
			})
		}
	}
	b.Status = model.BatchSucceeded
	b.LastError = ""
	r.completed = append(r.completed, b.ID)
	r.completedSet[b.ID] = true
	delete(r.retries, b.ID)
	c.mu.Unlock()

	completionsTotal.WithLabelValues(outcomeMerged).Inc()
	event := logger.Info()
	if comp.Attempt < b.AttemptCount {
		event = event.Bool("stale_attempt", true)
	}
	event.
		Str("worker", res.Worker).
		Int("projects_added", added).
		Int("accounts_succeeded", succeeded).
		Int("accounts_failed", failed).
		Int("done", r.terminal()).
		Int("total", len(r.batches)).
		Msg("Batch succeeded")

	if err := c.save(ctx, r); err != nil {
		logger.Error().Err(err).Msg("Failed to write checkpoint")
	}
}

// handleFailure schedules a retry or marks the batch permanently failed.
// Failures of an older attempt, or of an attempt whose retry is already
// scheduled, are ignored.
func (c *Coordinator) handleFailure(ctx context.Context, r *runState, b *model.Batch, comp queue.Completion, logger zerolog.Logger) {
	if comp.Attempt < b.AttemptCount || b.Status == model.BatchPending {
		completionsTotal.WithLabelValues(outcomeStale).Inc()
		logger.Debug().Str("reason", comp.Err).Msg("Ignoring stale failure")
		return
	}

	if r.policy.ShouldRetry(b.AttemptCount + 1) {
		c.mu.Lock()
		b.AttemptCount++
		b.Status = model.BatchPending
		b.LastError = comp.Err
		c.mu.Unlock()

		delay := r.policy.Delay(retryScope, b.AttemptCount)
		c.mu.Lock()
		r.retries[b.ID] = c.cfg.Clock.Now().Add(delay)
		c.mu.Unlock()

		completionsTotal.WithLabelValues(outcomeRetried).Inc()
		logger.Warn().
			Str("reason", comp.Err).
			Int("next_attempt", b.AttemptCount).
			Dur("backoff", delay).
			Msg("Batch failed, retrying")

		if err := c.save(ctx, r); err != nil {
			logger.Error().Err(err).Msg("Failed to write checkpoint")
		}
		return
	}

	retry.Exhausted(retryScope)

	c.mu.Lock()
	b.Status = model.BatchFailedPermanent
	b.LastError = comp.Err
	r.failed[b.ID] = comp.Err
	for _, login := range b.Logins {
		r.failures = append(r.failures, checkpoint.Failure{
			Login:   login,
			BatchID: b.ID,
			Reason:  model.ReasonBatchFailed,
			Detail:  comp.Err,
		})
	}
	r.counters.AccountsFailed += len(b.Logins)
	r.accountsProcessed += len(b.Logins)
	c.mu.Unlock()

	completionsTotal.WithLabelValues(outcomeFailed).Inc()
	logger.Error().
		Str("reason", comp.Err).
		Int("attempts", b.AttemptCount+1).
		Strs("logins", b.Logins).
		Msg("Batch failed permanently")

	if err := c.save(ctx, r); err != nil {
		logger.Error().Err(err).Msg("Failed to write checkpoint")
	}
}

// submitDue enqueues every retry whose backoff has elapsed.
func (c *Coordinator) submitDue(ctx context.Context, r *runState, logger zerolog.Logger) {
	now := c.cfg.Clock.Now()
	for {
		id, due, ok := r.nextRetry()
		if !ok || due.After(now) {
			break
		}

		c.mu.Lock()
		delete(r.retries, id)
		c.mu.Unlock()

		b := r.byID[id]
		if b.Status != model.BatchPending {
			continue
		}
		if err := c.submit(ctx, r, b); err != nil {
			logger.Error().Err(err).Str("batch_id", id).Msg("Resubmit failed, will try again")
			c.mu.Lock()
			r.retries[id] = now.Add(c.cfg.ReapInterval)
			c.mu.Unlock()
			break
		}
		logger.Debug().Str("batch_id", id).Int("attempt", b.AttemptCount).Msg("Batch resubmitted")
	}
	c.updateGauges(r)
}

// finish logs the summary of a completed run and returns its result.
func (c *Coordinator) finish(logger zerolog.Logger) *Result {
	res := c.Result()
	logger.Info().
		Int("accounts_succeeded", res.Summary.AccountsSucceeded).
		Int("accounts_failed", res.Summary.AccountsFailed).
		Int("accounts_ineligible", res.Summary.AccountsIneligible).
		Int("projects_collected", len(res.Projects)).
		Int("batches_failed", res.Summary.BatchesFailed).
		Dur("duration", res.Summary.Duration).
		Msg("Run finished")
	return res
}
