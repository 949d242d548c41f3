// Package coordinator plans a run into batches, submits them to the broker
// and drives every batch to a terminal state.
//
// The control loop in Wait is single-threaded: it consumes completions,
// reaps expired leases, schedules retries and writes a checkpoint after
// every batch that reaches a terminal state. Merging is idempotent, so a
// batch delivered more than once is counted once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/model"
	"github.com/Sternrassler/gh-harvest/pkg/queue"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

var (
	// ErrStopped is returned by Wait after Stop once in-flight batches drained.
	ErrStopped = errors.New("run stopped")

	// ErrNoRun is returned by Wait before Start or Resume.
	ErrNoRun = errors.New("no run started")

	// ErrRunActive is returned by Start or Resume while a run is active.
	ErrRunActive = errors.New("run already active")
)

// Clock is the time source of the coordinator.
type Clock = credential.Clock

// Config holds coordinator configuration.
type Config struct {
	Broker queue.Broker
	Store  checkpoint.Store

	// Retry supplies the batch backoff; MaxAttempts is derived from the
	// maxRetries passed to Start.
	Retry retry.Policy

	Clock  Clock
	Logger *zerolog.Logger

	// ReapInterval is how often expired leases are reaped.
	ReapInterval time.Duration

	// IdleTimeout logs a warning with the in-flight batch ids when no
	// completion arrived for this long. Zero disables the watchdog.
	IdleTimeout time.Duration
}

// DefaultConfig returns defaults for everything but Broker and Store.
func DefaultConfig() Config {
	return Config{
		Retry:        retry.New(3, retry.BatchConfig()),
		Clock:        credential.SystemClock{},
		ReapInterval: 10 * time.Second,
		IdleTimeout:  30 * time.Minute,
	}
}

// Run identifies a started run.
type Run struct {
	ID        string
	StartedAt time.Time
	Batches   int
	Accounts  int
}

// Progress is a snapshot of a run. BatchesInFlight counts batches handed
// to the broker, whether still queued or leased by a worker; batches waiting
// out a retry backoff are not counted.
type Progress struct {
	RunID              string `json:"run_id"`
	BatchesTotal       int    `json:"batches_total"`
	BatchesDone        int    `json:"batches_done"`
	BatchesFailed      int    `json:"batches_failed"`
	BatchesInFlight    int    `json:"batches_in_flight"`
	AccountsSucceeded  int    `json:"accounts_succeeded"`
	AccountsFailed     int    `json:"accounts_failed"`
	AccountsIneligible int    `json:"accounts_ineligible"`
	ProjectsCollected  int    `json:"projects_collected"`
}

// runState is the mutable state of the active run. It is written by the
// control loop under Coordinator.mu.
type runState struct {
	id         string
	startedAt  time.Time
	batchSize  int
	maxRetries int
	policy     retry.Policy

	batches []*model.Batch
	byID    map[string]*model.Batch

	completed    []string
	completedSet map[string]bool
	failed       map[string]string

	agg               *aggregate
	accountsProcessed int
	counters          checkpoint.Counters
	failures          []checkpoint.Failure

	// retries holds batches waiting for their backoff, by due time.
	retries map[string]time.Time
}

func (r *runState) terminal() int {
	return len(r.completed) + len(r.failed)
}

func (r *runState) finished() bool {
	return r.terminal() >= len(r.batches)
}

func (r *runState) inFlight() int {
	n := 0
	for _, b := range r.batches {
		if b.Status == model.BatchInProgress {
			n++
		}
	}
	return n
}

func (r *runState) inFlightIDs() []string {
	var ids []string
	for _, b := range r.batches {
		if b.Status == model.BatchInProgress {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// Coordinator drives one run at a time.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	run     *runState
	waiting bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a coordinator. Broker and Store are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Broker == nil {
		return nil, errors.New("coordinator: broker is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("coordinator: checkpoint store is required")
	}
	def := DefaultConfig()
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = def.Retry.Backoff
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}

	logger := log.With().Str("component", "coordinator").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "coordinator").Logger()
	}

	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Start plans accounts into batches, writes the initial checkpoint and
// submits every batch. A batch fails permanently after maxRetries retries.
func (c *Coordinator) Start(ctx context.Context, accounts []string, batchSize, maxRetries int) (*Run, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	runID := uuid.NewString()
	planned := Plan(runID, accounts, batchSize)

	r := c.newRunState(runID, c.cfg.Clock.Now(), batchSize, maxRetries, planned, nil)

	if err := c.activate(r); err != nil {
		return nil, err
	}
	if err := c.save(ctx, r); err != nil {
		c.deactivate()
		return nil, fmt.Errorf("write initial checkpoint: %w", err)
	}
	if err := c.submitAll(ctx, r); err != nil {
		c.deactivate()
		return nil, err
	}

	c.logger.Info().
		Str("run_id", runID).
		Int("accounts", len(accounts)).
		Int("batches", len(planned)).
		Int("batch_size", batchSize).
		Int("max_retries", maxRetries).
		Msg("Run started")

	return &Run{ID: runID, StartedAt: r.startedAt, Batches: len(planned), Accounts: len(accounts)}, nil
}

// Resume restores a run from cp and resubmits every batch that is neither
// completed nor permanently failed.
func (c *Coordinator) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (*Run, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	r := c.newRunState(cp.RunID, cp.StartedAt, cp.BatchSize, cp.MaxRetries, cp.Batches, cp.PartialAggregate)
	for _, id := range cp.CompletedBatchIDs {
		r.byID[id].Status = model.BatchSucceeded
		r.completed = append(r.completed, id)
		r.completedSet[id] = true
	}
	for id, reason := range cp.FailedBatches {
		r.byID[id].Status = model.BatchFailedPermanent
		r.byID[id].LastError = reason
		r.failed[id] = reason
	}
	r.accountsProcessed = cp.AccountsProcessed
	r.counters = cp.Counters
	r.counters.ProjectsCollected = r.agg.len()
	r.failures = append(r.failures, cp.Failures...)

	accounts := 0
	for _, b := range r.batches {
		accounts += len(b.Logins)
		if !b.Status.IsTerminal() {
			b.Status = model.BatchPending
		}
	}

	if err := c.activate(r); err != nil {
		return nil, err
	}
	if err := c.submitAll(ctx, r); err != nil {
		c.deactivate()
		return nil, err
	}

	c.logger.Info().
		Str("run_id", r.id).
		Int("completed", len(r.completed)).
		Int("failed", len(r.failed)).
		Int("resubmitted", len(r.batches)-r.terminal()).
		Int("projects", r.agg.len()).
		Msg("Run resumed")

	return &Run{ID: r.id, StartedAt: r.startedAt, Batches: len(r.batches), Accounts: accounts}, nil
}

func (c *Coordinator) newRunState(id string, startedAt time.Time, batchSize, maxRetries int, planned []model.Batch, seed []model.ProjectRecord) *runState {
	r := &runState{
		id:           id,
		startedAt:    startedAt,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		policy:       retry.Policy{MaxAttempts: maxRetries + 1, Backoff: c.cfg.Retry.Backoff},
		byID:         make(map[string]*model.Batch, len(planned)),
		completedSet: make(map[string]bool),
		failed:       make(map[string]string),
		agg:          newAggregate(seed),
		retries:      make(map[string]time.Time),
	}
	for i := range planned {
		b := planned[i]
		b.Logins = append([]string(nil), b.Logins...)
		r.batches = append(r.batches, &b)
		r.byID[b.ID] = &b
	}
	return r
}

func (c *Coordinator) activate(r *runState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil && !c.run.finished() {
		return ErrRunActive
	}
	c.run = r
	return nil
}

func (c *Coordinator) deactivate() {
	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()
}

// submitAll enqueues every PENDING batch.
func (c *Coordinator) submitAll(ctx context.Context, r *runState) error {
	for _, b := range r.batches {
		if b.Status != model.BatchPending {
			continue
		}
		if err := c.submit(ctx, r, b); err != nil {
			return err
		}
	}
	c.updateGauges(r)
	return nil
}

// submit enqueues b with its current attempt count and marks it IN_PROGRESS.
func (c *Coordinator) submit(ctx context.Context, r *runState, b *model.Batch) error {
	task := queue.Task{
		BatchID:    b.ID,
		RunID:      r.id,
		Attempt:    b.AttemptCount,
		Logins:     b.Logins,
		EnqueuedAt: c.cfg.Clock.Now(),
	}
	if err := c.cfg.Broker.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue batch %s: %w", b.ID, err)
	}

	c.mu.Lock()
	b.Status = model.BatchInProgress
	c.mu.Unlock()
	return nil
}

// Poll returns a progress snapshot. It never blocks on the control loop.
func (c *Coordinator) Poll() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.run
	if r == nil {
		return Progress{}
	}
	return Progress{
		RunID:              r.id,
		BatchesTotal:       len(r.batches),
		BatchesDone:        r.terminal(),
		BatchesFailed:      len(r.failed),
		BatchesInFlight:    r.inFlight(),
		AccountsSucceeded:  r.counters.AccountsSucceeded,
		AccountsFailed:     r.counters.AccountsFailed,
		AccountsIneligible: r.counters.AccountsIneligible,
		ProjectsCollected:  r.agg.len(),
	}
}

// Stop ends submissions. Retries are recorded as pending in the checkpoint
// but not enqueued, and Wait returns ErrStopped once in-flight batches
// have completed.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info().Msg("Stop requested, no further batches will be submitted")
	})
}

// Checkpoint returns a checkpoint of the active run.
func (c *Coordinator) Checkpoint() *checkpoint.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.checkpointLocked(c.run)
}

func (c *Coordinator) checkpointLocked(r *runState) *checkpoint.Checkpoint {
	cp := &checkpoint.Checkpoint{
		RunID:             r.id,
		StartedAt:         r.startedAt,
		BatchSize:         r.batchSize,
		MaxRetries:        r.maxRetries,
		Batches:           make([]model.Batch, 0, len(r.batches)),
		CompletedBatchIDs: append([]string(nil), r.completed...),
		FailedBatches:     make(map[string]string, len(r.failed)),
		PartialAggregate:  r.agg.snapshot(),
		AccountsProcessed: r.accountsProcessed,
		Counters:          r.counters,
		Failures:          append([]checkpoint.Failure(nil), r.failures...),
		SavedAt:           c.cfg.Clock.Now(),
	}
	for _, b := range r.batches {
		cp.Batches = append(cp.Batches, *b)
	}
	for id, reason := range r.failed {
		cp.FailedBatches[id] = reason
	}
	return cp
}

// save writes a checkpoint of r.
func (c *Coordinator) save(ctx context.Context, r *runState) error {
	c.mu.Lock()
	cp := c.checkpointLocked(r)
	c.mu.Unlock()

	if err := c.cfg.Store.Save(ctx, cp); err != nil {
		checkpointErrors.Inc()
		return err
	}
	return nil
}

func (c *Coordinator) updateGauges(r *runState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batchesDone.WithLabelValues(string(model.BatchSucceeded)).Set(float64(len(r.completed)))
	batchesDone.WithLabelValues(string(model.BatchFailedPermanent)).Set(float64(len(r.failed)))
	batchesDone.WithLabelValues(string(model.BatchInProgress)).Set(float64(r.inFlight()))
	batchesDone.WithLabelValues(string(model.BatchPending)).Set(float64(len(r.retries)))
	projectsCollected.Set(float64(r.agg.len()))
}

// Result returns the result of the active run so far.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	if c.run == nil {
		c.mu.Unlock()
		return nil
	}
	cp := c.checkpointLocked(c.run)
	c.mu.Unlock()
	return ResultFromCheckpoint(cp, c.cfg.Clock.Now())
}

// nextRetry returns the batch whose retry is due first.
func (r *runState) nextRetry() (string, time.Time, bool) {
	if len(r.retries) == 0 {
		return "", time.Time{}, false
	}
	ids := make([]string, 0, len(r.retries))
	for id := range r.retries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := r.retries[ids[i]], r.retries[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return ids[0], r.retries[ids[0]], true
}
