package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/model"
	"github.com/Sternrassler/gh-harvest/pkg/queue"
)

// ReasonStopped is the nack reason for a batch interrupted by shutdown.
const ReasonStopped = "stopped"

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_worker_batches_total",
		Help: "Batches handled by workers by result",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gh_harvest_worker_batch_duration_seconds",
		Help:    "Time spent executing one batch",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gh_harvest_worker_busy",
		Help: "Workers currently executing a batch",
	})
)

// Executor executes one batch.
type Executor interface {
	Execute(ctx context.Context, batch model.Batch) model.BatchResult
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of competing consumers.
	Workers int

	// BatchTimeout bounds one batch execution.
	BatchTimeout time.Duration

	// HeartbeatInterval is how often a lease is extended. Keep it well
	// below the broker's lease timeout.
	HeartbeatInterval time.Duration

	// ID prefixes worker ids in results and logs (default: hostname).
	ID string
}

// DefaultConfig returns safe default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		BatchTimeout:      2 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Pool is a fixed set of workers.
type Pool struct {
	broker queue.Broker
	exec   Executor
	config Config
	logger zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(broker queue.Broker, exec Executor, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 2 * time.Hour
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		config.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &Pool{
		broker: broker,
		exec:   exec,
		config: config,
		logger: log.With().Str("component", "worker-pool").Logger(),
	}
}

// Run starts the workers and blocks until ctx is done or the broker is
// closed. Batches in progress at shutdown are nacked.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("workers", p.config.Workers).
		Dur("batch_timeout", p.config.BatchTimeout).
		Msg("Starting worker pool")

	errs := make(chan error, p.config.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, errs, fmt.Sprintf("%s/%d", p.config.ID, i))
	}
	wg.Wait()
	close(errs)

	// First unexpected error, if any
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

// worker consumes deliveries until shutdown.
func (p *Pool) worker(ctx context.Context, wg *sync.WaitGroup, errs chan<- error, workerID string) {
	defer wg.Done()
	logger := p.logger.With().Str("worker_id", workerID).Logger()
	processed := 0

	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				logger.Debug().
					Int("batches_processed", processed).
					Msg("Worker stopping")
				return
			}
			logger.Error().Err(err).Msg("Dequeue failed")
			// Non-blocking error send
			select {
			case errs <- err:
			default:
			}
			return
		}

		p.handle(ctx, d, workerID, logger)
		processed++
	}
}

type execOutcome struct {
	result model.BatchResult
	panic  interface{}
}

// handle executes one delivery and reports it to the broker.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery, workerID string, logger zerolog.Logger) {
	logger = logger.With().
		Str("batch_id", d.Task.BatchID).
		Int("attempt", d.Task.Attempt).
		Logger()

	busyWorkers.Inc()
	defer busyWorkers.Dec()
	start := time.Now()

	batchCtx, cancel := context.WithTimeout(ctx, p.config.BatchTimeout)
	defer cancel()

	stopHeartbeat := p.heartbeat(batchCtx, d, logger)

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{panic: r}
			}
		}()
		done <- execOutcome{result: p.exec.Execute(batchCtx, d.Task.Batch())}
	}()
	out := <-done
	stopHeartbeat()
	batchDuration.Observe(time.Since(start).Seconds())

	// Report even when ctx is already canceled.
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer reportCancel()

	var reason string
	switch {
	case out.panic != nil:
		reason = queue.ReasonPanic
		logger.Error().Interface("panic", out.panic).Msg("Batch execution panicked")
	case ctx.Err() != nil:
		reason = ReasonStopped
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded):
		reason = queue.ReasonTimeout
		logger.Warn().Dur("timeout", p.config.BatchTimeout).Msg("Batch timed out")
	}

	if reason != "" {
		batchesTotal.WithLabelValues(reason).Inc()
		if err := p.broker.Nack(reportCtx, d, reason); err != nil {
			logger.Error().Err(err).Str("reason", reason).Msg("Nack failed")
		}
		return
	}

	out.result.Worker = workerID
	if err := p.broker.Ack(reportCtx, d, out.result); err != nil {
		logger.Error().Err(err).Msg("Ack failed")
		return
	}
	batchesTotal.WithLabelValues("acked").Inc()
	logger.Debug().Dur("duration", time.Since(start)).Msg("Batch acked")
}

// heartbeat extends the lease of d until the returned stop func is called.
func (p *Pool) heartbeat(ctx context.Context, d *queue.Delivery, logger zerolog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.broker.Extend(hbCtx, d)
				switch {
				case err == nil:
				case errors.Is(err, queue.ErrLeaseLost):
					// Keep working; the late ack still reaches the coordinator.
					logger.Warn().Msg("Lease lost while executing")
					return
				case hbCtx.Err() == nil:
					logger.Warn().Err(err).Msg("Lease extension failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-finished
	}
}
