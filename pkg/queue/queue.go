// Package queue distributes batches from the coordinator to workers.
//
// Delivery is at-least-once. A worker holds a lease on every delivery it is
// processing and must Extend it while working. Leases that run out are
// turned into failure completions by Reap, so the coordinator can retry the
// batch. A worker that finishes after its lease expired still acks; the
// coordinator's idempotent merge absorbs the duplicate.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/gh-harvest/pkg/model"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")

	// ErrLeaseLost is returned by Extend when the lease already expired.
	ErrLeaseLost = errors.New("lease lost")
)

// Failure reasons produced by the broker and the worker pool.
const (
	ReasonLeaseExpired = "lease expired"
	ReasonTimeout      = "timeout"
	ReasonPanic        = "worker panic"
)

// DefaultLeaseTimeout is how long a delivery stays leased without Extend.
const DefaultLeaseTimeout = 5 * time.Minute

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_queue_operations_total",
		Help: "Broker operations by backend and operation",
	}, []string{"backend", "op"})

	leasesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_queue_leases_expired_total",
		Help: "Leases reaped after their deadline passed",
	}, []string{"backend"})
)

// Task is one batch submission.
type Task struct {
	BatchID    string    `json:"batch_id"`
	RunID      string    `json:"run_id"`
	Attempt    int       `json:"attempt"`
	Logins     []string  `json:"logins"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Batch returns the batch the task carries.
func (t Task) Batch() model.Batch {
	return model.Batch{
		ID:           t.BatchID,
		Logins:       t.Logins,
		Status:       model.BatchInProgress,
		AttemptCount: t.Attempt,
	}
}

// Delivery is a leased task.
type Delivery struct {
	Task     Task      `json:"task"`
	LeaseID  string    `json:"lease_id"`
	Deadline time.Time `json:"deadline"`
}

// Completion reports the end of one delivery: a result, or the reason the
// batch did not finish.
type Completion struct {
	BatchID string             `json:"batch_id"`
	Attempt int                `json:"attempt"`
	Result  *model.BatchResult `json:"result,omitempty"`
	Err     string             `json:"error,omitempty"`
}

// Failed reports whether the delivery ended without a result.
func (c Completion) Failed() bool {
	return c.Result == nil
}

// Broker is the task queue between the coordinator and the workers.
type Broker interface {
	// Enqueue submits a task.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available and leases it.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Extend renews the lease of d.
	Extend(ctx context.Context, d *Delivery) error

	// Ack releases the lease and publishes a success completion. It
	// publishes even if the lease already expired.
	Ack(ctx context.Context, d *Delivery, result model.BatchResult) error

	// Nack releases the lease and publishes a failure completion, unless
	// the lease was already reaped.
	Nack(ctx context.Context, d *Delivery, reason string) error

	// Completions blocks until a completion is available.
	Completions(ctx context.Context) (Completion, error)

	// Reap turns leases whose deadline is before now into failure
	// completions and returns how many it reaped.
	Reap(ctx context.Context, now time.Time) (int, error)

	// Close releases the broker. Blocked calls return ErrClosed.
	Close() error
}
