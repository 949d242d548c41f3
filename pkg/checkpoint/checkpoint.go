// Package checkpoint persists coordinator progress so a run can be resumed
// after a restart.
//
// A Checkpoint holds the full plan together with the partial aggregate, so
// it is the only input needed to resume. Only the coordinator writes
// checkpoints; every write replaces the previous one for the run.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// ErrNotFound is returned when no checkpoint exists for the run.
var ErrNotFound = errors.New("checkpoint not found")

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_checkpoint_saves_total",
		Help: "Checkpoint writes by store and result",
	}, []string{"store", "result"})

	checkpointBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gh_harvest_checkpoint_size_bytes",
		Help: "Size of the last checkpoint written by store",
	}, []string{"store"})
)

// Counters are the run-level totals.
type Counters struct {
	AccountsSucceeded  int `json:"accounts_succeeded"`
	AccountsFailed     int `json:"accounts_failed"`
	AccountsIneligible int `json:"accounts_ineligible"`
	ProjectsCollected  int `json:"projects_collected"`
}

// Failure is a per-account failure recorded in the run summary.
type Failure struct {
	Login   string              `json:"login"`
	BatchID string              `json:"batch_id"`
	Reason  model.FailureReason `json:"reason"`
	Detail  string              `json:"detail,omitempty"`
}

// Checkpoint is a snapshot of a run.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	BatchSize  int       `json:"batch_size"`
	MaxRetries int       `json:"max_retries"`

	// Batches is the plan, in order.
	Batches []model.Batch `json:"batches"`

	CompletedBatchIDs []string `json:"completed_batch_ids"`

	// FailedBatches maps permanently failed batch ids to their last reason.
	FailedBatches map[string]string `json:"failed_batches"`

	PartialAggregate  []model.ProjectRecord `json:"partial_aggregate"`
	AccountsProcessed int                   `json:"accounts_processed"`
	Counters          Counters              `json:"counters"`
	Failures          []Failure             `json:"failures"`

	SavedAt time.Time `json:"saved_at"`
}

// Validate checks that the checkpoint is internally consistent.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return errors.New("checkpoint has no run id")
	}

	planned := make(map[string]bool, len(c.Batches))
	for _, b := range c.Batches {
		if planned[b.ID] {
			return fmt.Errorf("duplicate batch %s in plan", b.ID)
		}
		planned[b.ID] = true
	}
	for _, id := range c.CompletedBatchIDs {
		if !planned[id] {
			return fmt.Errorf("completed batch %s not in plan", id)
		}
		if _, failed := c.FailedBatches[id]; failed {
			return fmt.Errorf("batch %s is both completed and failed", id)
		}
	}
	for id := range c.FailedBatches {
		if !planned[id] {
			return fmt.Errorf("failed batch %s not in plan", id)
		}
	}
	return nil
}

// Pending returns the planned batches that are neither completed nor
// permanently failed, in plan order.
func (c *Checkpoint) Pending() []model.Batch {
	done := make(map[string]bool, len(c.CompletedBatchIDs)+len(c.FailedBatches))
	for _, id := range c.CompletedBatchIDs {
		done[id] = true
	}
	for id := range c.FailedBatches {
		done[id] = true
	}

	var pending []model.Batch
	for _, b := range c.Batches {
		if !done[b.ID] {
			pending = append(pending, b)
		}
	}
	return pending
}

// Done reports whether every planned batch is terminal.
func (c *Checkpoint) Done() bool {
	return len(c.CompletedBatchIDs)+len(c.FailedBatches) >= len(c.Batches)
}

// FailedIDs returns the permanently failed batch ids in sorted order.
func (c *Checkpoint) FailedIDs() []string {
	ids := make([]string, 0, len(c.FailedBatches))
	for id := range c.FailedBatches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store persists checkpoints.
type Store interface {
	// Save replaces the checkpoint of c.RunID.
	Save(ctx context.Context, c *Checkpoint) error

	// Load returns the checkpoint of runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Latest returns the most recently saved checkpoint, or ErrNotFound.
	Latest(ctx context.Context) (*Checkpoint, error)
}
