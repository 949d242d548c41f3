package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_coordinator_completions_total",
		Help: "Batch completions handled by the coordinator by outcome",
	}, []string{"outcome"})

	batchesDone = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gh_harvest_coordinator_batches",
		Help: "Batches of the current run by status",
	}, []string{"status"})

	projectsCollected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gh_harvest_coordinator_projects_collected",
		Help: "Distinct projects in the aggregate of the current run",
	})

	checkpointErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gh_harvest_coordinator_checkpoint_errors_total",
		Help: "Checkpoint writes that failed",
	})
)

// Completion outcomes.
const (
	outcomeMerged    = "merged"
	outcomeDuplicate = "duplicate"
	outcomeStale     = "stale"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeUnknown   = "unknown"
)
