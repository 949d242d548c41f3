package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QuotaRemaining tracks the local estimate of calls left per credential and class.
	QuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gh_harvest_credential_remaining",
			Help: "Calls remaining in the current window per credential and resource class",
		},
		[]string{"credential", "class"},
	)

	// InFlight tracks reserved, unsettled calls per credential.
	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gh_harvest_credential_inflight",
			Help: "Calls reserved but not yet settled per credential",
		},
		[]string{"credential"},
	)

	// AcquireWait tracks how long Acquire blocked before returning a credential.
	AcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gh_harvest_credential_acquire_wait_seconds",
			Help:    "Time spent waiting for a credential by resource class",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 600, 3600},
		},
		[]string{"class"},
	)

	// Transitions counts state changes per class and target state.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gh_harvest_credential_transitions_total",
			Help: "Credential state transitions by resource class and target state",
		},
		[]string{"class", "to"},
	)
)
