// Package metrics exposes the Prometheus registry gh-harvest reports to.
// All metrics are defined in their respective packages via promauto to
// maintain modularity and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer every package registers with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the counterpart of Registry served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// NewMux returns a mux serving /metrics and a /health liveness probe.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Metrics Documentation
//
// Credential Pool Metrics (pkg/credential):
//   - gh_harvest_credential_remaining{credential, class} (Gauge): Local estimate of calls left
//   - gh_harvest_credential_inflight{credential} (Gauge): Reserved, unsettled calls
//   - gh_harvest_credential_acquire_wait_seconds{class} (Histogram): Time Acquire blocked
//   - gh_harvest_credential_transitions_total{class, to} (Counter): State changes
//
// Quota Mirror Metrics (pkg/ratelimit):
//   - gh_harvest_quota_sync_total{op, result} (Counter): Redis quota snapshot reads and writes
//
// Request Metrics (pkg/client):
//   - gh_harvest_requests_total{operation, status} (Counter): GitHub requests
//   - gh_harvest_request_duration_seconds{operation} (Histogram): Request duration
//   - gh_harvest_errors_total{class} (Counter): Errors by class
//
// Cache Metrics (pkg/cache):
//   - gh_harvest_cache_hits_total{layer} (Counter): ETag cache hits
//   - gh_harvest_cache_misses_total (Counter): ETag cache misses
//   - gh_harvest_cache_size_bytes{layer} (Gauge): Bytes written to the cache
//   - gh_harvest_conditional_requests_total (Counter): Requests sent with If-None-Match
//   - gh_harvest_304_responses_total (Counter): 304 responses served from cache
//   - gh_harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Retry Metrics (pkg/retry):
//   - gh_harvest_retries_total{scope} (Counter): Retries by scope (account, search, batch)
//   - gh_harvest_retry_backoff_seconds{scope} (Histogram): Backoff duration
//   - gh_harvest_retry_exhausted_total{scope} (Counter): Retry budgets exhausted
//
// Collection Metrics (pkg/collector, pkg/discovery):
//   - gh_harvest_accounts_total{outcome, reason} (Counter): Accounts processed
//   - gh_harvest_api_calls_total{class} (Counter): Upstream calls by resource class
//   - gh_harvest_account_duration_seconds (Histogram): Time per account
//   - gh_harvest_discovery_accounts_total{result} (Counter): Search results
//
// Queue and Worker Metrics (pkg/queue, pkg/worker):
//   - gh_harvest_queue_operations_total{backend, op} (Counter): Broker operations
//   - gh_harvest_queue_leases_expired_total{backend} (Counter): Leases reaped
//   - gh_harvest_worker_batches_total{result} (Counter): Batches by worker result
//   - gh_harvest_worker_batch_duration_seconds (Histogram): Time per batch
//   - gh_harvest_worker_busy (Gauge): Workers executing a batch
//
// Coordinator Metrics (pkg/coordinator, pkg/checkpoint):
//   - gh_harvest_coordinator_completions_total{outcome} (Counter): Completions handled
//   - gh_harvest_coordinator_batches{status} (Gauge): Batches of the current run
//   - gh_harvest_coordinator_projects_collected (Gauge): Distinct projects aggregated
//   - gh_harvest_coordinator_checkpoint_errors_total (Counter): Failed checkpoint writes
//   - gh_harvest_checkpoint_saves_total{store, result} (Counter): Checkpoint writes
//   - gh_harvest_checkpoint_size_bytes{store} (Gauge): Size of the last checkpoint
//
// Example Prometheus Queries:
//
//   # Batch failure rate
//   rate(gh_harvest_coordinator_completions_total{outcome="failed"}[5m])
//
//   # Credentials close to exhaustion
//   gh_harvest_credential_remaining < 50
//
//   # P95 time waiting for a credential
//   histogram_quantile(0.95, rate(gh_harvest_credential_acquire_wait_seconds_bucket[5m]))
//
//   # Cache Hit Rate
//   sum(rate(gh_harvest_cache_hits_total[5m])) /
//   (sum(rate(gh_harvest_cache_hits_total[5m])) + sum(rate(gh_harvest_cache_misses_total[5m])))
