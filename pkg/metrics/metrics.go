// Package metrics provides the Prometheus registry and HTTP handler for the
// extractor. Metrics are defined in their owning packages (pipeline, rpc,
// cache, store, publish, subgraph) to keep packages independent.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the extractor.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the metrics registered in Registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// Metrics Documentation
//
// Pipeline Metrics (pkg/pipeline), labelled by stage (extract, publish, subgraph):
//   - pipeline_items_total{stage, outcome} (Counter): Work item outcomes (success, skipped, failed)
//   - pipeline_batch_duration_seconds{stage} (Histogram): Time to settle one batch
//   - pipeline_failure_set_size{stage} (Gauge): Items waiting for the retry drain
//   - pipeline_retry_attempts_total{stage} (Counter): Attempts made by the retry drain
//   - pipeline_permanently_failed_total{stage} (Counter): Items given up after the attempt limit
//   - extract_reconciliation_mismatch (Gauge): Remote total minus persisted count
//
// Request Metrics (pkg/rpc):
//   - rpc_requests_total{method, status} (Counter): JSON-RPC requests by method and status
//   - rpc_request_duration_seconds{method} (Histogram): Request duration including retries
//   - rpc_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/rpc):
//   - rpc_retries_total{error_class} (Counter): Retry attempts by error class
//   - rpc_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - rpc_retry_exhausted_total{error_class} (Counter): Calls that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - rpc_cache_hits_total (Counter): eth_call results served from Redis
//   - rpc_cache_misses_total (Counter): Cache misses
//   - rpc_cache_size_bytes (Counter): Bytes written to the cache
//   - rpc_cache_errors_total{operation} (Counter): Cache operation errors
//
// Store Metrics (pkg/store):
//   - store_writes_total{kind, result} (Counter): File writes (record, blob, manifest)
//
// Publish Metrics (pkg/publish):
//   - publish_uploads_total{kind, result} (Counter): Object store uploads
//
// Subgraph Metrics (pkg/subgraph):
//   - subgraph_queries_total{result} (Counter): Token queries (ok, error)
//
// Example Prometheus Queries:
//
//   # Item failure rate
//   rate(pipeline_items_total{stage="extract", outcome="failed"}[5m]) /
//   rate(pipeline_items_total{stage="extract"}[5m])
//
//   # Cache Hit Rate
//   sum(rate(rpc_cache_hits_total[5m])) /
//   (sum(rate(rpc_cache_hits_total[5m])) + sum(rate(rpc_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(rpc_request_duration_seconds_bucket[5m]))
//
//   # Drift after the last run
//   extract_reconciliation_mismatch != 0
