// Package metrics provides the Prometheus registry surface for the
// calculator system. All collectors are defined in their respective
// packages (cache, client, proxy, server) via promauto to maintain
// modularity and avoid circular dependencies.
//
// This package provides the HTTP exposition handler and documentation
// for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by all packages.
// Collectors are automatically registered via promauto.
var Registry = prometheus.DefaultRegisterer

// Handler returns the exposition handler for the default registry,
// mounted by the proxy binary when a metrics address is configured.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - calc_cache_hits_total{backend} (Counter): Responses served from cache
//   - calc_cache_misses_total (Counter): Lookups that found no entry
//   - calc_cache_insertions_total{backend} (Counter): Responses stored
//   - calc_cache_errors_total{operation} (Counter): Backend operation errors
//
// Proxy Metrics (pkg/proxy):
//   - calc_proxy_requests_total{outcome} (Counter): Requests by decision
//     outcome (hit, miss, stale, bypass, error)
//   - calc_proxy_forward_duration_seconds (Histogram): Upstream forward
//     duration
//
// Client Metrics (pkg/client):
//   - calc_client_requests_total{status} (Counter): Round trips by status
//   - calc_client_request_duration_seconds (Histogram): Round-trip duration
//   - calc_client_retries_total (Counter): Retried round trips
//   - calc_client_retry_exhausted_total (Counter): Requests that exhausted
//     retry attempts
//
// Server Metrics (pkg/server):
//   - calc_server_requests_total{status} (Counter): Evaluated requests
//   - calc_server_eval_duration_seconds (Histogram): Evaluation duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(calc_cache_hits_total[5m])) /
//   (sum(rate(calc_cache_hits_total[5m])) + sum(rate(calc_cache_misses_total[5m])))
//
//   # Upstream Error Rate
//   rate(calc_proxy_requests_total{outcome="error"}[5m])
//
//   # P95 Forward Latency
//   histogram_quantile(0.95, rate(calc_proxy_forward_duration_seconds_bucket[5m]))
