// Package metrics exposes the Prometheus metrics of the CRM records client.
// Metrics are declared with promauto in the packages that record them; this
// package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all client metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler returns an HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - crm_requests_total{module, status} (Counter): Requests by module and HTTP status
//   - crm_request_duration_seconds{module} (Histogram): Request duration by module
//   - crm_errors_total{class} (Counter): Errors by class
//
// Pagination Metrics (pkg/pagination, pkg/records):
//   - crm_pages_fetched_total{mode, result} (Counter): Page fetches by mode and result
//   - crm_page_batch_duration_seconds{mode} (Histogram): Duration of one page batch
//   - crm_pagination_overruns_total (Counter): Listings that hit the page cap
//   - crm_list_operations_total{mode, result} (Counter): Listings by mode and result
//
// Token Metrics (pkg/auth, pkg/cache):
//   - crm_token_refreshes_total{result} (Counter): Refresh round trips
//   - crm_token_refresh_shared_total (Counter): Callers served by an in-flight refresh
//   - crm_token_cache_hits_total (Counter): Token cache hits
//   - crm_token_cache_misses_total (Counter): Token cache misses
//   - crm_token_cache_errors_total{operation} (Counter): Token cache errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - crm_rate_limit_remaining (Gauge): API calls remaining in the window
//   - crm_rate_limit_blocks_total (Counter): Requests blocked on an exhausted allowance
//   - crm_rate_limit_throttles_total (Counter): Requests delayed on a low allowance
//
// Example Prometheus Queries:
//
//   # Token refreshes collapsed by single-flight
//   rate(crm_token_refresh_shared_total[5m])
//
//   # Allowance running low
//   crm_rate_limit_remaining < 20
//
//   # Failed listings
//   rate(crm_list_operations_total{result="failed"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(crm_request_duration_seconds_bucket[5m]))
