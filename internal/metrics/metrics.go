// Package metrics provides Prometheus metrics for the mountkit server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gobeaver/mountkit"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mountkit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"frontend", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mountkit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"frontend", "method"},
	)

	// Registry metrics
	mountsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mountkit_mounts",
			Help: "Number of registered mounts",
		},
	)

	providerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mountkit_provider_failures_total",
			Help: "Provider failures contained by the registry",
		},
		[]string{"prefix", "class"},
	)

	// Metadata cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mountkit_metadata_cache_lookups_total",
			Help: "Metadata cache lookups by backend and result",
		},
		[]string{"backend", "result"},
	)

	// Range fetch metrics
	rangeFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mountkit_range_fetches_total",
			Help: "Byte range requests sent to remote sources",
		},
	)

	rangeFetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mountkit_range_fetch_bytes_total",
			Help: "Bytes received from remote sources",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(frontend, method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(frontend, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(frontend, method).Observe(duration.Seconds())
}

// SetMounts records the number of registered mounts.
func SetMounts(n int) {
	mountsActive.Set(float64(n))
}

// RecordProviderFailure counts a contained provider failure. It matches the
// registry failure hook signature.
func RecordProviderFailure(prefix, _ string, err error) {
	providerFailuresTotal.WithLabelValues(prefix, mountkit.ErrorClass(err)).Inc()
}

// CacheHit counts a metadata cache hit for a namespaced cache key.
func CacheHit(key string) {
	cacheLookupsTotal.WithLabelValues(backendOf(key), "hit").Inc()
}

// CacheMiss counts a metadata cache miss for a namespaced cache key.
func CacheMiss(key string) {
	cacheLookupsTotal.WithLabelValues(backendOf(key), "miss").Inc()
}

// RecordFetch counts one completed range fetch.
func RecordFetch(_ string, _, n int64) {
	rangeFetchesTotal.Inc()
	rangeFetchBytes.Add(float64(n))
}

// backendOf returns the namespace of a cache key such as
// "github:owner/repo:tree:main".
func backendOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request count and latency under frontend.
func Middleware(frontend string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(frontend, r.Method, rec.status, time.Since(start))
	})
}
