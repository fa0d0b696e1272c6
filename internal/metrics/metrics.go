// Package metrics provides Prometheus metrics for the pack catalog.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packcatalog_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Index metrics
	indexBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_index_builds_total",
			Help: "Total pack index builds",
		},
		[]string{"pack", "status"},
	)

	indexBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packcatalog_index_build_duration_seconds",
			Help:    "Time to scan a pack tree into an index",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pack"},
	)

	indexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packcatalog_index_size",
			Help: "Number of indexed nodes per pack",
		},
		[]string{"pack", "kind"},
	)

	indexProblems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packcatalog_index_problems",
			Help: "Configuration problems found in the last index build",
		},
		[]string{"pack"},
	)

	// Resolver metrics
	resolverQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_resolver_queue_size",
			Help: "Number of resolve tasks waiting for a worker",
		},
	)

	resolverInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_resolver_in_progress",
			Help: "Number of resolve tasks currently outstanding",
		},
	)

	resolverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_resolver_requests_total",
			Help: "Resolve requests by kind and outcome (started, coalesced, cache_hit, rejected)",
		},
		[]string{"kind", "outcome"},
	)

	resolverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packcatalog_resolver_duration_seconds",
			Help:    "Time to complete a resolve task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	decodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_decode_failures_total",
			Help: "Templates dropped because they failed to decode",
		},
		[]string{"pack"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_sessions_active",
			Help: "Number of open browse sessions",
		},
	)

	sessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packcatalog_sessions_expired_total",
			Help: "API sessions closed after sitting idle",
		},
	)

	previewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_previews_active",
			Help: "Number of preview slots holding a template",
		},
	)

	invalidSelectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packcatalog_invalid_selections_total",
			Help: "Selections that referenced an unknown grouping id",
		},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_events_dropped_total",
			Help: "Events not delivered because a subscriber's buffer was full",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_event_subscribers",
			Help: "Number of event subscribers",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packcatalog_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	blobCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packcatalog_blob_cache_total",
			Help: "Blob cache lookups by result",
		},
		[]string{"result"},
	)

	blobCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packcatalog_blob_cache_bytes",
			Help: "Bytes held in the local blob cache",
		},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIndexBuild records a pack index build.
func RecordIndexBuild(pack string, duration time.Duration, success bool) {
	indexBuildsTotal.WithLabelValues(pack, status(success)).Inc()
	if success {
		indexBuildDuration.WithLabelValues(pack).Observe(duration.Seconds())
	}
}

// SetIndexSize sets the node counts of a pack's index.
func SetIndexSize(pack string, categories, leaves, templates, problems int) {
	indexSize.WithLabelValues(pack, "category").Set(float64(categories))
	indexSize.WithLabelValues(pack, "leaf").Set(float64(leaves))
	indexSize.WithLabelValues(pack, "template").Set(float64(templates))
	indexProblems.WithLabelValues(pack).Set(float64(problems))
}

// SetResolverQueueSize sets the resolver queue depth.
func SetResolverQueueSize(n int) {
	resolverQueueSize.Set(float64(n))
}

// IncResolverInProgress marks a resolve task as started.
func IncResolverInProgress() { resolverInProgress.Inc() }

// DecResolverInProgress marks a resolve task as finished.
func DecResolverInProgress() { resolverInProgress.Dec() }

// RecordResolveRequest records how a resolve request was answered.
func RecordResolveRequest(kind, outcome string) {
	resolverRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordResolve records a completed resolve task.
func RecordResolve(kind string, duration time.Duration, success bool) {
	resolverDuration.WithLabelValues(kind, status(success)).Observe(duration.Seconds())
}

// RecordDecodeFailure records a template that could not be decoded.
func RecordDecodeFailure(pack string) {
	decodeFailuresTotal.WithLabelValues(pack).Inc()
}

// AddSessionsActive adjusts the open session count by delta.
func AddSessionsActive(delta int) {
	sessionsActive.Add(float64(delta))
}

// RecordSessionsExpired records idle sessions closed by the sweeper.
func RecordSessionsExpired(n int) {
	sessionsExpiredTotal.Add(float64(n))
}

// SetPreviewsActive sets the number of occupied preview slots.
func SetPreviewsActive(n int) {
	previewsActive.Set(float64(n))
}

// RecordInvalidSelection records a rejected selection id.
func RecordInvalidSelection() {
	invalidSelectionsTotal.Inc()
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event a slow subscriber missed.
func RecordEventDropped(eventType string) {
	eventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordBlobCache records a blob cache lookup.
func RecordBlobCache(hit bool) {
	if hit {
		blobCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	blobCacheTotal.WithLabelValues("miss").Inc()
}

// SetBlobCacheBytes sets the bytes held by the blob cache.
func SetBlobCacheBytes(n int64) {
	blobCacheBytes.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets event streams pass through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. route
// maps a request to a low-cardinality label; nil falls back to the URL path.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			label := r.URL.Path
			if route != nil {
				label = route(r)
			}
			RecordHTTPRequest(r.Method, label, rw.statusCode, time.Since(start))
		})
	}
}
