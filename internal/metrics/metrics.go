// Package metrics provides Prometheus metrics for the lanshare daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Discovery outcomes.
const (
	QueryAnswered = "answered"
	QueryEmpty    = "empty"
	QueryDropped  = "dropped"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lanshare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_content_bytes_served_total",
			Help: "Total bytes streamed from the content endpoint",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_content_downloads_total",
			Help: "Full-file downloads by outcome",
		},
		[]string{"status"},
	)

	// Metadata metrics
	indexedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_indexed_records",
			Help: "Number of records in the search index",
		},
	)

	metadataUpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lanshare_metadata_update_duration_seconds",
			Help:    "Time to recompute one path and its ancestors",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Discovery metrics
	discoveryQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_discovery_queries_total",
			Help: "Inbound discovery queries by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentBytes adds streamed bytes.
func RecordContentBytes(n int64) {
	contentBytesServed.Add(float64(n))
}

// RecordContentDownload records the outcome of a full-file download.
func RecordContentDownload(completed bool) {
	status := "completed"
	if !completed {
		status = "aborted"
	}
	contentDownloadsTotal.WithLabelValues(status).Inc()
}

// SetIndexedRecords sets the indexed record gauge.
func SetIndexedRecords(n int) {
	indexedRecords.Set(float64(n))
}

// RecordMetadataUpdate records an update duration.
func RecordMetadataUpdate(d time.Duration) {
	metadataUpdateDuration.Observe(d.Seconds())
}

// RecordDiscoveryQuery counts an inbound query.
func RecordDiscoveryQuery(outcome string) {
	discoveryQueriesTotal.WithLabelValues(outcome).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Paths
// carry record ids, so they are collapsed into a route label.
func Middleware(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route(r), rw.statusCode, time.Since(start))
	})
}
