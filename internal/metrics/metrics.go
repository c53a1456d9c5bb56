// Package metrics provides Prometheus metrics for the lanshare daemon.
package metrics

import (
	"bufio"
	"fmt"
	"net"
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

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_download_bytes_total",
			Help: "Total bytes served by the download endpoint",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_upload_bytes_total",
			Help: "Total bytes committed by the upload endpoint",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_uploaded_files_total",
			Help: "Total number of uploaded files by outcome",
		},
		[]string{"status"},
	)

	// Directory index metrics
	indexFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_index_files",
			Help: "Number of files in the last directory snapshot",
		},
	)

	indexDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lanshare_index_duration_seconds",
			Help:    "Time to enumerate and stat the shared directory",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Live session metrics
	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lanshare_sessions_active",
			Help: "Number of connected live-update sessions",
		},
		[]string{"transport"},
	)

	sessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_sessions_evicted_total",
			Help: "Sessions closed because their outbound queue was full",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_broadcasts_total",
			Help: "Total files-updated broadcasts by change kind",
		},
		[]string{"type"},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_watcher_events_total",
			Help: "Filesystem events accepted by the change watcher",
		},
		[]string{"type"},
	)

	retargetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_retargets_total",
			Help: "Successful shared directory changes",
		},
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

// RecordDownload records a download.
func RecordDownload(bytes int64, success bool) {
	bytesDownloaded.Add(float64(bytes))
	downloadsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordUpload records one uploaded file.
func RecordUpload(bytes int64, success bool) {
	bytesUploaded.Add(float64(bytes))
	uploadsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordUploadRejected records a file refused for exceeding the size ceiling.
func RecordUploadRejected() {
	uploadsTotal.WithLabelValues("too_large").Inc()
}

// RecordIndex records a directory snapshot.
func RecordIndex(files int, duration time.Duration) {
	indexFiles.Set(float64(files))
	indexDuration.Observe(duration.Seconds())
}

// SetSessionsActive sets the number of connected sessions for a transport.
func SetSessionsActive(transport string, count int) {
	sessionsActive.WithLabelValues(transport).Set(float64(count))
}

// RecordSessionEvicted records a slow session being dropped.
func RecordSessionEvicted() {
	sessionsEvicted.Inc()
}

// RecordBroadcast records a files-updated broadcast.
func RecordBroadcast(kind string) {
	broadcastsTotal.WithLabelValues(kind).Inc()
}

// RecordWatcherEvent records a filesystem event accepted by the watcher.
func RecordWatcherEvent(kind string) {
	watcherEventsTotal.WithLabelValues(kind).Inc()
}

// RecordRetarget records a shared directory change.
func RecordRetarget() {
	retargetsTotal.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. The
// matched ServeMux pattern is used as the route label so file names do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
