// Package metrics provides Prometheus metrics for the stormdav server.
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
			Name: "stormdav_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormdav_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage driver metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormdav_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormdav_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"driver", "operation", "result"},
	)

	// Content transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormdav_bytes_uploaded_total",
			Help: "Total bytes uploaded through the gateway",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormdav_bytes_downloaded_total",
			Help: "Total bytes downloaded through the gateway",
		},
	)

	// Driver cache metrics
	driverCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormdav_driver_cache_size",
			Help: "Number of cached storage driver instances",
		},
	)

	driverCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormdav_driver_cache_total",
			Help: "Driver cache lookups by result",
		},
		[]string{"result"},
	)

	// Lock table metrics
	activeLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormdav_active_locks",
			Help: "Number of unexpired WebDAV locks",
		},
	)

	lockConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormdav_lock_conflicts_total",
			Help: "Total lock requests rejected with 423",
		},
	)

	// Cross-storage transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormdav_transfers_total",
			Help: "Cross-storage file transfers by result",
		},
		[]string{"result"},
	)

	// Multipart upload metrics
	multipartPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormdav_multipart_parts_total",
			Help: "Multipart upload parts by result",
		},
		[]string{"result"},
	)

	multipartAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormdav_multipart_aborts_total",
			Help: "Total multipart upload sessions aborted",
		},
	)
)

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(driver, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
	result := "success"
	if !success {
		result = "error"
	}
	storageOperationsTotal.WithLabelValues(driver, operation, result).Inc()
}

// RecordUpload records uploaded bytes.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// RecordDownload records downloaded bytes.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// SetDriverCacheSize updates the driver cache gauge.
func SetDriverCacheSize(n int) {
	driverCacheSize.Set(float64(n))
}

// RecordDriverCache records a driver cache lookup result ("hit", "miss", "evicted").
func RecordDriverCache(result string) {
	driverCacheTotal.WithLabelValues(result).Inc()
}

// SetActiveLocks updates the active lock gauge.
func SetActiveLocks(n int) {
	activeLocks.Set(float64(n))
}

// RecordLockConflict records a rejected lock request.
func RecordLockConflict() {
	lockConflictsTotal.Inc()
}

// RecordTransfer records a cross-storage transfer outcome.
func RecordTransfer(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	transfersTotal.WithLabelValues(result).Inc()
}

// RecordMultipartPart records a part upload outcome.
func RecordMultipartPart(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	multipartPartsTotal.WithLabelValues(result).Inc()
}

// RecordMultipartAbort records an aborted multipart session.
func RecordMultipartAbort() {
	multipartAbortsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
