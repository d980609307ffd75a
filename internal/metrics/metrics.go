// Package metrics provides Prometheus metrics for the jamfsync mirror.
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
	// Sync cycle metrics
	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamfsync_sync_cycles_total",
			Help: "Total number of sync cycles",
		},
		[]string{"result"},
	)

	syncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jamfsync_sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	lastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jamfsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync cycle",
		},
	)

	catalogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jamfsync_catalog_packages",
			Help: "Number of packages in the remote catalog at the last listing",
		},
	)

	syncActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamfsync_sync_actions_total",
			Help: "Total reconciliation actions applied",
		},
		[]string{"kind"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jamfsync_bytes_downloaded_total",
			Help: "Total package bytes downloaded",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamfsync_downloads_total",
			Help: "Total number of package downloads",
		},
		[]string{"status"},
	)

	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jamfsync_api_request_duration_seconds",
			Help:    "Jamf Pro API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamfsync_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jamfsync_storage_operation_duration_seconds",
			Help:    "Destination storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamfsync_storage_operations_total",
			Help: "Total destination storage operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSyncCycle records the outcome of one sync cycle.
func RecordSyncCycle(duration time.Duration, success bool) {
	syncCycleDuration.Observe(duration.Seconds())
	if success {
		syncCyclesTotal.WithLabelValues("success").Inc()
		lastSuccessTimestamp.SetToCurrentTime()
		return
	}
	syncCyclesTotal.WithLabelValues("error").Inc()
}

// RecordSyncSkipped records a cycle that did not start because another was running.
func RecordSyncSkipped() {
	syncCyclesTotal.WithLabelValues("skipped").Inc()
}

// SetCatalogSize sets the number of remote packages seen at the last listing.
func SetCatalogSize(n int) {
	catalogSize.Set(float64(n))
}

// RecordAction records an applied reconciliation action.
func RecordAction(kind string) {
	syncActionsTotal.WithLabelValues(kind).Inc()
}

// RecordDownload records a package download.
func RecordDownload(bytes int64, success bool) {
	bytesDownloaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
}

// RecordAPIRequest records a Jamf Pro API call. status is the HTTP status code,
// or 0 when the request never got a response.
func RecordAPIRequest(operation string, status int, duration time.Duration) {
	apiRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordStorageOperation records a destination storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}
