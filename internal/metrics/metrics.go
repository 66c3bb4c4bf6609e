// Package metrics holds the Prometheus collectors for urldrop.
// Collectors register on the default registry; /metrics serves them.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urldrop_submissions_total",
			Help: "URLs received by intake, by result",
		},
		[]string{"result"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urldrop_transfers_total",
			Help: "Finished transfer pipeline runs, by outcome",
		},
		[]string{"outcome"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urldrop_transfer_duration_seconds",
			Help:    "Duration of transfer pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 13),
		},
		[]string{"outcome"},
	)

	transferBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urldrop_transfer_bytes_total",
			Help: "Bytes streamed from source URLs into remote storage",
		},
	)

	transfersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urldrop_transfers_in_flight",
			Help: "Transfer pipeline runs currently executing",
		},
	)

	queueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urldrop_queue_events_total",
			Help: "Queue lifecycle notifications, by event",
		},
		[]string{"event"},
	)

	staleRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urldrop_stale_records_total",
			Help: "Processing records moved to failed by the stale sweep",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urldrop_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urldrop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Submission results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Queue events.
const (
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetried   = "retried"
	EventExhausted = "exhausted"
)

// OutcomeCompleted labels successful transfers; failures use the failure kind.
const OutcomeCompleted = "completed"

// RecordSubmission counts one intake result.
func RecordSubmission(result string) {
	submissionsTotal.WithLabelValues(result).Inc()
}

// RecordTransfer counts a finished pipeline run.
func RecordTransfer(outcome string, d time.Duration) {
	transfersTotal.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddTransferBytes adds uploaded bytes; non-positive n is ignored.
func AddTransferBytes(n int64) {
	if n > 0 {
		transferBytes.Add(float64(n))
	}
}

// TransferStarted marks a pipeline run in flight; call the returned func when it ends.
func TransferStarted() func() {
	transfersInFlight.Inc()
	return transfersInFlight.Dec
}

// RecordQueueEvent counts one job lifecycle event.
func RecordQueueEvent(event string) {
	queueEventsTotal.WithLabelValues(event).Inc()
}

func AddStaleRecords(n int) {
	if n > 0 {
		staleRecordsTotal.Add(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per normalized route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := NormalizePath(r.URL.Path)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// NormalizePath collapses record ids so label cardinality stays bounded.
// /files/<id> -> /files/{id}
func NormalizePath(path string) string {
	const filesPrefix = "/files/"
	if strings.HasPrefix(path, filesPrefix) && len(path) > len(filesPrefix) {
		if rest := path[len(filesPrefix):]; rest != "upload-from-urls" {
			return "/files/{id}"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
