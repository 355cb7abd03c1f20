// Package metrics exposes Prometheus collectors for the scrape worker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal              *prometheus.CounterVec
	scrapeAttemptsTotal          *prometheus.CounterVec
	scrapeAttemptDurationSeconds *prometheus.HistogramVec
	scrapeActiveWorkers          prometheus.Gauge
	scrapeProxyPoolSize          prometheus.Gauge
	scrapeComputeUnitsTotal      prometheus.Counter
	scrapeQueueMessagesTotal     *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of jobs finalized, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_attempts_total",
				Help: "Total number of per-URL execution attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapeAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_attempt_duration_seconds",
				Help:    "Histogram of per-URL browser session durations, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scrapeProxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_proxy_pool_size",
				Help: "Number of healthy proxies in the current pool generation.",
			},
		)

		scrapeComputeUnitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_compute_units_total",
				Help: "Total compute units debited by finalized jobs.",
			},
		)

		scrapeQueueMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_queue_messages_total",
				Help: "Total queue messages handled, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests served by the admin API.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin API request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latencies for the admin API.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt records one per-URL attempt outcome and its duration.
func ObserveAttempt(outcome string, duration time.Duration) {
	scrapeAttemptsTotal.WithLabelValues(outcome).Inc()
	scrapeAttemptDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scrapeActiveWorkers.Dec()
}

// SetProxyPoolSize records the healthy pool size after a refresh or eviction.
func SetProxyPoolSize(n int) {
	scrapeProxyPoolSize.Set(float64(n))
}

// AddComputeUnits adds a finalized job's debit to the running total.
func AddComputeUnits(units int64) {
	scrapeComputeUnitsTotal.Add(float64(units))
}

// ObserveQueueMessage counts a handled queue message by result.
func ObserveQueueMessage(result string) {
	scrapeQueueMessagesTotal.WithLabelValues(result).Inc()
}
