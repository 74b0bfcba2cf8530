package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build gauges
	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildctl_builds_total",
			Help: "Current number of builds by status and platform",
		},
		[]string{"status", "platform"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildctl_workers_total",
			Help: "Current number of registered workers by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildctl_queue_depth",
			Help: "Number of builds currently pending dispatch",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildctl_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildctl_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Dispatcher metrics
	DispatchClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildctl_dispatch_claim_duration_seconds",
			Help:    "Time taken to claim a build for a polling worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	BuildsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_claimed_total",
			Help: "Total number of builds successfully claimed by a worker",
		},
	)

	BuildsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_enqueued_total",
			Help: "Total number of builds enqueued for dispatch",
		},
	)

	// Lifecycle metrics
	BuildCompleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildctl_build_complete_duration_seconds",
			Help:    "Wall-clock time from submission to completion",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	BuildsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_completed_total",
			Help: "Total number of builds that reached status completed",
		},
	)

	BuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_failed_total",
			Help: "Total number of builds that reached status failed",
		},
	)

	BuildsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_cancelled_total",
			Help: "Total number of builds that reached status cancelled",
		},
	)

	BuildsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_builds_retried_total",
			Help: "Total number of retry builds created",
		},
	)

	// Watchdog metrics
	WatchdogCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildctl_watchdog_cycle_duration_seconds",
			Help:    "Time taken for one liveness watchdog sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	WatchdogReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildctl_watchdog_reclaims_total",
			Help: "Total number of builds failed by the liveness watchdog",
		},
	)
)

func init() {
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(DispatchClaimDuration)
	prometheus.MustRegister(BuildsClaimedTotal)
	prometheus.MustRegister(BuildsEnqueuedTotal)
	prometheus.MustRegister(BuildCompleteDuration)
	prometheus.MustRegister(BuildsCompletedTotal)
	prometheus.MustRegister(BuildsFailedTotal)
	prometheus.MustRegister(BuildsCancelledTotal)
	prometheus.MustRegister(BuildsRetriedTotal)
	prometheus.MustRegister(WatchdogCycleDuration)
	prometheus.MustRegister(WatchdogReclaimsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
