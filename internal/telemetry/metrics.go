// Package telemetry holds the Prometheus collectors and the tracer shared
// by the queue, the workers and the dashboard.
package telemetry

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/udaykr117/queuectl"

var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	})

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_processed_total",
			Help: "Total number of job attempts finished by workers, by resulting state",
		},
		[]string{"result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuectl_job_duration_seconds",
			Help:    "Wall-clock duration of job command executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"outcome"},
	)

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuectl_jobs_inflight",
		Help: "Jobs currently executing in this process",
	})

	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuectl_workers_running",
		Help: "Worker loops currently running in this process",
	})

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuectl_jobs",
			Help: "Jobs in the store by state, sampled on status reads",
		},
		[]string{"state"},
	)

	RateLimitRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_dashboard_rate_limit_rejects_total",
		Help: "Dashboard requests rejected by the rate limiter",
	})
)

// RecordJobResult counts a finished attempt. result is the state the job
// moved to: completed, pending (retry) or dead.
func RecordJobResult(result string) {
	jobsProcessed.WithLabelValues(normalizeLabel(result, "unknown")).Inc()
}

// ObserveJobDuration records one execution. outcome is success, failure or
// timeout.
func ObserveJobDuration(outcome string, seconds float64) {
	jobDuration.WithLabelValues(normalizeLabel(outcome, "unknown")).Observe(seconds)
}

// RecordQueueDepth publishes per-state job counts.
func RecordQueueDepth(counts map[string]int) {
	for state, n := range counts {
		queueDepth.WithLabelValues(normalizeLabel(state, "unknown")).Set(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Tracer returns the queuectl tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

func normalizeLabel(value, fallback string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return fallback
	}
	return value
}
