// Package metrics exposes Prometheus collectors for request intake, approval
// decisions and job execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_requests_total",
			Help: "Submitted requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_ticket_decisions_total",
			Help: "Ticket decisions by resulting status",
		},
		[]string{"status"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_jobs_total",
			Help: "Job attempts by queue and result",
		},
		[]string{"queue", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shepherd_job_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"queue", "operation"},
	)

	jobsInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_jobs_inflight",
			Help: "Jobs currently executing on this replica",
		},
		[]string{"queue"},
	)

	staleReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_jobs_reaped_total",
			Help: "Stale running jobs returned to the queue",
		},
	)
)

func RecordRequest(operation, outcome string) {
	requestsTotal.WithLabelValues(operation, outcome).Inc()
}

func RecordDecision(status string) {
	decisionsTotal.WithLabelValues(status).Inc()
}

func RecordJob(queue, operation, result string, d time.Duration) {
	jobsTotal.WithLabelValues(queue, result).Inc()
	jobDuration.WithLabelValues(queue, operation).Observe(d.Seconds())
}

// JobStarted bumps the inflight gauge and returns its matching decrement.
func JobStarted(queue string) func() {
	g := jobsInflight.WithLabelValues(queue)
	g.Inc()
	return g.Dec
}

func RecordReaped(n int64) {
	if n > 0 {
		staleReaped.Add(float64(n))
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
