package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_submitted_total", Help: "Recommendation jobs submitted"})
	SubmissionConflict = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_submit_conflicts_total", Help: "Submissions rejected by the per-group lock"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_jobs_failed_total", Help: "Jobs marked FAILED"})
	MalformedPayloads  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_malformed_payloads_total", Help: "Queue messages that could not be parsed"})
	SlotsComputed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommend_slots_computed_total", Help: "Candidate slots produced across all jobs"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recommend_queue_depth", Help: "Ready queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recommend_inflight", Help: "Messages currently being processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			SubmissionConflict,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			MalformedPayloads,
			SlotsComputed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
