package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsProcessed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_events_processed_total", Help: "Events processed to completion"})
	PipelineFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_failures_total", Help: "Pipeline runs that ended in failure"})
	AIFallbacks      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_ai_fallbacks_total", Help: "Insight calls degraded to the fallback assessment"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by the per-organization rate limiter"})
	DeadLettered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dead_lettered_total", Help: "Failed events pushed to the dead-letter log"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently processing"})
	ProcessingTime   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_processing_seconds",
		Help:    "End-to-end pipeline run duration",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsProcessed,
			PipelineFailures,
			AIFallbacks,
			RateLimitRejects,
			DeadLettered,
			InFlightGauge,
			ProcessingTime,
		)
	})
	return promhttp.Handler()
}
