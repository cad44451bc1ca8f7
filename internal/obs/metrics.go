// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_inserted_total",
		Help: "Total number of jobs submitted to the store",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed by the dispatch loop",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	})
	JobsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_requeued_total",
		Help: "Total number of jobs requeued after a transient backend failure",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled by a caller",
	})
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Histogram of end-to-end dispatch durations",
		Buckets: prometheus.DefBuckets,
	})
	BackendActiveJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_active_jobs",
		Help: "Current active job count per backend origin",
	}, []string{"backend"})
	BackendResponseTimeMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_avg_response_time_ms",
		Help: "EMA of response time in milliseconds per backend origin",
	}, []string{"backend"})
	BackendTokensPerSecond = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_avg_tokens_per_second",
		Help: "EMA of tokens per second per backend origin",
	}, []string{"backend"})
	BackendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_healthy",
		Help: "1 if the backend's last health check passed and is fresh, else 0",
	}, []string{"backend"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per backend origin",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
	ArchivedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_archived_total",
		Help: "Total number of job rows moved from the active table to the archive",
	})
	PurgedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_purged_total",
		Help: "Total number of archive rows hard-deleted by the purge sweep",
	})
	SchedulerSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_dispatch_slots_in_use",
		Help: "Number of dispatch-loop semaphore slots currently occupied",
	})
)

func init() {
	prometheus.MustRegister(
		JobsInserted, JobsClaimed, JobsCompleted, JobsFailed, JobsRequeued, JobsCancelled,
		DispatchDuration, BackendActiveJobs, BackendResponseTimeMs, BackendTokensPerSecond,
		BackendHealthy, CircuitBreakerState, CircuitBreakerTrips, ArchivedRows, PurgedRows,
		SchedulerSlotsInUse,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
