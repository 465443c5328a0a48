package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Port Allocator (A)
	PortAllocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_port_allocations_active",
			Help: "Number of live port allocations",
		},
	)

	PortAllocationsExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_port_allocations_exhausted_total",
			Help: "Total number of allocate() calls that failed with ExhaustedError",
		},
	)

	// Process Supervisor (B)
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_processes_total",
			Help: "Total number of tracked processes by status",
		},
		[]string{"status"},
	)

	ProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_process_restarts_total",
			Help: "Total number of process restarts by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	// Service-Dependency Manager (D)
	ReadinessWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_readiness_wait_duration_seconds",
			Help:    "Time spent waiting for a run's services to become ready",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30},
		},
	)

	ReadinessTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_readiness_timeouts_total",
			Help: "Total number of runs that failed to reach readiness in time",
		},
	)

	// Run Manager (E)
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_runs_total",
			Help: "Total number of runs by status",
		},
		[]string{"status"},
	)

	RunStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_run_start_duration_seconds",
			Help:    "Time taken to bring a run from starting to running",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_runs_ended_total",
			Help: "Total number of runs that reached a terminal status, by reason",
		},
		[]string{"reason"},
	)

	// Auto-Run Scheduler (G)
	SchedulerActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_scheduler_active_runs",
			Help: "Number of auto-scheduled runs currently occupying a slot",
		},
	)

	SchedulerTimeSliceExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_scheduler_time_slice_expired_total",
			Help: "Total number of time-slice-expired events emitted",
		},
	)

	SchedulerConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_scheduler_consecutive_failures",
			Help: "Current consecutive run-failure count tracked by the scheduler",
		},
	)

	// Sync Manager (H)
	SyncCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_sync_cycle_duration_seconds",
			Help:    "Time taken for a sync cycle by phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	SyncErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_sync_errors_total",
			Help: "Total number of sync errors by phase",
		},
		[]string{"phase"},
	)

	SyncFilesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_sync_files_uploaded_total",
			Help: "Total number of analysis files uploaded to the central replica",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PortAllocationsActive,
		PortAllocationsExhausted,
		ProcessesTotal,
		ProcessRestartsTotal,
		ReadinessWaitDuration,
		ReadinessTimeoutsTotal,
		RunsTotal,
		RunStartDuration,
		RunsEndedTotal,
		SchedulerActiveRuns,
		SchedulerTimeSliceExpiredTotal,
		SchedulerConsecutiveFailures,
		SyncCycleDuration,
		SyncErrorsTotal,
		SyncFilesUploadedTotal,
	)
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

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
