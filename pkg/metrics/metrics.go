package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	ScansDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanmesh_scans_dispatched_total",
			Help: "Total number of scans dispatched by queue type and outcome",
		},
		[]string{"queue", "outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanmesh_dispatch_latency_seconds",
			Help:    "Time taken to publish a task from submission",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker runtime metrics
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanmesh_tasks_consumed_total",
			Help: "Total number of tasks consumed by queue and ack decision",
		},
		[]string{"queue", "decision"},
	)

	ScanExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanmesh_scan_execution_duration_seconds",
			Help:    "Wall-clock time a worker spends executing one scan",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	// Supervisor metrics
	ActiveConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanmesh_active_consumers",
			Help: "Number of per-scan result consumers currently tracked",
		},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanmesh_monitor_cycle_duration_seconds",
			Help:    "Time taken for one supervisor monitor iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanmesh_events_ingested_total",
			Help: "Total number of result events processed by outcome",
		},
		[]string{"outcome"}, // inserted, duplicate, rejected
	)

	WatchdogPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanmesh_watchdog_promotions_total",
			Help: "Total number of scans promoted to FINISHED by the idle watchdog",
		},
	)

	// Correlation metrics
	CorrelationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanmesh_correlation_runs_total",
			Help: "Total number of correlation subprocess runs by exit status",
		},
		[]string{"status"}, // clean, oom, timeout, other
	)

	CorrelationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanmesh_correlation_duration_seconds",
			Help:    "Wall-clock time spent running correlation rules",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 900},
		},
	)

	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanmesh_workers_total",
			Help: "Total number of registered workers by queue type and status",
		},
		[]string{"queue", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ScansDispatchedTotal,
		DispatchLatency,
		TasksConsumedTotal,
		ScanExecutionDuration,
		ActiveConsumers,
		MonitorCycleDuration,
		EventsIngestedTotal,
		WatchdogPromotionsTotal,
		CorrelationRunsTotal,
		CorrelationDuration,
		WorkersTotal,
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
