package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State metrics, refreshed by the Collector
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	RequestedTasksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_requested_tasks_total",
			Help: "Number of requested tasks waiting for a worker",
		},
	)

	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_workers_online",
			Help: "Number of workers seen within the online window",
		},
	)

	// Request metrics
	TasksRequested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_requested_total",
			Help: "Total number of requested tasks created, by origin",
		},
		[]string{"origin"},
	)

	// Reservation metrics
	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_claimed_total",
			Help: "Total number of requested tasks promoted to tasks",
		},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_claim_conflicts_total",
			Help: "Total number of claim attempts lost to a concurrent claimer",
		},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_claim_latency_seconds",
			Help:    "Time taken to claim a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lifecycle metrics
	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_task_transitions_total",
			Help: "Total number of applied task events by event",
		},
		[]string{"event"},
	)

	// Background job metrics
	TasksReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_reaped_total",
			Help: "Total number of stale tasks force-transitioned, by previous status",
		},
		[]string{"status"},
	)

	TasksPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_pruned_total",
			Help: "Total number of tasks removed by history retention",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_job_duration_seconds",
			Help:    "Background job run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_job_item_failures_total",
			Help: "Total number of items a background job failed to process",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(RequestedTasksTotal)
	prometheus.MustRegister(WorkersOnline)
	prometheus.MustRegister(TasksRequested)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(TaskTransitions)
	prometheus.MustRegister(TasksReaped)
	prometheus.MustRegister(TasksPruned)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
