/*
Package metrics provides Prometheus metrics and component health for the
dispatcher.

All metrics are registered with the default registry at package init and
served by Handler on /metrics.

# Metric families

State gauges, refreshed by Collector from a single read transaction:

  - dispatcher_tasks_total{status}
  - dispatcher_requested_tasks_total
  - dispatcher_workers_online

Counters and histograms updated inline by the operations:

  - dispatcher_tasks_requested_total{origin}: origin is "manual" or "scheduler"
  - dispatcher_tasks_claimed_total, dispatcher_claim_conflicts_total
  - dispatcher_claim_latency_seconds
  - dispatcher_task_transitions_total{event}
  - dispatcher_tasks_reaped_total{status}: status is the status before reaping
  - dispatcher_tasks_pruned_total
  - dispatcher_job_duration_seconds{job}, dispatcher_job_item_failures_total{job}

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "reaper")

# Health

HealthChecker keeps the last reported state of named components. Probes
added with AddProbe are run by Refresh. Readiness requires every critical
component (store, runner, api by default) to be registered and healthy.

	h := metrics.Default()
	h.AddProbe("store", func(ctx context.Context) error {
		return store.View(ctx, func(storage.Tx) error { return nil })
	})
	mux.Handle("/ready", h.ReadyHandler())
*/
package metrics
