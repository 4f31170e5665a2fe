/*
Package reaper recovers tasks abandoned by their worker.

A worker that crashes or loses its network stops reporting events, and its
task would otherwise stay non-terminal forever. Each pass looks at every
non-terminal task and measures how long it has been in its current status:

	reserved                      Timeouts.Reserved         (30m)
	started                       Timeouts.Started          (30m)
	scraper_started ... _killed   Timeouts.Incomplete       (7 days)
	cancel_requested, canceling   Timeouts.CancelRequested  (1h)

A stale active task is moved to cancel_requested with the reaper as
canceler. A cancellation nobody completed is forced to canceled. Terminal
tasks are never touched.

Transitions go through lifecycle.Apply in one transaction per task, and the
task is re-read inside that transaction, so a worker event racing with the
pass either lands first (and the task is no longer stale) or finds the task
already canceled.
*/
package reaper
