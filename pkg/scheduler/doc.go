/*
Package scheduler implements the periodic scheduler, which turns recurring
schedules into requested tasks.

# Due rule

Each recurring periodicity has a window (monthly 31 days, quarterly 92,
biannually 183, annually 365). For one pass at time now, a schedule is
requested when all of the following hold:

  - it is enabled and its periodicity has a window (manual schedules are
    only requested by hand)
  - no requested task for it is already queued
  - its most recent task is absent, has been deleted, or is terminal and
    started before now minus the window

A most recent task that never reached started is judged by its first
status entry instead.

# Passes

Run lists schedules once, then re-checks and requests each candidate in
its own transaction so one bad schedule (unknown offliner, store error)
is counted in Result.Failed and the pass continues. Passes are serialized
by a mutex; running the same pass twice requests nothing new.

	sched := scheduler.NewScheduler(store, cache, nil)
	result, err := sched.Run(ctx)
*/
package scheduler
