/*
Package types defines the core data model of the dispatcher.

# Entities

	Schedule       recurring recipe (name, periodicity, context, task config)
	RequestedTask  queued work waiting for a worker
	Task           assigned work with a status history
	Worker         fleet member with advertised capacity
	Offliner       content generator definition

# Status Machine

Tasks move along the pipeline

	requested → reserved → started → scraper_started → scraper_running
	          → scraper_completed → succeeded | failed

with a cancellation track (cancel_requested → canceling → canceled) reachable
from every active status. succeeded, failed and canceled are terminal.

All legal transitions live in one table; use Status.CanTransition rather than
comparing strings:

	if !task.Status.CanTransition(types.StatusStarted) {
		return errIllegal
	}

# Status Log

Every transition appends a (status, time) pair to the task's StatusLog. The log
only grows, its timestamps never decrease, and its last entry always equals the
task's current status. Replaying it rebuilds the status.
*/
package types
