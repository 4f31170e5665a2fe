/*
Package manager is the control plane of a dispatcher server.

A Manager owns the store, the offliner definition cache and the event
broker, and exposes every dispatcher operation as a method. Each method
runs in one store transaction and publishes an event once the change is
committed:

	┌──────────────── MANAGER ────────────────┐
	│  API / CLI                               │
	│     │                                    │
	│  Manager ── events.Broker ── subscribers │
	│     │                                    │
	│  request · reservation · lifecycle       │
	│  scheduler · reaper · retention          │
	│     │                                    │
	│  storage.Store (bolt or sqlite)          │
	└──────────────────────────────────────────┘

# Schedules

PutSchedule creates or replaces a schedule by name, keeping the id and
the most recent task of an existing one. DeleteSchedule keeps the
schedule's requested tasks and tasks as orphans: their schedule id is
cleared and the original name stays for history.

# Work

	mgr := manager.NewManager(store, manager.Config{})
	defer mgr.Shutdown()

	rts, err := mgr.CreateRequestedTasks(ctx, request.Params{
		ScheduleNames: []string{"wikipedia_en_all"},
		Priority:      5,
		RequestedBy:   "alice",
	})

	task, err := mgr.ClaimTask(ctx, reservation.Poll{Worker: "worker-1", ...})
	task, err = mgr.ApplyTaskEvent(ctx, task.ID, "started", lifecycle.Payload{Actor: "worker-1"})

The background passes (RunPeriodicScheduler, RunStaleReaper,
RunHistoryCleanup) are driven by the runner package in a server and may
also be run once from the command line.

# Snapshots

Export writes every entity as one JSON document read in a single
transaction. Import loads such a document into a store, which is how data
moves between the bolt and sqlite backends. Imported task histories are
replayed against the transition table first.
*/
package manager
