/*
Package config loads the dispatcher configuration from YAML, with defaults
for every field and environment overrides on top.

	store:
	  driver: sqlite
	  path: /var/lib/dispatcher
	reaper:
	  started: 45m
	  incomplete: 604800   # seconds work too
	retention:
	  per_schedule: 20

Environment variables override the file:

	STALLED_RESERVED_TIMEOUT    reaper.reserved
	STALLED_STARTED_TIMEOUT     reaper.started
	STALLED_INCOMPLETE_TIMEOUT  reaper.incomplete
	STALLED_CANCELREQ_TIMEOUT   reaper.cancel_requested
	HISTORY_TASK_PER_SCHEDULE   retention.per_schedule
	DISPATCHER_STORE_DRIVER     store.driver
	DISPATCHER_STORE_PATH       store.path
	DISPATCHER_LOG_LEVEL        log.level

Live and Watch let a running server pick up edited reaper timeouts and
retention ceilings without a restart.
*/
package config
