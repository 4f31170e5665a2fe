/*
Package log provides structured logging for the dispatcher using zerolog.

Call Init once at startup, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reaper")
	logger.Info().Str("task_id", id).Msg("task canceled")

Fields used across the code base: component, task_id, schedule, worker,
status, event.
*/
package log
