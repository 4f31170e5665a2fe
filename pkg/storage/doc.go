/*
Package storage provides transactional persistence for schedules, requested
tasks, tasks, workers and offliner definitions.

Two backends implement Store:

	SQLiteStore  <dataDir>/dispatcher.sqlite  relational tables, JSON "data" column
	BoltStore    <dataDir>/dispatcher.db      one bucket per relation, JSON values

Both serialize writers, so a precondition read inside Update still holds when
the transaction commits. SQLite is the default. Its writers take the database
lock with BEGIN IMMEDIATE, so a server, its CLI invocations and any number of
worker pollers can open the same data directory at once and still reserve each
requested task exactly once.

BoltStore holds an exclusive file lock for as long as the handle is open. It
suits a single process that embeds the dispatcher; a second Open on the same
directory fails with errdefs.ErrUnavailable. Scheduling code never keeps a connection around:
every operation receives the Tx it runs in.

	err := store.Update(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(id)
		if err != nil {
			return err
		}
		task.Status = types.StatusStarted
		return tx.PutTask(task)
	})

Missing rows are reported with errdefs.ErrNotFound so callers can tell them
apart from conflicts and transient failures.
*/
package storage
