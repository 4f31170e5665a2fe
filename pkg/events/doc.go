/*
Package events provides an in-memory broker for task lifecycle events.

The manager publishes an Event after each committed change: a request
created or deleted, a task reserved, a status change, an informational
update, a task reaped by the stale-task sweep or pruned by retention.
Subscribers are notification hooks and log streams; delivery is best
effort and never holds up the writer.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventTaskStatus, events.EventTaskReaped)
	go func() {
		for ev := range sub {
			fmt.Println(ev.TaskID, ev.Status)
		}
	}()

Stop closes every subscriber channel, so range loops over a Subscriber
end when the broker shuts down.
*/
package events
