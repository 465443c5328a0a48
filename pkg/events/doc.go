/*
Package events implements the orchestrator's event bus: a single Broker
that fans run lifecycle and sync notifications out to any number of
subscribers without ever blocking on a slow one.

Publish is non-blocking; a subscriber whose buffer is full simply misses
the event rather than stalling the producer (the Process Supervisor's log
stream is the highest-volume publisher and must never be made to wait on
a consumer).

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	broker.Publish(&events.Event{Type: events.EventRunStarted, RunID: run.ID})
*/
package events
