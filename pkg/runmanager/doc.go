/*
Package runmanager implements the Run Manager (component E): the only
component that mutates a Run record. StartRun/StopRun/PauseRun/ResumeRun
compose the Port Allocator, Process Supervisor, Service Graph Resolver
and Service-Dependency Manager (via the injected ServiceManager) to move
a run between statuses (PauseRun checks types.LegalTransitions; ResumeRun
also accepts stopped and failed runs), and the Run Store persists every
transition before the call returns.

The manager owns a single background goroutine subscribed to the
supervisor's event stream: it demultiplexes by run-id suffix (pkg/names)
to extract progress deltas from compute-process log lines via
ProgressParser, and to classify compute-process exits into terminated,
failed, or (if the run was parked by the scheduler) ignored.

Dependencies (the store, the service manager, the supervisor, the
template loader, the event publisher) are all injected as narrow
interfaces at construction so tests can substitute fakes; nothing in
this package reaches for a global.
*/
package runmanager
