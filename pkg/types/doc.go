/*
Package types defines the core data structures shared across the orchestrator.

It has no behavior of its own — every other package imports it for the
shapes of a Run, a Template, a Service definition, and the handful of
value objects (Allocation, Progress, ServiceInfo) that flow between them.
Keeping these types in one leaf package avoids import cycles between
pkg/runmanager, pkg/scheduler, pkg/runstore, and pkg/syncmgr, which all need
to see the same Run shape.

# Run lifecycle

A Run moves through a fixed set of statuses:

	absent -> starting -> running -> {stopped, terminated, failed, paused}
	paused -> {running, stopped}

RunStatus values are typed strings so they serialize to readable JSON in
working/run-state.json. LegalTransitions lists the graph above;
pkg/runmanager checks it before pausing a run. Other status changes are
guarded by each Run Manager operation itself, and ResumeRun also brings
stopped and failed runs back to running, which the table does not list.
*/
package types
