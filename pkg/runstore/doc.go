/*
Package runstore implements the Run Store (component F): durable,
restart-tolerant persistence of every Run record plus the reconciliation
procedure that matches persisted state against the live process table on
startup.

Every full-state write goes to working/run-state.json via a write-tmp,
fsync, rename sequence so a crash mid-write never corrupts the file; a
single mutex serializes writers so concurrent state transitions never
interleave partial file contents. Progress-only writes are
throttled to at most once per 30 seconds per run via PutThrottled so a
fast-moving compute process cannot turn disk writes into a bottleneck.

Load is the only mechanism by which the orchestrator tolerates its own
restart: for each persisted run whose compute process is still alive (by
process-table lookup through the injected Supervisor), it restores
running/paused from the live pid/cpu/rss; for any run stored as running
whose compute process is gone, it transitions to stopped.
*/
package runstore
