/*
Package portalloc hands out disjoint TCP port intervals to runs.

Allocation is idempotent per run id (re-allocating a run that already holds
an interval returns the same one) and pure — no suspension point, no I/O —
so it can hold its own mutex for the whole of an Allocate/Release call
without risking a stall elsewhere in the orchestrator.
*/
package portalloc
