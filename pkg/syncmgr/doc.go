// Package syncmgr is the Sync Manager (component H): periodic and
// event-driven replication of each run's on-disk working set to a
// central replica.
//
// Each registered run gets its own periodic timer (first tick delayed
// so the compute process has time to create files) and a per-run guard
// so cycles for the same run never overlap. A cycle mirrors the run's
// database files through an external incremental-binary-sync tool
// first, then uploads analysis files the central replica does not yet
// have, so the central always holds database state at least as new as
// the files that reference it.
package syncmgr
