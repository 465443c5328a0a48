/*
Package supervisor is the uniform abstraction over child-process lifecycle
that every other component spawns work through: start, stop, delete,
list/describe, and a single non-blocking event stream fanning out log
lines, structured message packets, and lifecycle events to any number of
consumers.

Every process is placed in its own process group (Setpgid) so Stop can
signal the whole group rather than leak orphaned children, and is given a
kill-grace before escalating from SIGTERM to SIGKILL. cpu%/rss snapshots
are read from the OS via gopsutil rather than shelling out to ps.
*/
package supervisor
